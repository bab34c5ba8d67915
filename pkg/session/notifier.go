// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import "sync"

// notifier fans one reactive value out to subscribers. Subscribing delivers
// the current value immediately so no initial state is missed; afterwards
// only real transitions are delivered, synchronously and in subscription
// order. After mute no callback fires again.
type notifier[T comparable] struct {
	value  T
	subs   []notifierSub[T]
	nextID int
	muted  bool
	mu     sync.Mutex
}

type notifierSub[T comparable] struct {
	fn func(T)
	id int
}

func newNotifier[T comparable](initial T) *notifier[T] {
	return &notifier[T]{value: initial}
}

func (n *notifier[T]) get() T {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.value
}

// set transitions the value and notifies subscribers. Redundant writes of
// the current value are swallowed. Returns whether the value changed.
func (n *notifier[T]) set(value T) bool {
	n.mu.Lock()

	if n.muted || n.value == value {
		n.mu.Unlock()

		return false
	}
	n.value = value
	subs := make([]notifierSub[T], len(n.subs))
	copy(subs, n.subs)

	n.mu.Unlock()

	for _, s := range subs {
		s.fn(value)
	}

	return true
}

// subscribe registers a callback and immediately invokes it with the current
// value. The returned function removes the registration.
func (n *notifier[T]) subscribe(fn func(T)) func() {
	n.mu.Lock()

	if n.muted {
		n.mu.Unlock()

		return func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs = append(n.subs, notifierSub[T]{fn: fn, id: id})
	current := n.value

	n.mu.Unlock()

	fn(current)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)

				break
			}
		}
	}
}

// mute drops all subscribers and rejects future ones. Used on destroy to
// guarantee no callback fires afterwards.
func (n *notifier[T]) mute() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.muted = true
	n.subs = nil
}

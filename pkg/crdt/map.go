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

package crdt

import "sort"

// KeyHandler observes committed writes to a map.
type KeyHandler func(key, value string)

type mapSubscriber struct {
	fn KeyHandler
	id int
}

// Map is a named last-write-wins key/value map inside a Doc. All methods are
// safe for concurrent use; state is guarded by the owning document's lock.
type Map struct {
	doc         *Doc
	entries     map[string]UpdateEntry
	name        string
	subscribers []mapSubscriber
}

// Name returns the map's name inside the document.
func (m *Map) Name() string {
	return m.name
}

// Get returns the current value for the key and whether the key exists.
func (m *Map) Get(key string) (string, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false
	}

	return entry.Value, true
}

// Set commits a local write. The write is stamped with the document clock and
// node id, applied locally and published to update handlers.
func (m *Map) Set(key, value string) {
	m.doc.commitLocal(m.name, key, value)
}

// Keys returns the map's keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// Len returns the number of keys in the map.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	return len(m.entries)
}

// Subscribe registers a handler that fires after a write to this map actually
// changes an entry, local or remote. The returned function removes the
// registration.
func (m *Map) Subscribe(handler KeyHandler) func() {
	m.doc.mu.Lock()

	id := m.doc.nextSubID
	m.doc.nextSubID++
	m.subscribers = append(m.subscribers, mapSubscriber{id: id, fn: handler})

	m.doc.mu.Unlock()

	return func() {
		m.doc.mu.Lock()
		defer m.doc.mu.Unlock()

		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)

				break
			}
		}
	}
}

// mergeLocked applies an entry under last-write-wins rules. The entry is
// stored whenever it wins the ordering; the return value reports whether the
// visible value changed, so stamp-only refreshes stay silent. Caller holds
// the doc lock.
func (m *Map) mergeLocked(entry UpdateEntry) bool {
	current, ok := m.entries[entry.Key]
	if ok && !entry.newerThan(current) {
		return false
	}

	m.entries[entry.Key] = entry

	return !ok || current.Value != entry.Value
}

// subscribersLocked snapshots the subscriber list. Caller holds the doc lock.
func (m *Map) subscribersLocked() []mapSubscriber {
	snapshot := make([]mapSubscriber, len(m.subscribers))
	copy(snapshot, m.subscribers)

	return snapshot
}

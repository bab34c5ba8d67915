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

package transport

import (
	"context"
	"sync"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
)

// FakeTransport is an in-memory Transport for tests. Its status is driven
// by SetStatus, peers are injected through the real Awareness instance.
type FakeTransport struct {
	kind   Kind
	aware  *awareness.Awareness
	status statusTracker

	mu             sync.Mutex
	connectErr     error
	reconnectErr   error
	connectCalls   int
	reconnectCalls int
	destroyed      bool
}

func NewFakeTransport(kind Kind, participantID string) *FakeTransport {
	return &FakeTransport{
		kind:   kind,
		aware:  awareness.New(participantID),
		status: newStatusTracker(),
	}
}

func (f *FakeTransport) Kind() Kind {
	return f.kind
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		f.SetStatus(StatusDisconnected)
		return err
	}
	f.SetStatus(StatusConnected)
	return nil
}

func (f *FakeTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnectCalls++
	err := f.reconnectErr
	f.mu.Unlock()
	f.aware.Clear()
	// The real transports pass through connecting on every redial, so a
	// failed attempt is a fresh disconnected transition, not a duplicate.
	f.SetStatus(StatusConnecting)
	if err != nil {
		f.SetStatus(StatusDisconnected)
		return err
	}
	f.SetStatus(StatusConnected)
	return nil
}

func (f *FakeTransport) Status() Status {
	return f.status.get()
}

func (f *FakeTransport) OnStatus(handler StatusHandler) func() {
	return f.status.subscribe(handler)
}

func (f *FakeTransport) Awareness() *awareness.Awareness {
	return f.aware
}

func (f *FakeTransport) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.mu.Unlock()
	f.status.clearHandlers()
	f.aware.Destroy()
}

// SetStatus drives the reported link status from the test.
func (f *FakeTransport) SetStatus(status Status) {
	f.status.set(status)
}

// FailConnects makes subsequent Connect and Reconnect calls return err.
// Pass nil to heal the transport.
func (f *FakeTransport) FailConnects(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
	f.reconnectErr = err
}

func (f *FakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *FakeTransport) ReconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnectCalls
}

func (f *FakeTransport) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

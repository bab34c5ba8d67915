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

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// State is the session's connection state as reported to consumers.
type State string

const (
	// StateConnecting means no proof of a working end-to-end path yet. This
	// covers both initial setup and the window where only the link layer is
	// up: reaching a signaling or relay endpoint alone never counts.
	StateConnecting State = "connecting"

	// StateConnected means at least one other participant has been visible
	// since the link came up. Peers leaving later does not revoke it, that
	// case is the health checker's business.
	StateConnected State = "connected"

	// StateDisconnected means the transport lost an established link. The
	// reconnection controller is working on it.
	StateDisconnected State = "disconnected"
)

// Transition events. Peer visibility is the only way in to connected, link
// loss the only way out.
const (
	eventPeerSeen = "peer-seen"
	eventLinkLost = "link-lost"
)

// stateMachine guards the connection state transitions. Events that are not
// valid in the current state are dropped, so callers can report observations
// without tracking what the session already knows.
type stateMachine struct {
	fsm    *fsm.FSM
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

func newStateMachine(logger *zap.SugaredLogger) *stateMachine {
	m := &stateMachine{logger: logger}
	m.fsm = fsm.NewFSM(
		string(StateConnecting),
		fsm.Events{
			{
				Name: eventPeerSeen,
				Src:  []string{string(StateConnecting), string(StateDisconnected)},
				Dst:  string(StateConnected),
			},
			{
				Name: eventLinkLost,
				Src:  []string{string(StateConnected)},
				Dst:  string(StateDisconnected),
			},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				logger.Debugf("Connection state %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)

	return m
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return State(m.fsm.Current())
}

// fire sends an event and reports whether it caused a transition.
func (m *stateMachine) fire(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(event) {
		return false
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Debugf("Dropped %s event: %s", event, err)

		return false
	}

	return true
}

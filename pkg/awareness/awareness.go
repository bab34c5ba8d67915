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

// Package awareness tracks ephemeral per-participant presence: identity,
// pointer position and follow target. Presence is scoped to the transport
// connection that carries it. It never enters the replicated document and
// dies with the connection.
//
// Remote records are liveness-tracked: a peer that stops republishing within
// the TTL is culled automatically, a peer that leaves explicitly is removed
// immediately.
package awareness

import (
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tiendc/go-deepcopy"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
	"go.uber.org/zap"
)

// PositionMarker is a grid location a participant points at.
type PositionMarker struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Identity is the visual identity a participant presents to others.
type Identity struct {
	DisplayName string `json:"display_name"`
	ColorToken  string `json:"color_token"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// State is one participant's presence record.
type State struct {
	Pointer   *PositionMarker `json:"pointer,omitempty"`
	Identity  Identity        `json:"identity"`
	Following string          `json:"following,omitempty"`
}

// Change describes which participants an awareness event touched.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// ChangeHandler observes awareness changes.
type ChangeHandler func(Change)

type subscriber struct {
	fn ChangeHandler
	id int
}

// wireFrame is the serialized presence frame. A nil State announces a leave.
type wireFrame struct {
	State         *State `json:"state"`
	ParticipantID string `json:"participant_id"`
}

// Awareness holds the local participant's state and the last known state of
// every remote participant on the same connection.
type Awareness struct {
	liveness    *expiremap.ExpireMap[string, time.Time]
	remotes     map[string]State
	publisher   func(frame []byte)
	stopCull    chan struct{}
	log         *zap.SugaredLogger
	localID     string
	subscribers []subscriber
	nextSubID   int
	local       State
	hasLocal    bool
	destroyed   bool
	mu          sync.Mutex
}

// New creates an awareness instance for the given local participant id with
// the default presence TTL.
func New(localID string) *Awareness {
	return NewWithTTL(localID, constants.PresenceTTL)
}

// NewWithTTL creates an awareness instance with a custom presence TTL. Useful
// for tests that cannot wait out the production TTL.
func NewWithTTL(localID string, ttl time.Duration) *Awareness {
	cullInterval := ttl / 4
	if cullInterval < time.Millisecond*10 {
		cullInterval = time.Millisecond * 10
	}

	a := &Awareness{
		localID:  localID,
		remotes:  make(map[string]State),
		liveness: expiremap.NewEx[string, time.Time](cullInterval, ttl),
		stopCull: make(chan struct{}),
		log:      logger.For(logger.ComponentAwareness),
	}

	go a.cullLoop(cullInterval)

	return a
}

// LocalID returns the local participant id.
func (a *Awareness) LocalID() string {
	return a.localID
}

// SetLocalState replaces the local presence record, notifies subscribers and
// publishes the new state through the registered publisher.
func (a *Awareness) SetLocalState(state State) {
	a.mu.Lock()

	if a.destroyed {
		a.mu.Unlock()

		return
	}

	added := !a.hasLocal
	a.local = copyState(state)
	a.hasLocal = true

	subs := a.subscribersLocked()
	publisher := a.publisher
	frame := a.encodeLocalFrameLocked()

	a.mu.Unlock()

	change := Change{Updated: []string{a.localID}}
	if added {
		change = Change{Added: []string{a.localID}}
	}

	a.notify(subs, change)

	if publisher != nil && frame != nil {
		publisher(frame)
	}
}

// LocalState returns a copy of the local presence record, when one was set.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasLocal {
		return State{}, false
	}

	return copyState(a.local), true
}

// ApplyRemote merges a presence frame received from the connection. Malformed
// frames are treated as absent. A frame with a null state removes the
// participant.
func (a *Awareness) ApplyRemote(raw []byte) {
	id := gjson.GetBytes(raw, "participant_id").String()
	if id == "" || id == a.localID {
		return
	}

	stateField := gjson.GetBytes(raw, "state")
	if !stateField.Exists() {
		a.log.Debugf("ignoring presence frame without state field from %s", id)

		return
	}

	if stateField.Type == gjson.Null {
		a.RemoveRemote(id)

		return
	}

	var state State
	if err := safejson.Unmarshal([]byte(stateField.Raw), &state); err != nil {
		a.log.Debugf("ignoring malformed presence state from %s: %s", id, err)

		return
	}

	a.mu.Lock()

	if a.destroyed {
		a.mu.Unlock()

		return
	}

	_, known := a.remotes[id]
	a.remotes[id] = state
	a.liveness.Set(id, time.Now())

	subs := a.subscribersLocked()

	a.mu.Unlock()

	change := Change{Updated: []string{id}}
	if !known {
		change = Change{Added: []string{id}}
	}

	a.notify(subs, change)
}

// RemoveRemote removes a participant, for example after an explicit leave.
func (a *Awareness) RemoveRemote(id string) {
	a.mu.Lock()

	if _, known := a.remotes[id]; !known {
		a.mu.Unlock()

		return
	}

	delete(a.remotes, id)
	subs := a.subscribersLocked()

	a.mu.Unlock()

	a.notify(subs, Change{Removed: []string{id}})
}

// Clear removes every remote participant, for example when the connection
// drops and nobody is visible anymore.
func (a *Awareness) Clear() {
	a.mu.Lock()

	if len(a.remotes) == 0 {
		a.mu.Unlock()

		return
	}

	removed := make([]string, 0, len(a.remotes))
	for id := range a.remotes {
		removed = append(removed, id)
	}

	a.remotes = make(map[string]State)
	subs := a.subscribersLocked()

	a.mu.Unlock()

	a.notify(subs, Change{Removed: removed})
}

// States returns a deep-copied snapshot of all presence records including the
// local one. Mutating the snapshot never touches live state.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string]State, len(a.remotes)+1)
	for id, state := range a.remotes {
		snapshot[id] = copyState(state)
	}

	if a.hasLocal {
		snapshot[a.localID] = copyState(a.local)
	}

	return snapshot
}

// Others returns a deep-copied snapshot of remote presence records only.
func (a *Awareness) Others() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string]State, len(a.remotes))
	for id, state := range a.remotes {
		snapshot[id] = copyState(state)
	}

	return snapshot
}

// OtherCount returns the number of visible remote participants.
func (a *Awareness) OtherCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.remotes)
}

// OnChange registers a change handler. The returned function removes the
// registration.
func (a *Awareness) OnChange(handler ChangeHandler) func() {
	a.mu.Lock()

	id := a.nextSubID
	a.nextSubID++
	a.subscribers = append(a.subscribers, subscriber{id: id, fn: handler})

	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		for i, s := range a.subscribers {
			if s.id == id {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)

				break
			}
		}
	}
}

// SetPublisher registers the outbound path for local presence frames. The
// transport owning this awareness calls this once after connecting.
func (a *Awareness) SetPublisher(publisher func(frame []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.publisher = publisher
}

// EncodeLocalFrame returns the local presence record as a wire frame, for
// publication or keepalive republish. Returns nil before the first
// SetLocalState.
func (a *Awareness) EncodeLocalFrame() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.encodeLocalFrameLocked()
}

// LeaveFrame returns the frame announcing the local participant's departure.
func (a *Awareness) LeaveFrame() []byte {
	frame, err := safejson.Marshal(wireFrame{ParticipantID: a.localID, State: nil})
	if err != nil {
		return nil
	}

	return frame
}

// Destroy stops the liveness culling and detaches all subscribers and the
// publisher. Safe to call multiple times; the instance stays silent after.
func (a *Awareness) Destroy() {
	a.mu.Lock()

	if a.destroyed {
		a.mu.Unlock()

		return
	}

	a.destroyed = true
	a.subscribers = nil
	a.publisher = nil
	close(a.stopCull)

	a.mu.Unlock()
}

func (a *Awareness) encodeLocalFrameLocked() []byte {
	if !a.hasLocal {
		return nil
	}

	state := copyState(a.local)

	frame, err := safejson.Marshal(wireFrame{ParticipantID: a.localID, State: &state})
	if err != nil {
		a.log.Warnf("failed to encode presence frame: %s", err)

		return nil
	}

	return frame
}

func (a *Awareness) cullLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCull:
			return
		case <-ticker.C:
			a.cullExpired()
		}
	}
}

// cullExpired drops remotes whose liveness entry has expired, meaning the
// peer stopped republishing within the TTL.
func (a *Awareness) cullExpired() {
	a.mu.Lock()

	var removed []string

	for id := range a.remotes {
		if _, alive := a.liveness.Load(id); !alive {
			delete(a.remotes, id)
			removed = append(removed, id)
		}
	}

	subs := a.subscribersLocked()

	a.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	a.log.Debugf("culled %d expired presence record(s)", len(removed))
	a.notify(subs, Change{Removed: removed})
}

func (a *Awareness) subscribersLocked() []subscriber {
	snapshot := make([]subscriber, len(a.subscribers))
	copy(snapshot, a.subscribers)

	return snapshot
}

// notify runs handlers synchronously in subscription order, outside the lock.
func (a *Awareness) notify(subs []subscriber, change Change) {
	for _, s := range subs {
		s.fn(change)
	}
}

func copyState(state State) State {
	var out State
	if err := deepcopy.Copy(&out, &state); err != nil {
		out = state
	}

	return out
}

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

// Package crdt provides the conflict-free replicated document the session
// core synchronizes. The document is a set of named last-write-wins maps.
// Mutations travel as opaque update byte slices: applying an update is
// idempotent and updates commute, so transports may duplicate, reorder or
// replay them freely.
//
// Update handlers receive the raw update together with the origin that
// applied it. Transports pass themselves as origin when applying remote
// updates and skip their own origin when broadcasting, which breaks echo
// loops. Local mutations carry OriginLocal.
//
// Handlers run outside the document lock, synchronously, in subscription
// order. A handler reading the document sees the state at or after the
// update that triggered it.
package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// OriginLocal is the origin attached to updates produced by local mutations.
var OriginLocal any = localOrigin{}

type localOrigin struct{}

// UpdateHandler observes applied updates.
type UpdateHandler func(update []byte, origin any)

type docHandler struct {
	fn UpdateHandler
	id int
}

// Doc is a conflict-free replicated document.
type Doc struct {
	maps      map[string]*Map
	nodeID    string
	handlers  []docHandler
	clock     uint64
	nextSubID int
	mu        sync.Mutex
}

// NewDoc creates an empty document with a random node id.
func NewDoc() *Doc {
	return NewDocWithNodeID(uuid.NewString())
}

// NewDocWithNodeID creates an empty document with a fixed node id. Stamps of
// local writes carry this id, which breaks timestamp ties deterministically.
func NewDocWithNodeID(nodeID string) *Doc {
	return &Doc{
		nodeID: nodeID,
		maps:   make(map[string]*Map),
	}
}

// NodeID returns the replica id local writes are stamped with.
func (d *Doc) NodeID() string {
	return d.nodeID
}

// Map returns the named persistent map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{name: name, doc: d, entries: make(map[string]UpdateEntry)}
		d.maps[name] = m
	}

	return m
}

// ApplyUpdate merges an update into the document. Writes that lose the
// last-write-wins comparison are dropped. Handlers fire only when the update
// changed at least one entry, so replayed or stale updates stay silent.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	u, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()

	var changed []UpdateEntry

	for _, entry := range u.Entries {
		m := d.mapLocked(entry.Map)
		if m.mergeLocked(entry) {
			changed = append(changed, entry)
		}

		if entry.Timestamp > d.clock {
			d.clock = entry.Timestamp
		}
	}

	handlers := d.handlersLocked()
	d.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}

	for _, h := range handlers {
		h.fn(update, origin)
	}

	d.notifyMapSubscribers(changed)

	return nil
}

// OnUpdate registers a handler for applied updates. The returned function
// removes the registration.
func (d *Doc) OnUpdate(handler UpdateHandler) func() {
	d.mu.Lock()

	id := d.nextSubID
	d.nextSubID++
	d.handlers = append(d.handlers, docHandler{id: id, fn: handler})

	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		for i, h := range d.handlers {
			if h.id == id {
				d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)

				break
			}
		}
	}
}

// EncodeState serializes the full document as a single replayable update.
// Applying it to an empty document reconstructs the state, applying it to a
// diverged document merges the two.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()

	state := Update{NodeID: d.nodeID}
	for _, m := range d.maps {
		for _, entry := range m.entries {
			state.Entries = append(state.Entries, entry)
		}
	}

	d.mu.Unlock()

	encoded, err := EncodeUpdate(state)
	if err != nil {
		// Update contains only plain strings and integers, encoding cannot
		// fail on it
		return nil
	}

	return encoded
}

// commitLocal stamps and applies a local write, then notifies handlers with
// OriginLocal. Called by Map.Set with the doc lock NOT held.
func (d *Doc) commitLocal(mapName, key, value string) {
	d.mu.Lock()

	d.clock++
	entry := UpdateEntry{
		Map:       mapName,
		Key:       key,
		Value:     value,
		Timestamp: d.clock,
		NodeID:    d.nodeID,
	}

	m := d.mapLocked(mapName)
	m.mergeLocked(entry)

	update := Update{NodeID: d.nodeID, Entries: []UpdateEntry{entry}}
	handlers := d.handlersLocked()

	d.mu.Unlock()

	encoded, err := EncodeUpdate(update)
	if err != nil {
		return
	}

	for _, h := range handlers {
		h.fn(encoded, OriginLocal)
	}

	d.notifyMapSubscribers([]UpdateEntry{entry})
}

// handlersLocked snapshots the handler list so callbacks can run without the
// doc lock and may unsubscribe themselves.
func (d *Doc) handlersLocked() []docHandler {
	snapshot := make([]docHandler, len(d.handlers))
	copy(snapshot, d.handlers)

	return snapshot
}

func (d *Doc) notifyMapSubscribers(changed []UpdateEntry) {
	for _, entry := range changed {
		d.mu.Lock()
		m := d.mapLocked(entry.Map)
		subscribers := m.subscribersLocked()
		d.mu.Unlock()

		for _, s := range subscribers {
			s.fn(entry.Key, entry.Value)
		}
	}
}

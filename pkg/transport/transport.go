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

// Package transport moves document updates and presence between the
// participants of a room. Two implementations exist: the primary transport
// keeps a direct mesh between peers, rendezvousing over the signaling
// server, and the relay transport tunnels everything through a relay
// server when the mesh cannot form.
//
// A transport owns its presence instance: presence is scoped to the
// connection that carries it and a fresh transport starts with a fresh
// one. The document is shared; it belongs to the caller and survives
// transport switches.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
	"github.com/united-manufacturing-hub/gridsync/pkg/config"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
)

// Kind distinguishes the two transport implementations.
type Kind string

const (
	// KindPrimary is the peer mesh over the signaling server.
	KindPrimary Kind = "primary"
	// KindFallback is the relay tunnel.
	KindFallback Kind = "fallback"
)

// Status is the link-layer state of a transport. Note that an established
// link says nothing about other participants being present; peer presence
// is read from the transport's Awareness.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// StatusHandler observes link status changes.
type StatusHandler func(Status)

// Transport is one channel into a room.
type Transport interface {
	// Kind reports which implementation this is.
	Kind() Kind

	// Connect establishes the channel. Call it once; use Reconnect afterwards.
	Connect(ctx context.Context) error

	// Reconnect tears the channel down and dials it fresh. Blocks until the
	// attempt resolves. Remote presence is cleared; peers re-announce
	// themselves once the channel is back.
	Reconnect(ctx context.Context) error

	// Status returns the current link status.
	Status() Status

	// OnStatus registers a handler for link status changes. The returned
	// function removes it. Consecutive duplicate states are not delivered.
	OnStatus(handler StatusHandler) func()

	// Awareness returns the presence instance scoped to this transport.
	Awareness() *awareness.Awareness

	// Destroy announces departure to the room and releases all resources.
	// Safe to call multiple times.
	Destroy()
}

// Config carries everything a transport needs to join a room.
type Config struct {
	// Room is the shared room identifier.
	Room string
	// ParticipantID uniquely identifies this participant in the room.
	ParticipantID string
	// DisplayName is the human-readable name announced to peers.
	DisplayName string
	// AppVersion is announced in the hello handshake.
	AppVersion string
	// Doc is the replicated document this transport syncs. Owned by the
	// caller, shared across transport switches.
	Doc *crdt.Doc
	// SignalingURL is the signaling server endpoint (primary transport).
	SignalingURL string
	// RelayURL is the relay server endpoint (fallback transport).
	RelayURL string
	// ICEServers is handed through from the session config for NAT-assisted
	// setups. The mesh dials peers directly and only records these.
	ICEServers []config.ICEServerConfig
	// DiscoverLAN additionally announces and browses for peers via mDNS.
	DiscoverLAN bool
	// PresenceTTL overrides the presence liveness window. Zero means the
	// default.
	PresenceTTL time.Duration
	// Logger overrides the default component logger. Mainly used by tests.
	Logger *zap.SugaredLogger
}

func (cfg Config) validate() error {
	if cfg.Room == "" {
		return errors.New("transport config needs a room")
	}
	if cfg.ParticipantID == "" {
		return errors.New("transport config needs a participant id")
	}
	if cfg.Doc == nil {
		return errors.New("transport config needs a document")
	}
	return nil
}

// statusTracker serializes link status transitions and fans them out to
// handlers in registration order. Duplicate consecutive states are dropped.
type statusTracker struct {
	mu       sync.Mutex
	status   Status
	handlers []statusSubscriber
	nextID   int
}

type statusSubscriber struct {
	fn StatusHandler
	id int
}

func newStatusTracker() statusTracker {
	return statusTracker{status: StatusConnecting}
}

// set transitions to the given status. Returns false when it was a duplicate.
func (st *statusTracker) set(status Status) bool {
	st.mu.Lock()
	if st.status == status {
		st.mu.Unlock()
		return false
	}
	st.status = status
	handlers := make([]statusSubscriber, len(st.handlers))
	copy(handlers, st.handlers)
	st.mu.Unlock()

	for _, h := range handlers {
		h.fn(status)
	}
	return true
}

func (st *statusTracker) get() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

func (st *statusTracker) subscribe(handler StatusHandler) func() {
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.handlers = append(st.handlers, statusSubscriber{fn: handler, id: id})
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		for i, h := range st.handlers {
			if h.id == id {
				st.handlers = append(st.handlers[:i], st.handlers[i+1:]...)
				break
			}
		}
	}
}

func (st *statusTracker) clearHandlers() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.handlers = nil
}

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

// Package session owns the lifecycle of one participant's membership in a
// room: it creates the transport, watches it, falls back from the peer mesh
// to the relay when nobody shows up, reconnects after link loss with an
// exponential backoff, and probes established connections for silent death.
//
// The session never surfaces transport trouble as errors. Consumers observe
// the connection state, the transport kind and the peer count through
// subscriptions; everything else is handled internally.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
	"github.com/united-manufacturing-hub/gridsync/pkg/config"
	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/transport"
)

// Store provides the replicated document the session syncs. It is typically
// a localstore.Store; the session waits for Ready before going online so
// persisted edits are loaded first and offline work is never clobbered.
type Store interface {
	Ready() <-chan struct{}
	Doc() *crdt.Doc
}

// TransportFactory builds a transport from its config. Sessions use the real
// implementations by default; tests inject fakes.
type TransportFactory func(transport.Config) (transport.Transport, error)

// Timings collects every duration the session schedules on. The zero value
// of a field means its default; tests shrink them to keep suites fast.
type Timings struct {
	// FallbackAfter is how long the primary transport may stay empty before
	// the session switches to the relay.
	FallbackAfter time.Duration
	// ReconnectBase and ReconnectMax bound the backoff curve.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// HealthInterval is the gap between zombie probes, HealthThreshold the
	// number of consecutive empty probes that force a reconnect.
	HealthInterval  time.Duration
	HealthThreshold int
	// VisibilityExtraCheckDelay is how long after becoming visible again the
	// one-shot extra health probe runs.
	VisibilityExtraCheckDelay time.Duration
	// FocusDwellThreshold is the minimum unfocused duration before regaining
	// focus triggers a reconnect.
	FocusDwellThreshold time.Duration
}

// DefaultTimings returns the production values.
func DefaultTimings() Timings {
	return Timings{
		FallbackAfter:             constants.FallbackAfterDefault,
		ReconnectBase:             constants.ReconnectBaseDelay,
		ReconnectMax:              constants.ReconnectMaxDelay,
		HealthInterval:            constants.HealthCheckInterval,
		HealthThreshold:           constants.HealthCheckFailureThreshold,
		VisibilityExtraCheckDelay: constants.VisibilityExtraCheckDelay,
		FocusDwellThreshold:       constants.FocusDwellThreshold,
	}
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.FallbackAfter == 0 {
		t.FallbackAfter = def.FallbackAfter
	}
	if t.ReconnectBase == 0 {
		t.ReconnectBase = def.ReconnectBase
	}
	if t.ReconnectMax == 0 {
		t.ReconnectMax = def.ReconnectMax
	}
	if t.HealthInterval == 0 {
		t.HealthInterval = def.HealthInterval
	}
	if t.HealthThreshold == 0 {
		t.HealthThreshold = def.HealthThreshold
	}
	if t.VisibilityExtraCheckDelay == 0 {
		t.VisibilityExtraCheckDelay = def.VisibilityExtraCheckDelay
	}
	if t.FocusDwellThreshold == 0 {
		t.FocusDwellThreshold = def.FocusDwellThreshold
	}

	return t
}

// Config carries everything needed to join a room.
type Config struct {
	// DisplayName is announced to other participants. Empty picks a guest
	// name derived from the participant id.
	DisplayName string
	// AppVersion is announced in the transport handshake.
	AppVersion string
	// SignalingURL is the signaling endpoint for the primary transport.
	SignalingURL string
	// RelayURL is the relay endpoint for the fallback transport.
	RelayURL string
	// ICEServers is handed through to the primary transport.
	ICEServers []config.ICEServerConfig
	// DiscoverLAN additionally announces and browses for peers via mDNS.
	DiscoverLAN bool
	// PresenceTTL overrides the presence liveness window. Zero means the
	// default.
	PresenceTTL time.Duration
	// Timings overrides scheduling, zero fields keep their defaults.
	Timings Timings
	// Logger overrides the default component logger. Mainly used by tests.
	Logger *zap.SugaredLogger

	// PrimaryFactory and FallbackFactory override how the transports are
	// built. Tests inject fakes here; nil uses the real implementations.
	PrimaryFactory  TransportFactory
	FallbackFactory TransportFactory
}

// Session is one participant's live membership in a room. Create one with
// Create, release it with Destroy.
type Session struct {
	room          string
	participantID string
	displayName   string
	appVersion    string
	debugName     string
	logger        *zap.SugaredLogger
	doc           *crdt.Doc
	cfg           Config
	timings       Timings

	machine       *stateMachine
	connState     *notifier[State]
	transportKind *notifier[transport.Kind]
	peerCount     *notifier[int]
	reconnect     *reconnectController
	health        *healthChecker
	env           *EnvSignals

	fallbackFactory TransportFactory

	mu            sync.Mutex
	tr            transport.Transport
	assigner      *awareness.ColorAssigner
	unsubStatus   func()
	unsubAware    func()
	fallbackTimer *time.Timer
	sawPeer       bool
	dialing       bool
	destroyed     bool

	destroyOnce sync.Once
}

// Create joins a room. It waits for the store to finish loading, builds the
// primary transport and starts connecting in the background. The returned
// session is usable immediately; its state reports how the connection is
// doing. Errors are returned only for invalid input, connectivity problems
// are absorbed by the fallback and reconnection machinery.
func Create(ctx context.Context, store Store, roomID string, cfg Config) (*Session, error) {
	if store == nil {
		return nil, errors.New("session needs a store")
	}
	if roomID == "" {
		return nil, errors.New("session needs a room id")
	}

	primaryFactory := cfg.PrimaryFactory
	if primaryFactory == nil {
		if cfg.SignalingURL == "" {
			return nil, errors.New("session needs a signaling url")
		}
		primaryFactory = func(tc transport.Config) (transport.Transport, error) {
			return transport.NewPrimary(tc)
		}
	}
	fallbackFactory := cfg.FallbackFactory
	if fallbackFactory == nil {
		if cfg.RelayURL == "" {
			return nil, errors.New("session needs a relay url")
		}
		fallbackFactory = func(tc transport.Config) (transport.Transport, error) {
			return transport.NewRelay(tc)
		}
	}

	select {
	case <-store.Ready():
	case <-ctx.Done():
		return nil, fmt.Errorf("store not ready: %w", ctx.Err())
	}

	participantID := uuid.New().String()
	displayName := cfg.DisplayName
	if displayName == "" {
		displayName = "guest-" + participantID[:8]
	}
	log := cfg.Logger
	if log == nil {
		log = logger.For(logger.ComponentSession)
	}
	appVersion := cfg.AppVersion
	if appVersion == "" {
		appVersion = constants.DefaultAppVersion
	}

	s := &Session{
		room:            roomID,
		participantID:   participantID,
		displayName:     displayName,
		appVersion:      appVersion,
		debugName:       roomID + "#" + participantID[:8],
		logger:          log,
		doc:             store.Doc(),
		cfg:             cfg,
		timings:         cfg.Timings.withDefaults(),
		connState:       newNotifier(StateConnecting),
		transportKind:   newNotifier(transport.KindPrimary),
		peerCount:       newNotifier(0),
		fallbackFactory: fallbackFactory,
	}
	s.machine = newStateMachine(log)
	s.env = &EnvSignals{session: s}
	s.reconnect = newReconnectController(s.timings.ReconnectBase, s.timings.ReconnectMax, s.reconnectTransport, log)
	s.health = newHealthChecker(roomID, s.timings.HealthInterval, s.timings.HealthThreshold,
		func() bool { return s.State() == StateConnected },
		s.PeerCount,
		func() { s.kickReconnect("health") },
		log)

	tr, err := primaryFactory(s.transportConfig(transport.KindPrimary))
	if err != nil {
		return nil, fmt.Errorf("failed to create the primary transport: %w", err)
	}
	s.attach(tr)

	s.mu.Lock()
	s.fallbackTimer = time.AfterFunc(s.timings.FallbackAfter, s.fallbackToRelay)
	s.mu.Unlock()

	s.health.start()
	metrics.RegisterSessionDebugProvider(s.debugName, s)
	metrics.UpdateConnectionState(roomID, "session", string(StateConnecting))

	log.Infof("Joining room %s as %s (%s)", roomID, displayName, participantID)
	go s.connectTransport(tr)

	return s, nil
}

func (s *Session) transportConfig(kind transport.Kind) transport.Config {
	tc := transport.Config{
		Room:          s.room,
		ParticipantID: s.participantID,
		DisplayName:   s.displayName,
		AppVersion:    s.appVersion,
		Doc:           s.doc,
		PresenceTTL:   s.cfg.PresenceTTL,
		Logger:        s.cfg.Logger,
	}
	if kind == transport.KindPrimary {
		tc.SignalingURL = s.cfg.SignalingURL
		tc.ICEServers = s.cfg.ICEServers
		tc.DiscoverLAN = s.cfg.DiscoverLAN
	} else {
		tc.RelayURL = s.cfg.RelayURL
	}

	return tc
}

// attach wires a transport into the session: status transitions, presence
// changes and the color identity all hang off the transport's awareness.
func (s *Session) attach(tr transport.Transport) {
	aw := tr.Awareness()
	assigner := awareness.NewColorAssigner(aw)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		assigner.Stop()
		tr.Destroy()

		return
	}
	s.tr = tr
	s.assigner = assigner
	s.unsubStatus = tr.OnStatus(s.onTransportStatus)
	s.unsubAware = aw.OnChange(func(awareness.Change) { s.onAwarenessChange(aw) })
	s.mu.Unlock()

	assigner.Join(s.displayName)
}

// detach undoes attach. Caller must not hold s.mu.
func (s *Session) detach() {
	s.mu.Lock()
	tr := s.tr
	assigner := s.assigner
	unsubStatus := s.unsubStatus
	unsubAware := s.unsubAware
	s.tr = nil
	s.assigner = nil
	s.unsubStatus = nil
	s.unsubAware = nil
	s.mu.Unlock()

	if unsubStatus != nil {
		unsubStatus()
	}
	if unsubAware != nil {
		unsubAware()
	}
	if assigner != nil {
		assigner.Stop()
	}
	if tr != nil {
		tr.Destroy()
	}
}

func (s *Session) connectTransport(tr transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		// Settles as a scheduled retry or the fallback switch, never as an
		// error to the consumer.
		s.logger.Infof("Transport connect failed: %s", err)
	}
}

// onTransportStatus reacts to link-layer transitions. Only loss matters for
// the session state; an established link alone proves nothing until peers
// are visible.
func (s *Session) onTransportStatus(status transport.Status) {
	if status != transport.StatusDisconnected {
		return
	}

	if s.machine.fire(eventLinkLost) {
		s.setConnState(StateDisconnected)
	}

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if !destroyed {
		s.reconnect.onDisconnect()
	}
}

// onAwarenessChange reacts to presence changes on the given awareness. The
// handle is compared against the current transport's so that a late event
// from a replaced transport cannot flip the state.
func (s *Session) onAwarenessChange(aw *awareness.Awareness) {
	s.mu.Lock()
	current := s.tr != nil && s.tr.Awareness() == aw
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed || !current {
		return
	}

	count := aw.OtherCount()
	if s.peerCount.set(count) {
		metrics.SetPeersVisible(s.room, count)
	}
	if count == 0 {
		// Everyone leaving does not revoke connected and does not restart
		// the fallback timer. Zombie links are the health checker's job.
		return
	}

	s.mu.Lock()
	if !s.sawPeer {
		s.sawPeer = true
		if s.fallbackTimer != nil {
			s.fallbackTimer.Stop()
			s.fallbackTimer = nil
		}
	}
	s.mu.Unlock()

	if s.machine.fire(eventPeerSeen) {
		s.setConnState(StateConnected)
	}
	s.reconnect.success()
}

func (s *Session) setConnState(state State) {
	if s.connState.set(state) {
		metrics.UpdateConnectionState(s.room, "session", string(state))
	}
}

// fallbackToRelay switches from the empty peer mesh to the relay. One way:
// the session never returns to the primary transport on its own.
func (s *Session) fallbackToRelay() {
	s.mu.Lock()
	if s.destroyed || s.sawPeer {
		s.mu.Unlock()

		return
	}
	s.fallbackTimer = nil
	s.mu.Unlock()

	s.logger.Warnf("No participants after %s on the primary transport, switching to the relay", s.timings.FallbackAfter)

	// The old transport is fully gone before the new one exists, so both
	// never speak for the same participant at once.
	s.detach()

	tr, err := s.fallbackFactory(s.transportConfig(transport.KindFallback))
	if err != nil {
		// The primary transport is already gone at this point, so a failed
		// fallback strands the session without any transport.
		sentry.ReportSessionErrorf(s.logger, s.participantID, s.room, "fallback",
			"Failed to create the fallback transport: %s", err)

		return
	}
	s.attach(tr)
	s.transportKind.set(transport.KindFallback)
	metrics.RecordTransportSwitch(s.room)

	go s.connectTransport(tr)
}

// reconnectTransport runs one reconnect attempt against whatever transport
// is current. Concurrent attempts collapse into one.
func (s *Session) reconnectTransport(trigger string) {
	s.mu.Lock()
	if s.destroyed || s.dialing {
		s.mu.Unlock()

		return
	}
	s.dialing = true
	tr := s.tr
	s.mu.Unlock()

	if tr != nil {
		metrics.RecordReconnectAttempt(s.room, trigger)
		ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
		if err := tr.Reconnect(ctx); err != nil {
			s.logger.Debugf("Reconnect attempt (%s) failed: %s", trigger, err)
		}
		cancel()
	}

	s.mu.Lock()
	s.dialing = false
	s.mu.Unlock()
}

// kickReconnect fires a reconnect attempt without touching the backoff
// curve and without blocking the caller.
func (s *Session) kickReconnect(trigger string) {
	go s.reconnectTransport(trigger)
}

// manualReconnect fires a reconnect attempt and resets the backoff curve.
func (s *Session) manualReconnect(trigger string) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	s.reconnect.manual(trigger)
}

// Room returns the room identifier.
func (s *Session) Room() string {
	return s.room
}

// ParticipantID returns this participant's unique identifier.
func (s *Session) ParticipantID() string {
	return s.participantID
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.connState.get()
}

// TransportKind reports which transport currently carries the room.
func (s *Session) TransportKind() transport.Kind {
	return s.transportKind.get()
}

// PeerCount returns how many other participants are visible.
func (s *Session) PeerCount() int {
	return s.peerCount.get()
}

// Awareness returns the presence instance of the current transport, or nil
// after destroy. The handle is transport-scoped: re-read it after a
// transport change.
func (s *Session) Awareness() *awareness.Awareness {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr == nil {
		return nil
	}

	return s.tr.Awareness()
}

// Env returns the environment signal receiver for this session.
func (s *Session) Env() *EnvSignals {
	return s.env
}

// OnConnectionChange subscribes to connection state transitions. The
// callback fires immediately with the current state, then on every change.
// The returned function removes the subscription.
func (s *Session) OnConnectionChange(fn func(State)) func() {
	return s.connState.subscribe(fn)
}

// OnTransportChange subscribes to transport switches, immediately and then
// on change.
func (s *Session) OnTransportChange(fn func(transport.Kind)) func() {
	return s.transportKind.subscribe(fn)
}

// OnPeerCountChange subscribes to the visible peer count, immediately and
// then on change.
func (s *Session) OnPeerCountChange(fn func(int)) func() {
	return s.peerCount.subscribe(fn)
}

// Reconnect forces a reconnect attempt and resets the backoff curve. It
// returns immediately; the outcome shows up in the connection state.
func (s *Session) Reconnect() {
	s.manualReconnect("manual")
}

// Destroy leaves the room and releases everything. Synchronous and safe to
// call multiple times; after it returns no callback fires again.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		timer := s.fallbackTimer
		s.fallbackTimer = nil
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.reconnect.stop()
		s.health.stop()
		s.connState.mute()
		s.transportKind.mute()
		s.peerCount.mute()
		s.detach()
		metrics.UnregisterSessionDebugProvider(s.debugName)

		s.logger.Infof("Left room %s", s.room)
	})
}

// GetDebugInfo implements metrics.SessionDebugProvider.
func (s *Session) GetDebugInfo() interface{} {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()

	var peerNames []string
	if aware := s.Awareness(); aware != nil {
		for id, state := range aware.States() {
			if id == s.participantID {
				continue
			}
			peerNames = append(peerNames, state.Identity.DisplayName)
		}
		sort.Strings(peerNames)
	}

	return struct {
		Room              string         `json:"room"`
		ParticipantID     string         `json:"participant_id"`
		DisplayName       string         `json:"display_name"`
		State             State          `json:"state"`
		Transport         transport.Kind `json:"transport"`
		Peers             int            `json:"peers"`
		PeerNames         []string       `json:"peer_names,omitempty"`
		ReconnectAttempts int            `json:"reconnect_attempts"`
		ReconnectPending  bool           `json:"reconnect_pending"`
		EmptyHealthChecks int            `json:"empty_health_checks"`
		Destroyed         bool           `json:"destroyed"`
	}{
		Room:              s.room,
		ParticipantID:     s.participantID,
		DisplayName:       s.displayName,
		State:             s.State(),
		Transport:         s.TransportKind(),
		Peers:             s.PeerCount(),
		PeerNames:         peerNames,
		ReconnectAttempts: s.reconnect.attemptCount(),
		ReconnectPending:  s.reconnect.pending(),
		EmptyHealthChecks: s.health.emptyChecks(),
		Destroyed:         destroyed,
	}
}

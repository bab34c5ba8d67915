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
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/wsutil"
)

// Relay is the fallback transport: a single websocket to the relay server,
// which fans frames out to the room and replays the buffered backlog to
// late joiners. No peer listener, no mesh, works through any NAT that lets
// an outbound websocket through.
type Relay struct {
	cfg    Config
	logger *zap.SugaredLogger
	doc    *crdt.Doc
	aware  *awareness.Awareness
	status statusTracker

	mu        sync.Mutex
	gen       int
	link      *link
	started   bool
	destroyed bool

	unsubDoc    func()
	done        chan struct{}
	destroyOnce sync.Once
}

// NewRelay builds a relay transport. Connect brings it up.
func NewRelay(cfg Config) (*Relay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RelayURL == "" {
		return nil, errors.New("relay transport needs a relay url")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.For(logger.ComponentTransport)
	}

	var aware *awareness.Awareness
	if cfg.PresenceTTL > 0 {
		aware = awareness.NewWithTTL(cfg.ParticipantID, cfg.PresenceTTL)
	} else {
		aware = awareness.New(cfg.ParticipantID)
	}

	t := &Relay{
		cfg:    cfg,
		logger: log,
		doc:    cfg.Doc,
		aware:  aware,
		status: newStatusTracker(),
		done:   make(chan struct{}),
	}
	aware.SetPublisher(t.broadcastPresence)
	t.unsubDoc = cfg.Doc.OnUpdate(t.onDocUpdate)
	return t, nil
}

// Kind reports the fallback transport kind.
func (t *Relay) Kind() Kind {
	return KindFallback
}

// Status returns the link status of the relay connection.
func (t *Relay) Status() Status {
	return t.status.get()
}

// OnStatus registers a link status handler.
func (t *Relay) OnStatus(handler StatusHandler) func() {
	return t.status.subscribe(handler)
}

// Awareness returns the presence instance scoped to this transport.
func (t *Relay) Awareness() *awareness.Awareness {
	return t.aware
}

// Connect dials the relay server.
func (t *Relay) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return errors.New("transport destroyed")
	}
	alreadyStarted := t.started
	t.started = true
	gen := t.gen
	t.mu.Unlock()

	if !alreadyStarted {
		go t.housekeeping()
	}
	return t.dial(ctx, gen)
}

// Reconnect drops the relay link and dials fresh. The server replays the
// room backlog on the new connection, so the document catches up on its
// own.
func (t *Relay) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return errors.New("transport destroyed")
	}
	t.gen++
	gen := t.gen
	l := t.link
	t.link = nil
	t.mu.Unlock()

	if l != nil {
		l.close(false)
	}
	t.aware.Clear()
	t.setStatus(StatusConnecting)
	t.logger.Infof("Reconnecting relay transport for room %s", t.cfg.Room)
	return t.dial(ctx, gen)
}

// Destroy says goodbye to the room and releases everything.
func (t *Relay) Destroy() {
	t.destroyOnce.Do(func() {
		t.mu.Lock()
		t.destroyed = true
		l := t.link
		t.link = nil
		t.mu.Unlock()

		close(t.done)
		t.status.clearHandlers()
		if t.unsubDoc != nil {
			t.unsubDoc()
		}
		if l != nil {
			if leave := t.aware.LeaveFrame(); leave != nil {
				if raw, err := protocol.Encode(protocol.NewAwarenessFrame(t.cfg.Room, t.cfg.ParticipantID, leave)); err == nil {
					l.enqueue(raw)
				}
			}
			if raw, err := protocol.Encode(protocol.NewByeFrame(t.cfg.Room, t.cfg.ParticipantID)); err == nil {
				l.enqueue(raw)
			}
			l.close(true)
		}
		t.aware.Destroy()
		t.logger.Infof("Relay transport for room %s destroyed", t.cfg.Room)
	})
}

func (t *Relay) setStatus(status Status) {
	if t.status.set(status) {
		metrics.UpdateConnectionState(t.cfg.Room, string(KindFallback), string(status))
	}
}

func (t *Relay) localInfo() protocol.PeerInfo {
	version := t.cfg.AppVersion
	if version == "" {
		version = constants.DefaultAppVersion
	}
	return protocol.PeerInfo{
		ID:          t.cfg.ParticipantID,
		DisplayName: t.cfg.DisplayName,
		Version:     version,
	}
}

func (t *Relay) dial(ctx context.Context, gen int) error {
	conn, err := wsutil.DialRoom(ctx, t.cfg.RelayURL, t.cfg.Room, t.localInfo())
	if err != nil {
		t.setStatus(StatusDisconnected)
		return err
	}

	var l *link
	l = newLink(conn, t.logger, t.handleFrame, func() { t.onLinkClose(gen, l) })

	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return errors.New("transport superseded")
	}
	t.link = l
	t.mu.Unlock()

	l.start()
	t.sendInitialSync(l)
	t.setStatus(StatusConnected)
	t.logger.Infof("Relay link for room %s up", t.cfg.Room)
	return nil
}

func (t *Relay) onLinkClose(gen int, l *link) {
	t.mu.Lock()
	current := gen == t.gen && t.link == l
	if current {
		t.link = nil
	}
	destroyed := t.destroyed
	t.mu.Unlock()

	if current && !destroyed {
		t.logger.Infof("Relay link for room %s lost", t.cfg.Room)
		t.setStatus(StatusDisconnected)
	}
}

func (t *Relay) handleFrame(raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.logger.Debugf("Dropping relay frame: %s", err)
		return
	}
	switch frame.Type {
	case protocol.FrameTypeDocUpdate:
		if len(frame.Update) == 0 {
			return
		}
		if err := t.doc.ApplyUpdate(frame.Update, t); err != nil {
			t.logger.Warnf("Failed to apply update from %s: %s", frame.From, err)
			return
		}
		metrics.RecordDocUpdate(t.cfg.Room, "in", len(frame.Update))
	case protocol.FrameTypeAwareness:
		t.aware.ApplyRemote(frame.State)
	default:
		t.logger.Debugf("Ignoring %s frame from relay", frame.Type)
	}
}

// sendInitialSync pushes the full document state and the local presence so
// the room sees this participant's edits even if they happened offline.
func (t *Relay) sendInitialSync(l *link) {
	if state := t.doc.EncodeState(); len(state) > 0 {
		if raw, err := protocol.Encode(protocol.NewDocUpdateFrame(t.cfg.Room, t.cfg.ParticipantID, state)); err == nil {
			l.enqueue(raw)
		}
	}
	if frame := t.aware.EncodeLocalFrame(); frame != nil {
		if raw, err := protocol.Encode(protocol.NewAwarenessFrame(t.cfg.Room, t.cfg.ParticipantID, frame)); err == nil {
			l.enqueue(raw)
		}
	}
}

func (t *Relay) onDocUpdate(update []byte, origin any) {
	if origin == t {
		return
	}
	raw, err := protocol.Encode(protocol.NewDocUpdateFrame(t.cfg.Room, t.cfg.ParticipantID, update))
	if err != nil {
		// An update that cannot be encoded never reaches the other
		// participants, their documents silently diverge from ours.
		sentry.ReportTransportErrorf(t.logger, string(KindFallback), t.cfg.Room, "encode",
			"Failed to encode document update of %d bytes: %s", len(update), err)
		return
	}
	t.send(raw)
	metrics.RecordDocUpdate(t.cfg.Room, "out", len(update))
}

func (t *Relay) broadcastPresence(frame []byte) {
	raw, err := protocol.Encode(protocol.NewAwarenessFrame(t.cfg.Room, t.cfg.ParticipantID, frame))
	if err != nil {
		t.logger.Warnf("Failed to encode presence frame: %s", err)
		return
	}
	t.send(raw)
}

func (t *Relay) send(raw []byte) {
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()
	if l != nil {
		l.enqueue(raw)
	}
}

// housekeeping republishes presence so remote liveness windows do not
// expire between edits.
func (t *Relay) housekeeping() {
	presenceTTL := t.cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = constants.PresenceTTL
	}
	ticker := time.NewTicker(presenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if frame := t.aware.EncodeLocalFrame(); frame != nil {
				t.broadcastPresence(frame)
			}
		case <-t.done:
			return
		}
	}
}

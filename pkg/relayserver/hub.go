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

package relayserver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
)

// relayPeerID is the From field stamped on frames the relay itself emits,
// such as backlog replays to late joiners.
const relayPeerID = "relay"

type inboundFrame struct {
	sender *client
	raw    []byte
}

// hub serializes all state of one room through a single goroutine: the
// client set, the update backlog and the bridge traffic all pass through
// run(). The hub stops itself once the last client leaves.
type hub struct {
	room        string
	logger      *zap.SugaredLogger
	clients     map[*client]bool
	subscribe   chan *client
	unsubscribe chan *client
	frames      chan inboundFrame
	fromBridge  chan []byte
	halt        chan struct{}
	stopped     chan struct{}
	backlog     [][]byte
	bridge      *bridge
	stopBridge  func()
	archive     *archive
	onStop      func()
	clientCount atomic.Int32
	backlogLen  atomic.Int32
}

func newHub(room string, log *zap.SugaredLogger, br *bridge, ar *archive) *hub {
	return &hub{
		room:        room,
		logger:      log,
		clients:     make(map[*client]bool),
		subscribe:   make(chan *client),
		unsubscribe: make(chan *client),
		frames:      make(chan inboundFrame, constants.TransportSendBuffer),
		fromBridge:  make(chan []byte, constants.TransportSendBuffer),
		halt:        make(chan struct{}),
		stopped:     make(chan struct{}),
		bridge:      br,
		archive:     ar,
	}
}

// start hooks up the bridge and launches the run loop.
func (h *hub) start() {
	if h.bridge != nil {
		h.stopBridge = h.bridge.subscribe(h.room, func(raw []byte) {
			select {
			case h.fromBridge <- raw:
			case <-h.stopped:
			}
		})
	}
	go h.run()
}

// seed loads the archived snapshot of the room, if any, so joiners catch up
// on history from before the last relay restart.
func (h *hub) seed() {
	if h.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
	defer cancel()
	snapshot, err := h.archive.load(ctx, h.room)
	if err != nil {
		h.logger.Warnf("Failed to load archived snapshot for room %s: %s", h.room, err)
		return
	}
	if snapshot != nil {
		h.backlog = append(h.backlog, snapshot)
		h.backlogLen.Store(1)
	}
}

func (h *hub) run() {
	defer close(h.stopped)
	h.seed()
	for {
		select {
		case c := <-h.subscribe:
			h.clients[c] = true
			h.clientCount.Store(int32(len(h.clients)))
			h.replayBacklog(c)
		case c := <-h.unsubscribe:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientCount.Store(int32(len(h.clients)))
			if len(h.clients) == 0 {
				h.teardown()
				return
			}
		case in := <-h.frames:
			h.handleFrame(in.sender, in.raw, true)
		case raw := <-h.fromBridge:
			h.handleFrame(nil, raw, false)
		case <-h.halt:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientCount.Store(0)
			h.teardown()
			return
		}
	}
}

func (h *hub) teardown() {
	if h.stopBridge != nil {
		h.stopBridge()
	}
	h.flushArchive()
	metrics.SetRelayBacklogSize(h.room, 0)
	if h.onStop != nil {
		h.onStop()
	}
	h.logger.Infof("Room %s hub stopped", h.room)
}

// add hands the client to the run loop. Returns false when the hub already
// stopped; the caller then fetches a fresh hub.
func (h *hub) add(c *client) bool {
	select {
	case h.subscribe <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *hub) drop(c *client) {
	select {
	case h.unsubscribe <- c:
	case <-h.stopped:
	}
}

func (h *hub) submit(c *client, raw []byte) {
	select {
	case h.frames <- inboundFrame{sender: c, raw: raw}:
	case <-h.stopped:
	}
}

// stop shuts the hub down regardless of connected clients.
func (h *hub) stop() {
	select {
	case h.halt <- struct{}{}:
	case <-h.stopped:
	}
}

// handleFrame routes one frame: doc updates are buffered for late joiners
// and fanned out, awareness passes through untouched. Frames from the local
// side are also published to the bridge so other relay instances see them.
func (h *hub) handleFrame(sender *client, raw []byte, local bool) {
	switch protocol.SniffType(raw) {
	case protocol.FrameTypeDocUpdate:
		frame, err := protocol.Decode(raw)
		if err != nil {
			h.logger.Debugf("Dropping frame in room %s: %s", h.room, err)
			return
		}
		if len(frame.Update) > 0 {
			h.backlog = append(h.backlog, frame.Update)
			if len(h.backlog) >= constants.RelayBacklogCompactionThreshold {
				h.compact()
			}
			h.backlogLen.Store(int32(len(h.backlog)))
			metrics.SetRelayBacklogSize(h.room, len(h.backlog))
		}
		h.fanout(raw, sender)
		if local {
			h.publish(raw)
		}
		metrics.RecordRelayedFrame(h.room)
	case protocol.FrameTypeAwareness:
		h.fanout(raw, sender)
		if local {
			h.publish(raw)
		}
		metrics.RecordRelayedFrame(h.room)
	case protocol.FrameTypeHello:
		// keepalive re-announce, nothing to route
	default:
		h.logger.Debugf("Ignoring %s frame in room %s", protocol.SniffType(raw), h.room)
	}
}

func (h *hub) fanout(raw []byte, except *client) {
	for c := range h.clients {
		if c == except {
			continue
		}
		select {
		case c.send <- raw:
		default:
			// Slow client, cut the connection. Its read pump will run the
			// regular unsubscribe path.
			c.conn.Close()
		}
	}
}

func (h *hub) publish(raw []byte) {
	if h.bridge == nil {
		return
	}
	h.bridge.publish(h.room, raw)
}

// replayBacklog hands the buffered room history to a fresh joiner, wrapped
// in relay-stamped doc-update frames.
func (h *hub) replayBacklog(c *client) {
	for _, update := range h.backlog {
		raw, err := protocol.Encode(protocol.NewDocUpdateFrame(h.room, relayPeerID, update))
		if err != nil {
			h.logger.Errorf("Failed to encode backlog replay for room %s: %s", h.room, err)
			return
		}
		select {
		case c.send <- raw:
		default:
			c.conn.Close()
			return
		}
	}
}

// compact folds the backlog into one snapshot update and archives it.
func (h *hub) compact() {
	snapshot, err := crdt.CompactUpdates(h.backlog)
	if err != nil {
		h.logger.Warnf("Failed to compact backlog of room %s: %s", h.room, err)
		return
	}
	h.logger.Debugf("Compacted %d updates of room %s", len(h.backlog), h.room)
	h.backlog = [][]byte{snapshot}
	if h.archive != nil {
		go func() {
			if err := h.saveSnapshot(snapshot); err != nil {
				h.logger.Warnf("Failed to archive snapshot of room %s: %s", h.room, err)
			}
		}()
	}
}

func (h *hub) saveSnapshot(snapshot []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
	defer cancel()
	return h.archive.save(ctx, h.room, snapshot)
}

// flushArchive persists the final room state when the hub goes down. A miss
// here loses the room across restarts, so unlike the periodic snapshot it is
// reported, not just logged.
func (h *hub) flushArchive() {
	if h.archive == nil || len(h.backlog) == 0 {
		return
	}
	snapshot, err := crdt.CompactUpdates(h.backlog)
	if err != nil {
		h.logger.Warnf("Failed to compact backlog of room %s for archiving: %s", h.room, err)
		return
	}
	if err := h.saveSnapshot(snapshot); err != nil {
		sentry.ReportIssuefWithContext(sentry.IssueTypeError, h.logger, map[string]interface{}{
			"room":          h.room,
			"snapshot_size": len(snapshot),
		}, "Failed to archive final snapshot of room %s: %s", h.room, err)
	}
}

// client is one relay connection. Unlike the signaling server the relay
// moves payload: everything a client sends is routed through the hub.
type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	info protocol.PeerInfo
}

func newClient(conn *websocket.Conn, info protocol.PeerInfo) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, constants.TransportSendBuffer),
		id:   info.ID,
		info: info,
	}
}

func (c *client) readPump(h *hub, log *zap.SugaredLogger) {
	defer c.conn.Close()
	c.conn.SetReadLimit(constants.TransportMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("Client %s in room %s dropped: %s", c.id, h.room, err)
			}
			return
		}
		if protocol.SniffType(raw) == protocol.FrameTypeBye {
			return
		}
		h.submit(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(constants.TransportPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

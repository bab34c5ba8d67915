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
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
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

// Primary is the mesh transport: every participant runs a small peer
// listener, announces it to the signaling server and dials every peer the
// roster names. Document updates and presence flow over the direct links;
// the signaling connection carries membership only.
//
// The dial duty is one-sided: the roster a joiner receives tells it whom
// to dial, a peer-joined announcement only records the newcomer because
// the newcomer dials us. That way exactly one side of every pair dials.
type Primary struct {
	cfg    Config
	logger *zap.SugaredLogger
	doc    *crdt.Doc
	aware  *awareness.Awareness
	status statusTracker

	mu        sync.Mutex
	gen       int
	signal    *link
	peers     map[string]*link
	known     map[string]protocol.PeerInfo
	listener  net.Listener
	httpSrv   *http.Server
	discovery *lanDiscovery
	started   bool
	destroyed bool

	unsubDoc    func()
	upgrader    websocket.Upgrader
	done        chan struct{}
	destroyOnce sync.Once
}

// NewPrimary builds a mesh transport. Connect brings it up.
func NewPrimary(cfg Config) (*Primary, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SignalingURL == "" {
		return nil, errors.New("primary transport needs a signaling url")
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

	t := &Primary{
		cfg:    cfg,
		logger: log,
		doc:    cfg.Doc,
		aware:  aware,
		status: newStatusTracker(),
		peers:  make(map[string]*link),
		known:  make(map[string]protocol.PeerInfo),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	aware.SetPublisher(t.broadcastPresence)
	t.unsubDoc = cfg.Doc.OnUpdate(t.onDocUpdate)
	if len(cfg.ICEServers) > 0 {
		log.Infof("Recorded %d ICE servers for room %s; mesh links dial peers directly", len(cfg.ICEServers), cfg.Room)
	}
	return t, nil
}

// Kind reports the primary transport kind.
func (t *Primary) Kind() Kind {
	return KindPrimary
}

// Status returns the link status of the signaling connection.
func (t *Primary) Status() Status {
	return t.status.get()
}

// OnStatus registers a link status handler.
func (t *Primary) OnStatus(handler StatusHandler) func() {
	return t.status.subscribe(handler)
}

// Awareness returns the presence instance scoped to this transport.
func (t *Primary) Awareness() *awareness.Awareness {
	return t.aware
}

// Connect starts the peer listener, optional LAN discovery and the
// signaling connection.
func (t *Primary) Connect(ctx context.Context) error {
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
		if err := t.startListener(); err != nil {
			return err
		}
		if t.cfg.DiscoverLAN {
			t.startDiscovery()
		}
		go t.housekeeping()
	}
	return t.dialSignaling(ctx, gen)
}

// Reconnect drops every link and dials the signaling server fresh. Peer
// links are rebuilt from the roster the server hands back.
func (t *Primary) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return errors.New("transport destroyed")
	}
	t.gen++
	gen := t.gen
	signal := t.signal
	t.signal = nil
	peers := t.peers
	t.peers = make(map[string]*link)
	t.known = make(map[string]protocol.PeerInfo)
	t.mu.Unlock()

	if signal != nil {
		signal.close(false)
	}
	for _, l := range peers {
		l.close(false)
	}
	t.aware.Clear()
	t.setStatus(StatusConnecting)
	t.logger.Infof("Reconnecting primary transport for room %s", t.cfg.Room)
	return t.dialSignaling(ctx, gen)
}

// Destroy says goodbye to the room and releases everything.
func (t *Primary) Destroy() {
	t.destroyOnce.Do(func() {
		t.mu.Lock()
		t.destroyed = true
		signal := t.signal
		t.signal = nil
		peers := t.peers
		t.peers = make(map[string]*link)
		t.known = make(map[string]protocol.PeerInfo)
		discovery := t.discovery
		t.discovery = nil
		httpSrv := t.httpSrv
		t.mu.Unlock()

		close(t.done)
		t.status.clearHandlers()
		if t.unsubDoc != nil {
			t.unsubDoc()
		}

		var leaveRaw, byeRaw []byte
		if leave := t.aware.LeaveFrame(); leave != nil {
			if raw, err := protocol.Encode(protocol.NewAwarenessFrame(t.cfg.Room, t.cfg.ParticipantID, leave)); err == nil {
				leaveRaw = raw
			}
		}
		if raw, err := protocol.Encode(protocol.NewByeFrame(t.cfg.Room, t.cfg.ParticipantID)); err == nil {
			byeRaw = raw
		}
		for _, l := range peers {
			if leaveRaw != nil {
				l.enqueue(leaveRaw)
			}
			if byeRaw != nil {
				l.enqueue(byeRaw)
			}
			l.close(true)
		}
		if signal != nil {
			if byeRaw != nil {
				signal.enqueue(byeRaw)
			}
			signal.close(true)
		}
		if discovery != nil {
			discovery.stop()
		}
		if httpSrv != nil {
			httpSrv.Close()
		}
		t.aware.Destroy()
		t.logger.Infof("Primary transport for room %s destroyed", t.cfg.Room)
	})
}

func (t *Primary) setStatus(status Status) {
	if t.status.set(status) {
		metrics.UpdateConnectionState(t.cfg.Room, string(KindPrimary), string(status))
	}
}

// startListener binds the peer endpoint on an ephemeral port. Peers dial
// it exactly like they dial the servers, so the handshake is shared.
func (t *Primary) startListener() error {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("failed to bind peer listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		room := strings.TrimPrefix(r.URL.Path, "/ws/")
		if room != t.cfg.Room {
			http.NotFound(w, r)
			return
		}
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Debugf("Peer upgrade failed: %s", err)
			return
		}
		go t.acceptPeer(conn)
	})
	srv := &http.Server{Handler: mux}

	t.mu.Lock()
	t.listener = ln
	t.httpSrv = srv
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.mu.Lock()
			destroyed := t.destroyed
			t.mu.Unlock()
			if !destroyed {
				// A dead listener silently stops inbound peers, the
				// transport itself keeps running.
				sentry.ReportTransportError(t.logger, string(KindPrimary), t.cfg.Room, "listen", err)
			}
		}
	}()
	t.logger.Infof("Peer listener for room %s on %s", t.cfg.Room, ln.Addr())
	return nil
}

func (t *Primary) startDiscovery() {
	discovery, err := startLANDiscovery(t.cfg.Room, t.cfg.ParticipantID, t.listenerPort(), t.onLANPeer, t.logger)
	if err != nil {
		t.logger.Warnf("LAN discovery unavailable: %s", err)
		return
	}
	t.mu.Lock()
	t.discovery = discovery
	t.mu.Unlock()
}

func (t *Primary) listenerPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return 0
	}
	addr, ok := t.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// advertiseAddrs lists the dialable addresses of the peer listener: every
// non-loopback IPv4 plus loopback for same-host peers.
func (t *Primary) advertiseAddrs() []string {
	port := t.listenerPort()
	var addrs []string
	ifaceAddrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, ia := range ifaceAddrs {
			ipNet, ok := ia.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			addrs = append(addrs, fmt.Sprintf("%s:%d", ip, port))
		}
	}
	addrs = append(addrs, fmt.Sprintf("127.0.0.1:%d", port))
	return addrs
}

func (t *Primary) localInfo() protocol.PeerInfo {
	version := t.cfg.AppVersion
	if version == "" {
		version = constants.DefaultAppVersion
	}
	return protocol.PeerInfo{
		ID:          t.cfg.ParticipantID,
		DisplayName: t.cfg.DisplayName,
		Addrs:       t.advertiseAddrs(),
		Version:     version,
	}
}

func (t *Primary) dialSignaling(ctx context.Context, gen int) error {
	conn, err := wsutil.DialRoom(ctx, t.cfg.SignalingURL, t.cfg.Room, t.localInfo())
	if err != nil {
		t.setStatus(StatusDisconnected)
		return err
	}

	var l *link
	l = newLink(conn, t.logger, t.handleSignalFrame, func() { t.onSignalClose(gen, l) })

	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return errors.New("transport superseded")
	}
	t.signal = l
	t.mu.Unlock()

	l.start()
	t.setStatus(StatusConnected)
	t.logger.Infof("Signaling link for room %s up", t.cfg.Room)
	return nil
}

func (t *Primary) onSignalClose(gen int, l *link) {
	t.mu.Lock()
	current := gen == t.gen && t.signal == l
	if current {
		t.signal = nil
	}
	destroyed := t.destroyed
	t.mu.Unlock()

	if current && !destroyed {
		t.logger.Infof("Signaling link for room %s lost", t.cfg.Room)
		t.setStatus(StatusDisconnected)
	}
}

func (t *Primary) handleSignalFrame(raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.logger.Debugf("Dropping signaling frame: %s", err)
		return
	}
	switch frame.Type {
	case protocol.FrameTypeRoster:
		for _, peer := range frame.Peers {
			t.notePeer(peer, true)
		}
	case protocol.FrameTypePeerJoined:
		for _, peer := range frame.Peers {
			t.notePeer(peer, false)
		}
	case protocol.FrameTypePeerLeft:
		t.forgetPeer(frame.From)
	default:
		t.logger.Debugf("Ignoring %s frame from signaling", frame.Type)
	}
}

// notePeer records a peer from the roster or a join announcement. Only
// roster entries are dialed, see the type comment for the dial rule.
func (t *Primary) notePeer(info protocol.PeerInfo, dial bool) {
	if info.ID == t.cfg.ParticipantID {
		return
	}
	t.mu.Lock()
	t.known[info.ID] = info
	_, linked := t.peers[info.ID]
	gen := t.gen
	destroyed := t.destroyed
	t.mu.Unlock()

	if destroyed || linked || !dial {
		return
	}
	go t.dialPeer(gen, info)
}

func (t *Primary) forgetPeer(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	delete(t.known, id)
	l := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()

	if l != nil {
		l.close(false)
	}
	t.aware.RemoveRemote(id)
	t.logger.Infof("Peer %s left room %s", id, t.cfg.Room)
}

// dialPeer tries the peer's advertised addresses in order and adopts the
// first link that comes up.
func (t *Primary) dialPeer(gen int, info protocol.PeerInfo) {
	for _, addr := range info.Addrs {
		ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
		conn, err := wsutil.DialRoom(ctx, addr, t.cfg.Room, t.localInfo())
		cancel()
		if err != nil {
			t.logger.Debugf("Failed to dial peer %s at %s: %s", info.ID, addr, err)
			continue
		}
		t.adoptPeerLink(gen, conn, info, true)
		return
	}
	t.logger.Debugf("Could not reach peer %s on any address", info.ID)
}

func (t *Primary) acceptPeer(conn *websocket.Conn) {
	info, err := wsutil.AwaitHello(conn, t.cfg.Room)
	if err != nil {
		t.logger.Infof("Rejecting peer connection: %s", err)
		conn.Close()
		return
	}
	if info.ID == t.cfg.ParticipantID {
		conn.Close()
		return
	}
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	t.adoptPeerLink(gen, conn, info, false)
}

// adoptPeerLink wires a fresh peer connection into the mesh, replacing any
// stale link to the same peer, and sends the initial state exchange.
func (t *Primary) adoptPeerLink(gen int, conn *websocket.Conn, info protocol.PeerInfo, dialed bool) {
	var l *link
	l = newLink(conn, t.logger,
		func(raw []byte) { t.handlePeerFrame(l, raw) },
		func() { t.onPeerClose(gen, info.ID, l) })
	l.peerID = info.ID
	l.dialed = dialed

	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	old := t.peers[info.ID]
	t.peers[info.ID] = l
	t.known[info.ID] = info
	t.mu.Unlock()

	if old != nil {
		old.close(false)
	}
	l.start()
	t.sendInitialSync(l)
	side := "accepted"
	if dialed {
		side = "dialed"
	}
	t.logger.Infof("Peer link to %s up (%s)", info.ID, side)
}

func (t *Primary) onPeerClose(gen int, peerID string, l *link) {
	t.mu.Lock()
	current := gen == t.gen && t.peers[peerID] == l
	if current {
		delete(t.peers, peerID)
	}
	info, stillKnown := t.known[peerID]
	destroyed := t.destroyed
	t.mu.Unlock()

	if !current || destroyed {
		return
	}
	t.aware.RemoveRemote(peerID)
	t.logger.Infof("Peer link to %s lost", peerID)
	// Whoever dialed redials once while the peer is still in the room. If
	// that fails too, the next roster or a forced reconnect picks it up.
	if l.dialed && stillKnown {
		go t.dialPeer(gen, info)
	}
}

func (t *Primary) handlePeerFrame(l *link, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.logger.Debugf("Dropping frame from %s: %s", l.remoteLabel(), err)
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
	case protocol.FrameTypeBye:
		l.close(false)
	default:
		t.logger.Debugf("Ignoring %s frame from peer %s", frame.Type, l.remoteLabel())
	}
}

// sendInitialSync pushes the full document state and the local presence to
// a fresh link, so both sides converge without waiting for new edits.
func (t *Primary) sendInitialSync(l *link) {
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

// onDocUpdate fans local and store-loaded document updates out to the mesh.
// Updates this transport applied itself are skipped, the originator already
// delivered them to everyone it reaches.
func (t *Primary) onDocUpdate(update []byte, origin any) {
	if origin == t {
		return
	}
	raw, err := protocol.Encode(protocol.NewDocUpdateFrame(t.cfg.Room, t.cfg.ParticipantID, update))
	if err != nil {
		// An update that cannot be encoded never reaches the other
		// participants, their documents silently diverge from ours.
		sentry.ReportTransportErrorf(t.logger, string(KindPrimary), t.cfg.Room, "encode",
			"Failed to encode document update of %d bytes: %s", len(update), err)
		return
	}
	t.broadcastPeers(raw)
	metrics.RecordDocUpdate(t.cfg.Room, "out", len(update))
}

func (t *Primary) broadcastPeers(raw []byte) {
	t.mu.Lock()
	links := make([]*link, 0, len(t.peers))
	for _, l := range t.peers {
		links = append(links, l)
	}
	t.mu.Unlock()
	for _, l := range links {
		l.enqueue(raw)
	}
}

func (t *Primary) broadcastPresence(frame []byte) {
	raw, err := protocol.Encode(protocol.NewAwarenessFrame(t.cfg.Room, t.cfg.ParticipantID, frame))
	if err != nil {
		t.logger.Warnf("Failed to encode presence frame: %s", err)
		return
	}
	t.broadcastPeers(raw)
}

func (t *Primary) onLANPeer(info protocol.PeerInfo) {
	t.mu.Lock()
	if _, ok := t.known[info.ID]; !ok {
		t.known[info.ID] = info
	}
	_, linked := t.peers[info.ID]
	gen := t.gen
	destroyed := t.destroyed
	t.mu.Unlock()

	if destroyed || linked {
		return
	}
	// Both sides browse, so without a tie break both would dial. The
	// lexicographically smaller participant dials.
	if t.cfg.ParticipantID > info.ID {
		return
	}
	go t.dialPeer(gen, info)
}

// housekeeping re-announces the local peer to the signaling server so its
// roster entry stays alive, and republishes presence so remote liveness
// windows do not expire.
func (t *Primary) housekeeping() {
	presenceTTL := t.cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = constants.PresenceTTL
	}
	announce := time.NewTicker(constants.RosterAnnounceInterval)
	presence := time.NewTicker(presenceTTL / 2)
	defer announce.Stop()
	defer presence.Stop()
	for {
		select {
		case <-announce.C:
			t.mu.Lock()
			l := t.signal
			t.mu.Unlock()
			if l == nil {
				continue
			}
			if raw, err := protocol.Encode(protocol.NewHelloFrame(t.cfg.Room, t.localInfo())); err == nil {
				l.enqueue(raw)
			}
		case <-presence.C:
			if frame := t.aware.EncodeLocalFrame(); frame != nil {
				t.broadcastPresence(frame)
			}
		case <-t.done:
			return
		}
	}
}

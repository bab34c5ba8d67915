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

package signalserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
)

// registry tracks all rooms with at least one connected member. Rooms are
// created on first join and dropped once the last member leaves.
type registry struct {
	rooms map[string]*room
	mu    sync.Mutex
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]*room)}
}

func (r *registry) get(name string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = newRoom(name)
		r.rooms[name] = rm
	}
	return rm
}

// drop removes the room if it is still empty. A concurrent join between the
// last leave and this call keeps the room alive.
func (r *registry) drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return
	}
	if rm.memberCount() == 0 {
		delete(r.rooms, name)
	}
}

// RoomStatus is one entry of the room listing endpoint.
type RoomStatus struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

func (r *registry) snapshot() []RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]RoomStatus, 0, len(r.rooms))
	for name, rm := range r.rooms {
		statuses = append(statuses, RoomStatus{Name: name, Members: rm.memberCount()})
	}
	return statuses
}

func (r *registry) counts() (rooms int, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		clients += rm.memberCount()
	}
	return len(r.rooms), clients
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		rm.closeAll()
	}
}

// room holds the live connections of one collaboration room plus the TTL'd
// roster of announced peers. The roster outlives nothing: an entry that is
// not re-announced within RosterEntryTTL stops being handed to joiners even
// if the underlying TCP connection still lingers.
type room struct {
	name    string
	members map[string]*member
	roster  *expiremap.ExpireMap[string, protocol.PeerInfo]
	mu      sync.Mutex
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		members: make(map[string]*member),
		roster:  expiremap.NewEx[string, protocol.PeerInfo](constants.RosterCullInterval, constants.RosterEntryTTL),
	}
}

// register adds the member and snapshots the roster of everyone else in the
// same critical section, so that of any two concurrent joiners at least one
// sees the other. It returns the previous connection registered under the
// same participant ID, if any; the caller is expected to close it.
func (rm *room) register(m *member) (old *member, others []protocol.PeerInfo) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	old = rm.members[m.id]
	others = make([]protocol.PeerInfo, 0, len(rm.members))
	for id := range rm.members {
		if id == m.id {
			continue
		}
		if info, ok := rm.roster.Load(id); ok {
			others = append(others, *info)
		}
	}
	rm.members[m.id] = m
	rm.roster.Set(m.id, m.info)
	return old, others
}

// unregister removes the member and closes its send queue. It is a no-op when
// the registered connection for this ID is a different one (the member
// rejoined before the old connection died).
func (rm *room) unregister(m *member) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	current, ok := rm.members[m.id]
	if !ok || current != m {
		return false
	}
	delete(rm.members, m.id)
	close(m.send)
	return true
}

// refresh re-announces a member, resetting its roster TTL.
func (rm *room) refresh(id string, info protocol.PeerInfo) {
	rm.roster.Set(id, info)
}

// touch resets the roster TTL without changing the announced info.
func (rm *room) touch(id string) {
	if info, ok := rm.roster.Load(id); ok {
		rm.roster.Set(id, *info)
	}
}

func (rm *room) memberCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// broadcast queues the message to every member except the excluded one.
// Members whose send queue is full are disconnected; their read pump then
// runs the regular unregister path.
func (rm *room) broadcast(msg []byte, exceptID string) {
	var evicted []*member
	rm.mu.Lock()
	for id, m := range rm.members {
		if id == exceptID {
			continue
		}
		select {
		case m.send <- msg:
		default:
			evicted = append(evicted, m)
		}
	}
	rm.mu.Unlock()
	for _, m := range evicted {
		m.conn.Close()
	}
}

func (rm *room) closeAll() {
	rm.mu.Lock()
	members := make([]*member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	rm.mu.Unlock()
	for _, m := range members {
		m.conn.Close()
	}
}

// member is one connected client of a room.
type member struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	info protocol.PeerInfo
}

func newMember(conn *websocket.Conn, info protocol.PeerInfo) *member {
	return &member{
		conn: conn,
		send: make(chan []byte, constants.TransportSendBuffer),
		id:   info.ID,
		info: info,
	}
}

// readPump consumes frames until the connection dies or the member says bye.
// Every well-formed frame counts as a keepalive for the roster entry.
func (m *member) readPump(rm *room, log *zap.SugaredLogger) {
	defer m.conn.Close()
	m.conn.SetReadLimit(constants.TransportMaxMessageSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	})
	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("Member %s in room %s dropped: %s", m.id, rm.name, err)
			}
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			log.Debugf("Dropping frame from %s in room %s: %s", m.id, rm.name, err)
			continue
		}
		switch frame.Type {
		case protocol.FrameTypeHello:
			if len(frame.Peers) == 1 && frame.Peers[0].ID == m.id {
				rm.refresh(m.id, frame.Peers[0])
			} else {
				rm.touch(m.id)
			}
		case protocol.FrameTypeBye:
			return
		default:
			rm.touch(m.id)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (m *member) writePump() {
	ticker := time.NewTicker(constants.TransportPingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if !ok {
				_ = m.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
)

// link is one websocket with a buffered send queue and read/write pumps.
// It is symmetric: dialed and accepted connections behave the same, both
// sides ping and both sides extend their read deadline on ping and pong.
type link struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	onFrame   func(raw []byte)
	onClose   func()
	log       *zap.SugaredLogger
	peerID    string
	dialed    bool
	closeOnce sync.Once
}

func newLink(conn *websocket.Conn, log *zap.SugaredLogger, onFrame func([]byte), onClose func()) *link {
	return &link{
		conn:    conn,
		send:    make(chan []byte, constants.TransportSendBuffer),
		done:    make(chan struct{}),
		onFrame: onFrame,
		onClose: onClose,
		log:     log,
	}
}

func (l *link) start() {
	go l.readPump()
	go l.writePump()
}

// enqueue queues a frame for sending. A full queue means the remote side
// stopped draining; the link is cut instead of blocking the caller.
func (l *link) enqueue(raw []byte) {
	select {
	case l.send <- raw:
	case <-l.done:
	default:
		l.log.Warnf("Send queue to %s full, cutting link", l.remoteLabel())
		l.close(false)
	}
}

// close tears the link down once. A graceful close lets the write pump
// drain the send queue first, so goodbye frames still make it out.
func (l *link) close(graceful bool) {
	l.closeOnce.Do(func() {
		close(l.done)
		if !graceful {
			l.conn.Close()
		}
		if l.onClose != nil {
			l.onClose()
		}
	})
}

func (l *link) remoteLabel() string {
	if l.peerID != "" {
		return l.peerID
	}
	return l.conn.RemoteAddr().String()
}

func (l *link) readPump() {
	defer l.close(false)
	l.conn.SetReadLimit(constants.TransportMaxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	})
	l.conn.SetPingHandler(func(appData string) error {
		_ = l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(constants.TransportWriteTimeout))
		return l.conn.SetReadDeadline(time.Now().Add(constants.TransportPongTimeout))
	})
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Debugf("Link to %s dropped: %s", l.remoteLabel(), err)
			}
			return
		}
		l.onFrame(raw)
	}
}

func (l *link) writePump() {
	ticker := time.NewTicker(constants.TransportPingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()
	for {
		select {
		case raw := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				l.close(false)
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close(false)
				return
			}
		case <-l.done:
			l.drain()
			return
		}
	}
}

// drain flushes whatever is still queued and says goodbye on the wire.
// Writes fail fast when the connection is already gone.
func (l *link) drain() {
	for {
		select {
		case raw := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			_ = l.conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout))
			_ = l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

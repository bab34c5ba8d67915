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

// Package wsutil holds the WebSocket handshake shared by the signaling
// server, the relay server and the transports: every connection opens with a
// hello frame that identifies the peer and gates the protocol version.
package wsutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
)

// RoomURL builds the websocket endpoint for a room. Plain HTTP schemes are
// rewritten to their websocket counterparts so config values may carry either.
func RoomURL(baseURL, room string) string {
	url := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://"):
		url = "ws://" + url
	}
	return url + "/ws/" + room
}

// DialRoom connects to a room endpoint and announces the local peer with a
// hello frame. The returned connection is ready for frame traffic.
func DialRoom(ctx context.Context, baseURL, room string, info protocol.PeerInfo) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: constants.TransportDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, RoomURL(baseURL, room), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial room %s at %s: %w", room, baseURL, err)
	}
	if err := WriteFrame(conn, protocol.NewHelloFrame(room, info)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	return conn, nil
}

// WriteFrame encodes and writes a single frame with the write deadline
// applied.
func WriteFrame(conn *websocket.Conn, frame protocol.Frame) error {
	raw, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(constants.TransportWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// AwaitHello reads the first frame of a fresh server-side connection and
// validates it as a compatible hello for the given room. Incompatible peers
// get a policy-violation close frame so they know not to retry.
func AwaitHello(conn *websocket.Conn, room string) (protocol.PeerInfo, error) {
	conn.SetReadLimit(constants.TransportMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(constants.TransportDialTimeout)); err != nil {
		return protocol.PeerInfo{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.PeerInfo{}, fmt.Errorf("no hello received: %w", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrIncompatibleVersion) {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "incompatible protocol version")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.TransportWriteTimeout))
		}
		return protocol.PeerInfo{}, err
	}
	if frame.Type != protocol.FrameTypeHello {
		return protocol.PeerInfo{}, fmt.Errorf("expected hello, got %s", frame.Type)
	}
	if len(frame.Peers) != 1 || frame.Peers[0].ID == "" {
		return protocol.PeerInfo{}, errors.New("hello carries no peer info")
	}
	if frame.Room != "" && frame.Room != room {
		return protocol.PeerInfo{}, fmt.Errorf("hello for room %q on endpoint %q", frame.Room, room)
	}
	return frame.Peers[0], nil
}

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

// Package protocol defines the JSON frames exchanged between peers, the
// signaling server and the relay server. Every frame carries the wire
// protocol version; frames from an incompatible major version decode to
// ErrIncompatibleVersion so callers can drop them without guessing at
// their contents.
package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
)

// FrameType discriminates the frame envelope.
type FrameType string

const (
	// FrameTypeHello announces a participant to a room. Sent once after
	// connecting to the signaling or relay server.
	FrameTypeHello FrameType = "hello"
	// FrameTypeRoster carries the current room membership to a joiner.
	FrameTypeRoster FrameType = "roster"
	// FrameTypePeerJoined announces a new room member to everyone else.
	FrameTypePeerJoined FrameType = "peer-joined"
	// FrameTypePeerLeft announces a departed room member.
	FrameTypePeerLeft FrameType = "peer-left"
	// FrameTypeDocUpdate carries an opaque document update blob.
	FrameTypeDocUpdate FrameType = "doc-update"
	// FrameTypeAwareness carries a participant's ephemeral presence state.
	FrameTypeAwareness FrameType = "awareness"
	// FrameTypeBye is the clean-leave announcement.
	FrameTypeBye FrameType = "bye"
)

var (
	// ErrMalformedFrame marks data that is not a well-formed frame at all.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrIncompatibleVersion marks frames from a different protocol major
	// version. Such frames must be ignored, never partially interpreted.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)

// PeerInfo describes one room member as announced through signaling.
type PeerInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Addrs       []string `json:"addrs,omitempty"`
	Version     string   `json:"version,omitempty"`
}

// Frame is the envelope for everything on the wire. Unused fields stay
// empty; which fields are meaningful depends on Type.
type Frame struct {
	Type    FrameType  `json:"type"`
	Version string     `json:"version"`
	Room    string     `json:"room,omitempty"`
	From    string     `json:"from,omitempty"`
	Update  []byte     `json:"update,omitempty"`
	State   []byte     `json:"state,omitempty"`
	Peers   []PeerInfo `json:"peers,omitempty"`
}

// NewHelloFrame builds the join announcement for a room.
func NewHelloFrame(room string, peer PeerInfo) Frame {
	if peer.Version == "" {
		peer.Version = constants.ProtocolVersion
	}

	return Frame{
		Type:    FrameTypeHello,
		Version: constants.ProtocolVersion,
		Room:    room,
		From:    peer.ID,
		Peers:   []PeerInfo{peer},
	}
}

// NewRosterFrame builds the membership snapshot sent to a joiner.
func NewRosterFrame(room string, peers []PeerInfo) Frame {
	return Frame{
		Type:    FrameTypeRoster,
		Version: constants.ProtocolVersion,
		Room:    room,
		Peers:   peers,
	}
}

// NewPeerJoinedFrame announces a new member to the rest of the room.
func NewPeerJoinedFrame(room string, peer PeerInfo) Frame {
	return Frame{
		Type:    FrameTypePeerJoined,
		Version: constants.ProtocolVersion,
		Room:    room,
		From:    peer.ID,
		Peers:   []PeerInfo{peer},
	}
}

// NewPeerLeftFrame announces a departed member.
func NewPeerLeftFrame(room, participantID string) Frame {
	return Frame{
		Type:    FrameTypePeerLeft,
		Version: constants.ProtocolVersion,
		Room:    room,
		From:    participantID,
	}
}

// NewDocUpdateFrame wraps a document update blob.
func NewDocUpdateFrame(room, from string, update []byte) Frame {
	return Frame{
		Type:    FrameTypeDocUpdate,
		Version: constants.ProtocolVersion,
		Room:    room,
		From:    from,
		Update:  update,
	}
}

// NewAwarenessFrame wraps a participant's serialized presence state.
func NewAwarenessFrame(room, from string, state []byte) Frame {
	return Frame{
		Type:    FrameTypeAwareness,
		Version: constants.ProtocolVersion,
		Room:    room,
		From:    from,
		State:   state,
	}
}

// NewByeFrame builds the clean-leave announcement.
func NewByeFrame(room, from string) Frame {
	return Frame{
		Type:    FrameTypeBye,
		Version: constants.ProtocolVersion,
		Room:    room,
		From:    from,
	}
}

// Encode serializes a frame, stamping the current protocol version when the
// caller left it empty.
func Encode(frame Frame) ([]byte, error) {
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if frame.Version == "" {
		frame.Version = constants.ProtocolVersion
	}

	return safejson.Marshal(frame)
}

// Decode parses a frame and enforces the version gate. Frames from another
// protocol major version return ErrIncompatibleVersion; callers drop those
// silently. Frames without a version field are accepted, the field was
// introduced with the gate itself.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	if !gjson.GetBytes(data, "type").Exists() {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	if version := gjson.GetBytes(data, "version"); version.Exists() {
		if err := CheckCompatibility(version.String()); err != nil {
			return Frame{}, err
		}
	}

	var frame Frame
	if err := safejson.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}

	return frame, nil
}

// SniffType extracts the frame type without a full decode. Returns the empty
// type for anything that is not a frame. The relay uses this to route frames
// it never needs to interpret.
func SniffType(data []byte) FrameType {
	result := gjson.GetBytes(data, "type")
	if !result.Exists() {
		return ""
	}

	return FrameType(result.String())
}

// SniffRoom extracts the room without a full decode.
func SniffRoom(data []byte) string {
	return gjson.GetBytes(data, "room").String()
}

// SniffFrom extracts the sender id without a full decode.
func SniffFrom(data []byte) string {
	return gjson.GetBytes(data, "from").String()
}

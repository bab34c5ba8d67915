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

package constants

import "time"

const (
	// TransportDialTimeout bounds a single WebSocket dial to the signaling or
	// relay endpoint.
	TransportDialTimeout = time.Second * 10

	// TransportWriteTimeout bounds a single frame write.
	TransportWriteTimeout = time.Second * 10

	// TransportPongTimeout is how long a connection may go without a pong
	// before it is considered dead.
	TransportPongTimeout = time.Second * 60

	// TransportPingPeriod is the interval between pings. Must be shorter than
	// TransportPongTimeout.
	TransportPingPeriod = (TransportPongTimeout * 9) / 10

	// TransportMaxMessageSize is the largest inbound frame accepted on any
	// transport connection.
	TransportMaxMessageSize = 1024 * 1024

	// TransportSendBuffer is the per-connection buffered send queue length.
	TransportSendBuffer = 256
)

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
	// DefaultSignalPort is the default listen port of the signaling server.
	DefaultSignalPort = 4444

	// DefaultRelayPort is the default listen port of the relay server.
	DefaultRelayPort = 4445

	// DefaultMetricsPort is the default listen port for the Prometheus
	// metrics endpoint of the agent.
	DefaultMetricsPort = 8081

	// RosterEntryTTL is how long a signaling roster entry lives without a
	// keepalive re-announce before it is culled.
	RosterEntryTTL = time.Second * 60

	// RosterCullInterval is how often expired roster entries are swept.
	RosterCullInterval = time.Second * 15

	// RosterAnnounceInterval is how often a connected client re-announces
	// itself to the signaling server to keep its roster entry alive.
	RosterAnnounceInterval = RosterEntryTTL / 2

	// RelayBacklogCompactionThreshold is the number of buffered room updates
	// after which the relay folds the backlog into a single snapshot update
	// handed to late joiners.
	RelayBacklogCompactionThreshold = 100

	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = time.Second * 10

	// DiscoveryService is the mDNS service type peers announce their mesh
	// listener under for LAN discovery.
	DiscoveryService = "_gridsync._tcp"

	// DiscoveryDomain is the mDNS domain used for LAN discovery.
	DiscoveryDomain = "local."

	// ReachabilityProbeTimeout bounds one diagnostic health check request
	// against a signaling or relay endpoint.
	ReachabilityProbeTimeout = time.Second * 10
)

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

package config

import (
	"github.com/tiendc/go-deepcopy"
)

type FullConfig struct {
	Agent   AgentConfig   `yaml:"agent"`             // Agent config, requires restart to take effect
	Session SessionConfig `yaml:"session"`           // Session config, read whenever a session is created
	Servers ServersConfig `yaml:"servers,omitempty"` // Standalone server config, only read by the signal and relay binaries
}

type AgentConfig struct {
	MetricsPort    int            `yaml:"metricsPort"` // Port to expose metrics on
	DisplayName    string         `yaml:"displayName,omitempty"`
	DataDir        string         `yaml:"dataDir,omitempty"`  // Directory for the local document store
	SeedFile       string         `yaml:"seedFile,omitempty"` // Optional: JSON grid loaded into an empty document at startup
	ReleaseChannel ReleaseChannel `yaml:"releaseChannel,omitempty"`
}

type SessionConfig struct {
	Room         string            `yaml:"room,omitempty"`
	SignalingURL string            `yaml:"signalingUrl,omitempty"`
	RelayURL     string            `yaml:"relayUrl,omitempty"`
	ICEServers   []ICEServerConfig `yaml:"iceServers,omitempty"`
	DiscoverLAN  bool              `yaml:"discoverLan,omitempty"` // Announce and browse for rooms via mDNS on the local network
}

// ICEServerConfig is one STUN or TURN server handed to the primary transport
// for NAT traversal.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type ServersConfig struct {
	SignalPort  int    `yaml:"signalPort,omitempty"`
	RelayPort   int    `yaml:"relayPort,omitempty"`
	RedisURL    string `yaml:"redisUrl,omitempty"`    // Optional: relay fan-out across multiple relay instances
	PostgresDSN string `yaml:"postgresDsn,omitempty"` // Optional: relay room archive
}

type ReleaseChannel string

const (
	ReleaseChannelNightly ReleaseChannel = "nightly"
	ReleaseChannelStable  ReleaseChannel = "stable"
)

// Clone creates a deep copy of FullConfig
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	deepcopy.Copy(&clone.Agent, &c.Agent)
	deepcopy.Copy(&clone.Session, &c.Session)
	deepcopy.Copy(&clone.Servers, &c.Servers)
	return clone
}

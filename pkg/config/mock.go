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
	"context"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
)

// MockConfigManager is a mock implementation of ConfigManager for testing
type MockConfigManager struct {
	GetConfigCalled            bool
	GetConfigOrCreateNewCalled bool
	AtomicSetDisplayNameCalled bool
	AtomicSetRoomCalled        bool
	AtomicAddICEServerCalled   bool

	Config                    FullConfig
	ConfigError               error
	AtomicSetDisplayNameError error
	AtomicSetRoomError        error
	AtomicAddICEServerError   error

	// ConfigDelay makes GetConfig block for the given duration, so callers can
	// exercise their context handling.
	ConfigDelay time.Duration

	mutex sync.Mutex
}

var _ ConfigManager = (*MockConfigManager)(nil)

// NewMockConfigManager creates a new MockConfigManager instance
func NewMockConfigManager() *MockConfigManager {
	return &MockConfigManager{}
}

// WithConfig pre-seeds the mock with a config.
func (m *MockConfigManager) WithConfig(config FullConfig) *MockConfigManager {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Config = config
	return m
}

// GetConfig implements the ConfigManager interface
func (m *MockConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.GetConfigCalled = true

	if m.ConfigDelay > 0 {
		select {
		case <-time.After(m.ConfigDelay):
			// Delay completed
		case <-ctx.Done():
			return FullConfig{}, ctx.Err()
		}
	}

	return m.Config.Clone(), m.ConfigError
}

// GetConfigOrCreateNew implements the ConfigManager interface. Non-zero
// override fields replace the stored values, mirroring the file-backed
// manager without touching a filesystem.
func (m *MockConfigManager) GetConfigOrCreateNew(ctx context.Context, configOverride FullConfig) (FullConfig, error) {
	if err := ctx.Err(); err != nil {
		return FullConfig{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.GetConfigOrCreateNewCalled = true

	if m.ConfigError != nil {
		return FullConfig{}, m.ConfigError
	}

	if m.Config.Agent.MetricsPort == 0 {
		m.Config.Agent.MetricsPort = constants.DefaultMetricsPort
	}
	if configOverride.Agent.MetricsPort > 0 {
		m.Config.Agent.MetricsPort = configOverride.Agent.MetricsPort
	}
	if configOverride.Agent.DisplayName != "" {
		m.Config.Agent.DisplayName = configOverride.Agent.DisplayName
	}
	if configOverride.Agent.DataDir != "" {
		m.Config.Agent.DataDir = configOverride.Agent.DataDir
	}
	if configOverride.Agent.SeedFile != "" {
		m.Config.Agent.SeedFile = configOverride.Agent.SeedFile
	}
	if configOverride.Agent.ReleaseChannel != "" {
		m.Config.Agent.ReleaseChannel = configOverride.Agent.ReleaseChannel
	}
	if configOverride.Session.Room != "" {
		m.Config.Session.Room = configOverride.Session.Room
	}
	if configOverride.Session.SignalingURL != "" {
		m.Config.Session.SignalingURL = configOverride.Session.SignalingURL
	}
	if configOverride.Session.RelayURL != "" {
		m.Config.Session.RelayURL = configOverride.Session.RelayURL
	}
	if configOverride.Session.DiscoverLAN {
		m.Config.Session.DiscoverLAN = true
	}
	if len(configOverride.Session.ICEServers) > 0 {
		m.Config.Session.ICEServers = configOverride.Session.ICEServers
	}
	if configOverride.Servers.SignalPort > 0 {
		m.Config.Servers.SignalPort = configOverride.Servers.SignalPort
	}
	if configOverride.Servers.RelayPort > 0 {
		m.Config.Servers.RelayPort = configOverride.Servers.RelayPort
	}
	if configOverride.Servers.RedisURL != "" {
		m.Config.Servers.RedisURL = configOverride.Servers.RedisURL
	}
	if configOverride.Servers.PostgresDSN != "" {
		m.Config.Servers.PostgresDSN = configOverride.Servers.PostgresDSN
	}

	return m.Config.Clone(), nil
}

// AtomicSetDisplayName implements the ConfigManager interface
func (m *MockConfigManager) AtomicSetDisplayName(ctx context.Context, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.AtomicSetDisplayNameCalled = true

	if m.AtomicSetDisplayNameError != nil {
		return m.AtomicSetDisplayNameError
	}

	m.Config.Agent.DisplayName = displayName
	return nil
}

// AtomicSetRoom implements the ConfigManager interface
func (m *MockConfigManager) AtomicSetRoom(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.AtomicSetRoomCalled = true

	if m.AtomicSetRoomError != nil {
		return m.AtomicSetRoomError
	}

	m.Config.Session.Room = room
	return nil
}

// AtomicAddICEServer implements the ConfigManager interface
func (m *MockConfigManager) AtomicAddICEServer(ctx context.Context, server ICEServerConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.AtomicAddICEServerCalled = true

	if m.AtomicAddICEServerError != nil {
		return m.AtomicAddICEServerError
	}

	m.Config.Session.ICEServers = append(m.Config.Session.ICEServers, server)
	return nil
}

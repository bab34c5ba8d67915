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
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gridsync/pkg/backoff"
	"github.com/united-manufacturing-hub/gridsync/pkg/filesystem"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
)

var _ = Describe("LoadConfigWithEnvOverrides", func() {
	var (
		mockFS  *filesystem.MockFileSystem
		manager *FileConfigManagerWithBackoff
		ctx     context.Context

		envVars = []string{"DISPLAY_NAME", "ROOM", "SIGNALING_URL", "RELAY_URL", "RELEASE_CHANNEL", "DATA_DIR", "METRICS_PORT", "SEED_FILE", "DISCOVER_LAN"}
	)

	BeforeEach(func() {
		mockFS = filesystem.NewMockFileSystem()
		ctx = context.Background()

		fileManager := NewFileConfigManager()
		fileManager.WithFileSystemService(mockFS)

		log := logger.For(logger.ComponentConfigManager)
		manager = &FileConfigManagerWithBackoff{
			configManager:  fileManager,
			backoffManager: backoff.NewBackoffManager(backoff.DefaultConfig("ConfigManager", log)),
			logger:         log,
		}
	})

	AfterEach(func() {
		for _, key := range envVars {
			os.Unsetenv(key)
		}
	})

	It("should apply environment variables over file values", func() {
		mockFS.WithFile(DefaultConfigPath, []byte("agent:\n  displayName: from-file\nsession:\n  room: file-room\n"))

		os.Setenv("DISPLAY_NAME", "from-env")
		os.Setenv("SIGNALING_URL", "ws://env-signal:4444")
		os.Setenv("DISCOVER_LAN", "yes")
		os.Setenv("METRICS_PORT", "9090")

		config, err := LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())

		Expect(config.Agent.DisplayName).To(Equal("from-env"))
		Expect(config.Agent.MetricsPort).To(Equal(9090))
		Expect(config.Session.Room).To(Equal("file-room"), "unset variables keep file values")
		Expect(config.Session.SignalingURL).To(Equal("ws://env-signal:4444"))
		Expect(config.Session.DiscoverLAN).To(BeTrue())
	})

	It("should persist the merged result back to the config file", func() {
		os.Setenv("ROOM", "persisted-room")

		_, err := LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())

		written, ok := mockFS.FileContent(DefaultConfigPath)
		Expect(ok).To(BeTrue())
		Expect(string(written)).To(ContainSubstring("persisted-room"))
	})

	It("should fall back to defaults when nothing is set", func() {
		config, err := LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())

		Expect(config.Agent.MetricsPort).To(BeNumerically(">", 0))
		Expect(config.Session.Room).To(BeEmpty())
	})

	It("should work against any config manager implementation", func() {
		mock := NewMockConfigManager().WithConfig(FullConfig{
			Agent:   AgentConfig{DisplayName: "stored-name", MetricsPort: 8081},
			Session: SessionConfig{Room: "stored-room"},
		})

		os.Setenv("ROOM", "env-room")
		os.Setenv("SEED_FILE", "/data/seed.bin")

		config, err := LoadConfigWithEnvOverrides(ctx, mock, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())

		Expect(mock.GetConfigOrCreateNewCalled).To(BeTrue())
		Expect(config.Session.Room).To(Equal("env-room"))
		Expect(config.Agent.SeedFile).To(Equal("/data/seed.bin"))
		Expect(config.Agent.DisplayName).To(Equal("stored-name"), "unset variables keep the stored values")
	})
})

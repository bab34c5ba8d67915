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
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/env"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
)

// LoadConfigWithEnvOverrides loads the config file and applies environment variable overrides.
// This function is used during initial application startup to handle configuration from both
// persistent config files and runtime environment variables passed via docker -e flags.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (DISPLAY_NAME, ROOM, SIGNALING_URL, RELAY_URL, ...)
// 2. Existing config file values
// 3. Default values
//
// Note: this function has side effects! The resulting configuration (with
// applied overrides) is written back to the config file, so environment
// variables cause permanent changes: on subsequent runs those values are the
// baseline unless overridden again.
func LoadConfigWithEnvOverrides(ctx context.Context, configManager ConfigManager, log *zap.SugaredLogger) (FullConfig, error) {
	// Collect environment variables that can override config values
	displayName, err := env.GetAsString("DISPLAY_NAME", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DISPLAY_NAME: %v", err)
	}

	room, err := env.GetAsString("ROOM", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get ROOM: %v", err)
	}

	signalingURL, err := env.GetAsString("SIGNALING_URL", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SIGNALING_URL: %v", err)
	}

	relayURL, err := env.GetAsString("RELAY_URL", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get RELAY_URL: %v", err)
	}

	releaseChannel, err := env.GetAsString("RELEASE_CHANNEL", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get RELEASE_CHANNEL: %v", err)
	}

	dataDir, err := env.GetAsString("DATA_DIR", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DATA_DIR: %v", err)
	}

	metricsPort, err := env.GetAsInt("METRICS_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get METRICS_PORT: %v", err)
	}

	seedFile, err := env.GetAsString("SEED_FILE", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SEED_FILE: %v", err)
	}

	discoverLAN, err := env.GetAsBool("DISCOVER_LAN", false, false)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DISCOVER_LAN: %v", err)
	}

	// Build the config override structure from environment variables
	configOverride := FullConfig{
		Agent: AgentConfig{
			MetricsPort:    metricsPort,
			DisplayName:    displayName,
			DataDir:        dataDir,
			SeedFile:       seedFile,
			ReleaseChannel: ReleaseChannel(releaseChannel),
		},
		Session: SessionConfig{
			Room:         room,
			SignalingURL: signalingURL,
			RelayURL:     relayURL,
			DiscoverLAN:  discoverLAN,
		},
	}

	// Apply the environment overrides to the config
	configData, err := configManager.GetConfigOrCreateNew(ctx, configOverride)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to load config with environment overrides: %w", err)
	}

	return configData, nil
}

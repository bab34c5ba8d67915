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

// The gridsync relay server tunnels document updates and presence for rooms
// whose participants cannot form a direct mesh. With a Redis URL it bridges
// rooms across relay instances, with a Postgres DSN it archives room
// snapshots.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/gridsync/pkg/config"
	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/env"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
	"github.com/united-manufacturing-hub/gridsync/pkg/relayserver"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/version"
)

func main() {
	// Initialize the global logger first thing
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	// Initialize Sentry
	sentry.InitSentry(version.GetAppVersion(), true)

	log := logger.For(logger.ComponentRelayServer)
	log.Info("Starting gridsync relay server...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configManager, err := config.NewFileConfigManagerWithBackoff()
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create config manager: %v", err)
		os.Exit(1)
	}

	// Server deployments usually configure through the environment; the
	// config file carries whatever is not overridden.
	relayPort, err := env.GetAsInt("RELAY_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get RELAY_PORT: %v", err)
	}
	redisURL, err := env.GetAsString("REDIS_URL", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get REDIS_URL: %v", err)
	}
	postgresDSN, err := env.GetAsString("POSTGRES_DSN", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get POSTGRES_DSN: %v", err)
	}

	configData, err := configManager.GetConfigOrCreateNew(ctx, config.FullConfig{
		Servers: config.ServersConfig{
			RelayPort:   relayPort,
			RedisURL:    redisURL,
			PostgresDSN: postgresDSN,
		},
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	port := configData.Servers.RelayPort
	if port == 0 {
		port = constants.DefaultRelayPort
	}

	// The metrics endpoint is opt-in for server deployments.
	if configData.Agent.MetricsPort != 0 {
		metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", configData.Agent.MetricsPort))
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
			}
		}()
	}

	srv, err := relayserver.New(relayserver.Config{
		Addr:        fmt.Sprintf(":%d", port),
		RedisAddr:   configData.Servers.RedisURL,
		PostgresURL: configData.Servers.PostgresDSN,
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create the relay server: %v", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start the relay server: %v", err)
		os.Exit(1)
	}
	log.Infof("Relay server listening on %s", srv.Addr())

	<-ctx.Done()
	log.Info("Shutting down gridsync relay server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown the relay server: %v", err)
	}
}

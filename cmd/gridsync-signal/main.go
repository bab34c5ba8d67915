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

// The gridsync signaling server introduces room participants to each other.
// It never sees document content, only hello/roster bookkeeping.
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
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/signalserver"
	"github.com/united-manufacturing-hub/gridsync/pkg/version"
)

func main() {
	// Initialize the global logger first thing
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	// Initialize Sentry
	sentry.InitSentry(version.GetAppVersion(), true)

	log := logger.For(logger.ComponentSignalServer)
	log.Info("Starting gridsync signaling server...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configManager, err := config.NewFileConfigManagerWithBackoff()
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create config manager: %v", err)
		os.Exit(1)
	}

	// Server deployments usually configure through the environment; the
	// config file carries whatever is not overridden.
	signalPort, err := env.GetAsInt("SIGNAL_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SIGNAL_PORT: %v", err)
	}

	configData, err := configManager.GetConfigOrCreateNew(ctx, config.FullConfig{
		Servers: config.ServersConfig{SignalPort: signalPort},
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	port := configData.Servers.SignalPort
	if port == 0 {
		port = constants.DefaultSignalPort
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

	srv := signalserver.New(signalserver.Config{Addr: fmt.Sprintf(":%d", port)})
	if err := srv.Start(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start the signaling server: %v", err)
		os.Exit(1)
	}
	log.Infof("Signaling server listening on %s", srv.Addr())

	<-ctx.Done()
	log.Info("Shutting down gridsync signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown the signaling server: %v", err)
	}
}

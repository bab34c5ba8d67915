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

// The gridsync agent is a headless room participant: it opens the local
// document store, joins the configured room and keeps the shared grid in
// sync while serving metrics. It demonstrates the full collaboration stack
// without an editor attached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/config"
	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/localstore"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
	"github.com/united-manufacturing-hub/gridsync/pkg/payload"
	"github.com/united-manufacturing-hub/gridsync/pkg/reachability"
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/session"
	"github.com/united-manufacturing-hub/gridsync/pkg/transport"
	"github.com/united-manufacturing-hub/gridsync/pkg/version"
	"github.com/united-manufacturing-hub/gridsync/pkg/watchdog"
)

func main() {
	// Initialize the global logger first thing
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	// Initialize Sentry
	sentry.InitSentry(version.GetAppVersion(), true)

	log := logger.For(logger.ComponentAgent)
	log.Info("Starting gridsync agent...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load the config
	configManager, err := config.NewFileConfigManagerWithBackoff()
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create config manager: %v", err)
		os.Exit(1)
	}

	// Load or create configuration with environment variable overrides
	configData, err := config.LoadConfigWithEnvOverrides(ctx, configManager, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	if configData.Session.Room == "" {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "No room configured, set ROOM or session.room in the config file")
		os.Exit(1)
	}

	// Start the metrics server
	metricsPort := configData.Agent.MetricsPort
	if metricsPort == 0 {
		metricsPort = constants.DefaultMetricsPort
	}
	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", metricsPort))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
		}
	}()

	// Startup diagnostics only; the session forms its own judgement while
	// connecting.
	probeEndpoints(configData.Session, logger.For(logger.ComponentReachability))

	dataDir := configData.Agent.DataDir
	if dataDir == "" {
		dataDir = filepath.Dir(config.DefaultConfigPath)
	}

	store, err := localstore.Open(ctx, localstore.Config{
		DataDir: dataDir,
		Room:    configData.Session.Room,
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open the local store: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to close the local store: %v", err)
		}
	}()

	if configData.Agent.SeedFile != "" {
		if err := seedDocument(store.Doc(), configData.Agent.SeedFile); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to seed the document from %s: %v", configData.Agent.SeedFile, err)
		}
	}

	sess, err := session.Create(ctx, store, configData.Session.Room, session.Config{
		DisplayName:  configData.Agent.DisplayName,
		AppVersion:   version.GetAppVersion(),
		SignalingURL: configData.Session.SignalingURL,
		RelayURL:     configData.Session.RelayURL,
		ICEServers:   configData.Session.ICEServers,
		DiscoverLAN:  configData.Session.DiscoverLAN,
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create the session: %v", err)
		os.Exit(1)
	}
	defer sess.Destroy()

	unsubState := sess.OnConnectionChange(func(state session.State) {
		log.Infof("Connection state: %s", state)
	})
	defer unsubState()

	unsubTransport := sess.OnTransportChange(func(kind transport.Kind) {
		log.Infof("Transport: %s", kind)
	})
	defer unsubTransport()

	unsubPeers := sess.OnPeerCountChange(func(count int) {
		log.Infof("Participants visible: %d", count)
	})
	defer unsubPeers()

	unsubGrid := payload.Observe(store.Doc(), func(grid *payload.Grid) {
		log.Infof("Payload now %dx%d cells (%s)", grid.Rows, grid.Cols, grid.Title)
	})
	defer unsubGrid()

	// The watchdog panics the process when a supervised loop goes quiet, so
	// the supervisor can restart it in a known-good state.
	dog := watchdog.NewWatchdog(ctx, time.NewTicker(10*time.Second), true, logger.For(logger.ComponentWatchdog))
	go dog.Start()

	go statusLoop(ctx, dog, sess)

	log.Infof("Agent up: room %s, participant %s", sess.Room(), sess.ParticipantID())

	<-ctx.Done()
	log.Info("Shutting down gridsync agent...")
}

// probeEndpoints logs whether the configured endpoints answer their health
// checks. Observation only, the session connects regardless.
func probeEndpoints(cfg config.SessionConfig, log *zap.SugaredLogger) {
	if cfg.SignalingURL != "" && !reachability.Check(false, cfg.SignalingURL, log) {
		log.Warnf("Signaling endpoint %s failed its health check", cfg.SignalingURL)
	}
	if cfg.RelayURL != "" && !reachability.Check(false, cfg.RelayURL, log) {
		log.Warnf("Relay endpoint %s failed its health check", cfg.RelayURL)
	}
}

// seedDocument loads a JSON grid file into the document. Collaborative state
// always wins: a document that already carries a payload is left alone.
func seedDocument(doc *crdt.Doc, path string) error {
	existing, err := payload.Get(doc)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var grid payload.Grid
	if err := safejson.Unmarshal(raw, &grid); err != nil {
		return err
	}

	return payload.Set(doc, &grid)
}

// statusLoop periodically logs where the session stands. It doubles as a
// liveness signal for the watchdog.
func statusLoop(ctx context.Context, dog watchdog.Iface, sess *session.Session) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	log := logger.For("StatusLogger")
	heartbeat := dog.RegisterHeartbeat("status-logger", 3, 60, false)
	defer dog.UnregisterHeartbeat(heartbeat)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dog.ReportHeartbeatStatus(heartbeat, watchdog.HEARTBEAT_STATUS_OK)
			log.Infof("Session %s: state=%s transport=%s peers=%d",
				sess.Room(), sess.State(), sess.TransportKind(), sess.PeerCount())
		}
	}
}

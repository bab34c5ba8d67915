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

package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
)

const (
	// Component Labels.
	ComponentSession       = "session"
	ComponentReconnect     = "reconnect_controller"
	ComponentHealthCheck   = "health_check"
	ComponentAwareness     = "awareness"
	ComponentTransport     = "transport"
	ComponentLocalStore    = "local_store"
	ComponentConfigManager = "config_manager"
	ComponentFilesystem    = "filesystem"
	ComponentSignalServer  = "signal_server"
	ComponentRelayServer   = "relay_server"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "gridsync"
	subsystem = "core"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Operation timing.
	operationTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_milliseconds",
			Help:      "Time taken for an operation (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01, // 50th percentile with 1% error
				0.9:  0.01, // 90th percentile with 1% error
				0.95: 0.01, // 95th percentile with 1% error
				0.99: 0.01, // 99th percentile with 1% error
			},
		},
		[]string{"component", "operation"},
	)

	// Session state metrics.
	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "Current connection state of the session (0=Disconnected, 1=Connecting, 2=Connected, -1=Unknown)",
		},
		[]string{"room", "transport"},
	)

	peersVisible = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers_visible",
			Help:      "Number of other participants currently visible via presence",
		},
		[]string{"room"},
	)

	transportSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_switches_total",
			Help:      "Total number of primary-to-fallback transport switches",
		},
		[]string{"room"},
	)

	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts by trigger",
		},
		[]string{"room", "trigger"},
	)

	emptyHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "empty_health_checks_total",
			Help:      "Total number of health checks that observed zero peers",
		},
		[]string{"room"},
	)

	// Document traffic metrics.
	docUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "doc_updates_total",
			Help:      "Total number of document updates by direction",
		},
		[]string{"room", "direction"},
	)

	docUpdateBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "doc_update_bytes",
			Help:      "Size of document updates in bytes",
			Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		},
		[]string{"room", "direction"},
	)

	// Server-side metrics.
	serverRooms = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "server_rooms",
			Help:      "Number of rooms currently tracked by a server",
		},
		[]string{"server"},
	)

	serverClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "server_clients",
			Help:      "Number of clients currently connected to a server",
		},
		[]string{"server"},
	)

	relayedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relayed_frames_total",
			Help:      "Total number of frames fanned out by the relay server",
		},
		[]string{"room"},
	)

	relayBacklogSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_backlog_size",
			Help:      "Number of backlogged document frames a relay room replays to late joiners",
		},
		[]string{"room"},
	)

	// Filesystem operation metrics.
	filesystemOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_total",
			Help:      "Total number of filesystem operations by type and path",
		},
		[]string{"operation", "path"},
	)

	filesystemOpsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// SessionDebugProvider provides session introspection data for the debug
// endpoint. Implementations should return a JSON-serializable struct with the
// session's current machine state.
type SessionDebugProvider interface {
	GetDebugInfo() interface{}
}

// sessionDebugRegistry holds registered session debug providers.
var sessionDebugRegistry struct {
	providers map[string]SessionDebugProvider
	mu        sync.RWMutex
}

// RegisterSessionDebugProvider registers a debug provider for the
// /debug/sessions endpoint. Call this after creating a session to expose its
// introspection data.
func RegisterSessionDebugProvider(name string, provider SessionDebugProvider) {
	sessionDebugRegistry.mu.Lock()
	defer sessionDebugRegistry.mu.Unlock()

	if sessionDebugRegistry.providers == nil {
		sessionDebugRegistry.providers = make(map[string]SessionDebugProvider)
	}

	sessionDebugRegistry.providers[name] = provider
}

// UnregisterSessionDebugProvider removes a debug provider from the registry.
// Call this when destroying a session.
func UnregisterSessionDebugProvider(name string) {
	sessionDebugRegistry.mu.Lock()
	defer sessionDebugRegistry.mu.Unlock()

	delete(sessionDebugRegistry.providers, name)
}

// handleSessionDebug handles the /debug/sessions endpoint.
func handleSessionDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	sessionDebugRegistry.mu.RLock()
	defer sessionDebugRegistry.mu.RUnlock()

	if len(sessionDebugRegistry.providers) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"no_providers_registered","message":"No sessions are registered for debugging"}`))

		return
	}

	response := make(map[string]interface{}, len(sessionDebugRegistry.providers))
	for name, provider := range sessionDebugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(response); err != nil {
		http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)
	}
}

// Handler returns the Prometheus scrape handler so HTTP servers can mount it
// on their own router.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/sessions", handleSessionDebug)

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// ObserveOperationTime records the time taken for an operation.
func ObserveOperationTime(component, operation string, duration time.Duration) {
	operationTime.WithLabelValues(component, operation).Observe(float64(duration.Milliseconds()))
}

// UpdateConnectionState updates the connection state gauge for a session.
func UpdateConnectionState(room, transport, state string) {
	connectionState.WithLabelValues(room, transport).Set(getStateValue(state))
}

// getStateValue converts a connection state string to a numeric value for the metric.
func getStateValue(state string) float64 {
	switch state {
	case "disconnected":
		return 0
	case "connecting":
		return 1
	case "connected":
		return 2
	default:
		return -1 // Unknown state
	}
}

// SetPeersVisible records how many other participants are currently visible.
func SetPeersVisible(room string, count int) {
	peersVisible.WithLabelValues(room).Set(float64(count))
}

// RecordTransportSwitch counts a primary-to-fallback transport switch.
func RecordTransportSwitch(room string) {
	transportSwitches.WithLabelValues(room).Inc()
}

// RecordReconnectAttempt counts a reconnect attempt and what triggered it.
func RecordReconnectAttempt(room, trigger string) {
	reconnectAttempts.WithLabelValues(room, trigger).Inc()
}

// RecordEmptyHealthCheck counts a health check that observed zero peers.
func RecordEmptyHealthCheck(room string) {
	emptyHealthChecks.WithLabelValues(room).Inc()
}

// RecordDocUpdate records one document update and its size. Direction is
// "sent" or "received".
func RecordDocUpdate(room, direction string, sizeBytes int) {
	docUpdates.WithLabelValues(room, direction).Inc()
	docUpdateBytes.WithLabelValues(room, direction).Observe(float64(sizeBytes))
}

// SetServerRooms records how many rooms a server is currently tracking.
func SetServerRooms(server string, count int) {
	serverRooms.WithLabelValues(server).Set(float64(count))
}

// SetServerClients records how many clients are connected to a server.
func SetServerClients(server string, count int) {
	serverClients.WithLabelValues(server).Set(float64(count))
}

// RecordRelayedFrame counts one frame fanned out to a relay room.
func RecordRelayedFrame(room string) {
	relayedFrames.WithLabelValues(room).Inc()
}

// SetRelayBacklogSize records the current backlog length of a relay room.
func SetRelayBacklogSize(room string, size int) {
	relayBacklogSize.WithLabelValues(room).Set(float64(size))
}

// RecordFilesystemOp records a filesystem operation metric.
func RecordFilesystemOp(operation, path string, duration time.Duration) {
	filesystemOpsTotal.WithLabelValues(operation, path).Inc()
	filesystemOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

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

package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
)

// healthChecker detects zombie connections: a session that still holds a
// link but has not seen any other participant for several consecutive
// probes. Three empty probes in a row force a transport reconnect; a single
// probe that sees a peer clears the strike count immediately.
type healthChecker struct {
	logger    *zap.SugaredLogger
	room      string
	interval  time.Duration
	threshold int
	connected func() bool
	peerCount func() int
	// force kicks a transport reconnect without blocking the probe.
	force func()

	consecutiveEmpty int
	extra            *time.Timer
	done             chan struct{}
	stopOnce         sync.Once
	stopped          bool
	mu               sync.Mutex
}

func newHealthChecker(room string, interval time.Duration, threshold int, connected func() bool, peerCount func() int, force func(), logger *zap.SugaredLogger) *healthChecker {
	return &healthChecker{
		logger:    logger,
		room:      room,
		interval:  interval,
		threshold: threshold,
		connected: connected,
		peerCount: peerCount,
		force:     force,
		done:      make(chan struct{}),
	}
}

func (h *healthChecker) start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.check()
			case <-h.done:
				return
			}
		}
	}()
}

// check runs one probe. Only sessions that believe they are connected are
// probed, everything else is the reconnection controller's business.
func (h *healthChecker) check() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()

		return
	}
	h.mu.Unlock()

	if !h.connected() || h.peerCount() > 0 {
		h.resetCounter()

		return
	}

	metrics.RecordEmptyHealthCheck(h.room)

	h.mu.Lock()
	h.consecutiveEmpty++
	strikeOut := h.consecutiveEmpty >= h.threshold
	if strikeOut {
		h.consecutiveEmpty = 0
	}
	count := h.consecutiveEmpty
	h.mu.Unlock()

	if strikeOut {
		h.logger.Warnf("Connected but no peers for %d consecutive checks, forcing reconnect", h.threshold)
		h.force()

		return
	}
	h.logger.Debugf("Health check saw no peers (%d/%d)", count, h.threshold)
}

// extraCheckAfter schedules a one-shot probe outside the regular interval.
// A newer request replaces a still-pending one.
func (h *healthChecker) extraCheckAfter(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	if h.extra != nil {
		h.extra.Stop()
	}
	h.extra = time.AfterFunc(delay, h.check)
}

func (h *healthChecker) resetCounter() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveEmpty = 0
}

func (h *healthChecker) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		if h.extra != nil {
			h.extra.Stop()
			h.extra = nil
		}
		h.mu.Unlock()

		close(h.done)
	})
}

// emptyChecks reports the current strike count.
func (h *healthChecker) emptyChecks() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.consecutiveEmpty
}

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

package backoff

import (
	"fmt"
	"sync"
	"time"

	expbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Config holds the settings for a BackoffManager.
type Config struct {
	// Name identifies the guarded operation in logs and error messages.
	Name string

	// Logger receives skip and escalation messages.
	Logger *zap.SugaredLogger

	// InitialInterval is the first retry delay. Each further failure doubles
	// it up to MaxInterval.
	InitialInterval time.Duration

	// MaxInterval caps the retry delay.
	MaxInterval time.Duration

	// MaxConsecutiveFailures is the number of failures in a row after which
	// the operation is declared permanently failed.
	MaxConsecutiveFailures int
}

// DefaultConfig returns a Config with doubling delays from one second up to
// thirty seconds and escalation after ten consecutive failures.
func DefaultConfig(name string, logger *zap.SugaredLogger) Config {
	return Config{
		Name:                   name,
		Logger:                 logger,
		InitialInterval:        time.Second,
		MaxInterval:            30 * time.Second,
		MaxConsecutiveFailures: 10,
	}
}

// BackoffManager suppresses a repeatedly failing operation for exponentially
// growing windows, and escalates to a permanent failure when the operation
// keeps failing. It is time-based: after a failure the operation is skipped
// until the computed retry moment has passed.
type BackoffManager struct {
	config Config

	exp *expbackoff.ExponentialBackOff

	mu                  sync.Mutex
	lastError           error
	consecutiveFailures int
	nextRetryAt         time.Time
	permanentlyFailed   bool
}

// NewBackoffManager creates a BackoffManager from the given config.
func NewBackoffManager(config Config) *BackoffManager {
	exp := expbackoff.NewExponentialBackOff()
	exp.InitialInterval = config.InitialInterval
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = config.MaxInterval
	exp.MaxElapsedTime = 0 // retry windows never expire on their own
	exp.Reset()

	return &BackoffManager{
		config: config,
		exp:    exp,
	}
}

// SetError records a failed attempt. It schedules the next allowed retry and
// escalates to permanent failure once MaxConsecutiveFailures is reached.
// Error categories short-circuit the count: an ignored error leaves all state
// untouched, a permanent one escalates immediately. Uncategorized errors
// count as transient.
func (m *BackoffManager) SetError(err error) {
	err = CategorizeError(err)

	if IsIgnoredError(err) {
		if m.config.Logger != nil {
			m.config.Logger.Debugf("%s failed with an expected error, not backing off: %v",
				m.config.Name, err)
		}

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err
	m.consecutiveFailures++

	if IsPermanentError(err) {
		if !m.permanentlyFailed && m.config.Logger != nil {
			m.config.Logger.Errorf("%s failed with an unrecoverable error, giving up: %v",
				m.config.Name, err)
		}
		m.permanentlyFailed = true

		return
	}

	if m.consecutiveFailures >= m.config.MaxConsecutiveFailures {
		if !m.permanentlyFailed && m.config.Logger != nil {
			m.config.Logger.Errorf("%s failed %d times in a row, giving up: %v",
				m.config.Name, m.consecutiveFailures, err)
		}
		m.permanentlyFailed = true

		return
	}

	delay := m.exp.NextBackOff()
	m.nextRetryAt = time.Now().Add(delay)

	if m.config.Logger != nil {
		m.config.Logger.Warnf("%s failed (attempt %d), next retry in %s: %v",
			m.config.Name, m.consecutiveFailures, delay, err)
	}
}

// ShouldSkipOperation reports whether the operation is currently suppressed,
// either because the backoff window has not elapsed or because the operation
// has permanently failed.
func (m *BackoffManager) ShouldSkipOperation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentlyFailed {
		return true
	}

	return time.Now().Before(m.nextRetryAt)
}

// GetBackoffError returns the error a skipped operation should surface:
// a permanent failure once escalated, otherwise a temporary backoff error
// naming the remaining wait.
func (m *BackoffManager) GetBackoffError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentlyFailed {
		return fmt.Errorf("%s: %s after %d consecutive failures: %w",
			PermanentFailureError, m.config.Name, m.consecutiveFailures, m.lastError)
	}

	return fmt.Errorf("%s: %s suppressed for another %s",
		TemporaryBackoffError, m.config.Name, time.Until(m.nextRetryAt).Round(time.Millisecond))
}

// IsPermanentlyFailed returns true once the failure threshold has been reached.
func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.permanentlyFailed
}

// GetLastError returns the error recorded by the most recent SetError call.
func (m *BackoffManager) GetLastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastError
}

// Reset clears all failure state. The next attempt runs immediately and the
// delay sequence starts over.
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.consecutiveFailures = 0
	m.nextRetryAt = time.Time{}
	m.permanentlyFailed = false
	m.exp.Reset()
}

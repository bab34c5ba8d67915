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

	expbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// reconnectController schedules reconnect attempts after link loss with
// exponentially growing delays, doubling from the base delay up to the cap.
// A confirmed reconnection (peers visible again) or a manual reconnect
// resets the curve. At most one attempt is pending at a time: a failed
// attempt surfaces as another link-down observation, which schedules the
// next one.
type reconnectController struct {
	logger *zap.SugaredLogger
	// dial runs one transport reconnect attempt. Blocking, called from the
	// controller's own goroutines.
	dial func(trigger string)

	exp      *expbackoff.ExponentialBackOff
	attempts int
	timer    *time.Timer
	stopped  bool
	mu       sync.Mutex
}

func newReconnectController(base, max time.Duration, dial func(trigger string), logger *zap.SugaredLogger) *reconnectController {
	exp := expbackoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0 // the curve never expires, it only resets
	exp.Reset()

	return &reconnectController{
		logger: logger,
		dial:   dial,
		exp:    exp,
	}
}

// onDisconnect schedules the next reconnect attempt. Observations while an
// attempt is already pending are dropped.
func (c *reconnectController) onDisconnect() {
	c.mu.Lock()

	if c.stopped || c.timer != nil {
		c.mu.Unlock()

		return
	}

	delay := c.exp.NextBackOff()
	attempt := c.attempts + 1
	c.timer = time.AfterFunc(delay, c.runScheduled)

	c.mu.Unlock()

	c.logger.Infof("Link down, reconnect attempt %d in %s", attempt, delay)
}

func (c *reconnectController) runScheduled() {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return
	}
	c.timer = nil
	c.attempts++

	c.mu.Unlock()

	c.dial("backoff")
}

// success returns the controller to idle: any pending attempt is cancelled
// and the delay curve starts over.
func (c *reconnectController) success() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = 0
	c.exp.Reset()
}

// manual cancels any pending attempt, resets the curve and fires an attempt
// right away without blocking the caller.
func (c *reconnectController) manual(trigger string) {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = 0
	c.exp.Reset()

	c.mu.Unlock()

	go c.dial(trigger)
}

func (c *reconnectController) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// attemptCount reports how many attempts have started since the last reset.
func (c *reconnectController) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.attempts
}

// pending reports whether an attempt is currently scheduled.
func (c *reconnectController) pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timer != nil
}

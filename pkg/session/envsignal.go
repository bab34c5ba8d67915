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
)

// EnvSignals feeds host environment events into the session. Loss events
// (offline, hidden, blur) are observation only and never tear anything
// down; recovery events trigger reconnects. How the host sources these is
// its business, the session only sees the callbacks.
type EnvSignals struct {
	session *Session

	offline     bool
	hidden      bool
	unfocusedAt time.Time
	mu          sync.Mutex
}

// NotifyOnline reports a network connectivity change. Going online
// reconnects and resets the backoff curve, going offline is recorded only.
func (e *EnvSignals) NotifyOnline(online bool) {
	e.mu.Lock()
	e.offline = !online
	e.mu.Unlock()

	if !online {
		e.session.logger.Debugf("Network offline observed")

		return
	}
	e.session.logger.Infof("Network online, reconnecting")
	e.session.manualReconnect("online")
}

// NotifyVisibility reports the application's visibility. Becoming visible
// after having been hidden reconnects and schedules one extra health probe
// shortly after, to catch connections that died silently while hidden.
func (e *EnvSignals) NotifyVisibility(visible bool) {
	e.mu.Lock()
	if !visible {
		e.hidden = true
		e.mu.Unlock()

		return
	}
	wasHidden := e.hidden
	e.hidden = false
	e.mu.Unlock()

	if !wasHidden {
		return
	}
	e.session.logger.Infof("Application visible again, reconnecting")
	e.session.kickReconnect("visibility")
	e.session.health.extraCheckAfter(e.session.timings.VisibilityExtraCheckDelay)
}

// NotifyFocus reports window focus. Regaining focus reconnects only when
// the window was unfocused for at least the dwell threshold; brief
// alt-tab flaps stay ignored to avoid reconnect storms.
func (e *EnvSignals) NotifyFocus(focused bool) {
	e.mu.Lock()
	if !focused {
		if e.unfocusedAt.IsZero() {
			e.unfocusedAt = time.Now()
		}
		e.mu.Unlock()

		return
	}
	var dwell time.Duration
	if !e.unfocusedAt.IsZero() {
		dwell = time.Since(e.unfocusedAt)
		e.unfocusedAt = time.Time{}
	}
	e.mu.Unlock()

	if dwell < e.session.timings.FocusDwellThreshold {
		return
	}
	e.session.logger.Infof("Focus regained after %s, reconnecting", dwell.Round(time.Millisecond))
	e.session.kickReconnect("focus")
}

// NotifyRestored reports that the application was restored from a frozen or
// suspended state. Always reconnects: whatever link existed before the
// freeze is not to be trusted. Must not be called on an ordinary start.
func (e *EnvSignals) NotifyRestored() {
	e.session.logger.Infof("Restored from suspension, reconnecting")
	e.session.manualReconnect("restored")
}

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

package awareness

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"go.uber.org/zap"
)

// ColorAssigner gives the local participant a palette color and keeps it
// conflict-free. Every awareness change schedules a debounced re-check; when
// two participants hold the same color, the one with the smaller id re-picks.
// The ordering is derived from participant ids alone, so all replicas resolve
// the conflict identically without coordinating.
type ColorAssigner struct {
	aw          *Awareness
	timer       *time.Timer
	unsubscribe func()
	log         *zap.SugaredLogger
	debounce    time.Duration
	stopped     bool
	mu          sync.Mutex
}

// NewColorAssigner creates an assigner with the default debounce.
func NewColorAssigner(aw *Awareness) *ColorAssigner {
	return NewColorAssignerWithDebounce(aw, constants.ColorRepickDebounce)
}

// NewColorAssignerWithDebounce creates an assigner with a custom debounce.
// Useful for tests that cannot wait out the production debounce.
func NewColorAssignerWithDebounce(aw *Awareness, debounce time.Duration) *ColorAssigner {
	c := &ColorAssigner{
		aw:       aw,
		debounce: debounce,
		log:      logger.For(logger.ComponentAwareness),
	}

	c.unsubscribe = aw.OnChange(func(Change) {
		c.schedule()
	})

	return c
}

// Join publishes the local participant's initial presence with the first
// color not visibly in use.
func (c *ColorAssigner) Join(displayName string) {
	color := PickColor(c.colorsInUse(), c.aw.LocalID())

	c.aw.SetLocalState(State{
		Identity: Identity{
			DisplayName: displayName,
			ColorToken:  color,
		},
	})
}

// Stop cancels any pending re-check and detaches from the awareness. The
// assigner stays silent after.
func (c *ColorAssigner) Stop() {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return
	}

	c.stopped = true

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	unsubscribe := c.unsubscribe
	c.unsubscribe = nil

	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// schedule arms the debounced conflict re-check. A burst of awareness changes
// collapses into a single re-check.
func (c *ColorAssigner) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if c.timer != nil {
		c.timer.Stop()
	}

	c.timer = time.AfterFunc(c.debounce, c.recheck)
}

// recheck resolves color conflicts. For any conflicting pair exactly the
// smaller participant id moves, so the system converges.
func (c *ColorAssigner) recheck() {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return
	}

	c.timer = nil

	c.mu.Unlock()

	local, ok := c.aw.LocalState()
	if !ok || local.Identity.ColorToken == "" {
		return
	}

	myColor := local.Identity.ColorToken
	localID := c.aw.LocalID()

	yield := false

	for id, state := range c.aw.Others() {
		if state.Identity.ColorToken == myColor && localID < id {
			yield = true

			break
		}
	}

	if !yield {
		return
	}

	newColor := PickColor(c.colorsInUse(), localID)
	if newColor == myColor {
		// Palette exhausted and the hash fallback landed on the same color,
		// nothing better to switch to
		return
	}

	c.log.Debugf("color %s conflicts, repicking %s", myColor, newColor)

	local.Identity.ColorToken = newColor
	c.aw.SetLocalState(local)
}

// colorsInUse derives the set of colors held by visible remote participants.
// Derived per call, never cached: sessions must not share assignment state.
func (c *ColorAssigner) colorsInUse() map[string]bool {
	inUse := make(map[string]bool)

	for _, state := range c.aw.Others() {
		if state.Identity.ColorToken != "" {
			inUse[state.Identity.ColorToken] = true
		}
	}

	return inUse
}

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

package watchdog

import (
	"github.com/google/uuid"
)

// RestartFunc is invoked when a heartbeat goes stale before the watchdog
// escalates to a panic. Returning nil counts as a successful recovery and
// resets the heartbeat; returning an error escalates.
type RestartFunc func() error

type Iface interface {
	Start()
	RegisterHeartbeat(name string, warningsUntilFailure uint64, timeout uint64, onlyIfObservers bool) uuid.UUID
	RegisterHeartbeatWithRestart(name string, warningsUntilFailure uint64, timeout uint64, onlyIfObservers bool, restart RestartFunc) uuid.UUID
	UnregisterHeartbeat(uniqueIdentifier uuid.UUID)
	ReportHeartbeatStatus(uniqueIdentifier uuid.UUID, status HeartbeatStatus)
	SetHasObservers(has bool)
}

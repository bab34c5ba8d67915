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

package constants

import "time"

const (
	// FallbackAfterDefault is how long the primary transport gets to produce
	// evidence of another participant before the session swaps to the fallback
	// transport. Link-layer connectivity alone does not count, only peer
	// visibility does.
	FallbackAfterDefault = time.Second * 10

	// ReconnectBaseDelay is the first reconnection delay. Subsequent delays
	// double per attempt up to ReconnectMaxDelay.
	ReconnectBaseDelay = time.Second * 1

	// ReconnectMaxDelay caps the exponential reconnection delay.
	ReconnectMaxDelay = time.Second * 30

	// HealthCheckInterval is the period of the zombie-connection probe while
	// the session believes it is connected.
	HealthCheckInterval = time.Second * 60

	// HealthCheckFailureThreshold is the number of consecutive zero-peer
	// probes after which the connection is declared a zombie and a transport
	// reconnect is forced.
	HealthCheckFailureThreshold = 3

	// VisibilityExtraCheckDelay is the delay for the additional one-shot
	// health probe scheduled after the application becomes visible again.
	VisibilityExtraCheckDelay = time.Second * 3

	// FocusDwellThreshold is the minimum time the application must have been
	// unfocused before a regained focus triggers a reconnect. Brief focus
	// flaps (alt-tabbing) stay ignored.
	FocusDwellThreshold = time.Second * 5
)

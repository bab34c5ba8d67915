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
	// ColorRepickDebounce is how long color-conflict resolution waits after an
	// awareness change before re-checking. A join burst settles into one
	// re-pick instead of one per remote update.
	ColorRepickDebounce = time.Millisecond * 100

	// PresenceTTL is how long a remote presence record survives without a
	// refresh before it is culled. Remote peers republish their state well
	// within this window.
	PresenceTTL = time.Second * 30
)

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
	// ConfigGetConfigTimeout defines the maximum time allowed for a single
	// config read from disk. Config reads happen at startup and around atomic
	// updates, never on the session hot path.
	ConfigGetConfigTimeout = time.Second * 5

	// AmountReadersForConfigFile defines the amount of readers that can read the config file at the same time
	// It is more a safety net to prevent a single reader from blocking the config file
	// The actual number does not really matter, it should be "high enough"
	AmountReadersForConfigFile = 100

	// ConfigParseMinimumTime is the floor a context deadline must leave for a
	// config read and YAML parse to be worth starting at all.
	ConfigParseMinimumTime = time.Millisecond * 100
)

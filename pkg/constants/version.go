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

const (
	// DefaultAppVersion is the fallback build version used when the binary is
	// not built with proper version ldflags. Sentry reporting stays disabled
	// for this version.
	DefaultAppVersion = "0.0.0-dev"

	// DefaultDevelopmentEnvironment is the Sentry environment for prerelease
	// builds.
	DefaultDevelopmentEnvironment = "development"

	// DefaultProductionEnvironment is the Sentry environment for release
	// builds.
	DefaultProductionEnvironment = "production"

	// ProtocolVersion is the wire protocol version stamped on every frame.
	// Frames with a different major version are dropped on read.
	ProtocolVersion = "1.0.0"
)

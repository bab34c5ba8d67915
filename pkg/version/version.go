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

// Package version carries the build version injected at link time.
package version

import "github.com/united-manufacturing-hub/gridsync/pkg/constants"

// appVersion is set by the release build:
//
//	-ldflags "-X github.com/united-manufacturing-hub/gridsync/pkg/version.appVersion=vX.Y.Z"
var appVersion string

// GetAppVersion returns the build version, or the development fallback for
// binaries built without ldflags.
func GetAppVersion() string {
	if appVersion == "" {
		return constants.DefaultAppVersion
	}

	return appVersion
}

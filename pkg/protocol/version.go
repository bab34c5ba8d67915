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

package protocol

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
)

// ownVersion is parsed once at startup; ProtocolVersion is a compile-time
// constant, a parse failure here is a programming error.
var ownVersion = semver.MustParse(constants.ProtocolVersion)

// CheckCompatibility compares a peer's protocol version against our own.
// Only the major version matters: minors and patches add fields, majors
// change meanings.
func CheckCompatibility(version string) error {
	peer, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q: %s", ErrIncompatibleVersion, version, err)
	}

	if peer.Major() != ownVersion.Major() {
		return fmt.Errorf("%w: peer speaks %s, this build speaks %s", ErrIncompatibleVersion, version, constants.ProtocolVersion)
	}

	return nil
}

// Compatible reports whether a peer's protocol version can be interpreted
// by this build.
func Compatible(version string) bool {
	return CheckCompatibility(version) == nil
}

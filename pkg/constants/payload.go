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
	// PayloadMapName is the persistent document map that carries shared
	// session data. Both the key and the map name are fixed so every replica
	// looks in the same place.
	PayloadMapName = "gridsync"

	// PayloadKey is the well-known key under which the shared grid payload is
	// stored inside PayloadMapName.
	PayloadKey = "gridsync:payload"

	// PayloadCompressionThreshold is the encoded size in bytes above which
	// the payload blob is zstd-compressed before being written into the
	// document.
	PayloadCompressionThreshold = 1024
)

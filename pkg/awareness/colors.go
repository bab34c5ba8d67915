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
	"github.com/cespare/xxhash/v2"
)

// palette is the fixed set of participant colors. Order matters: assignment
// always takes the first free entry, so early joiners get stable colors.
var palette = [...]string{
	"#F44336", // red
	"#2196F3", // blue
	"#4CAF50", // green
	"#FF9800", // orange
	"#9C27B0", // purple
	"#00BCD4", // cyan
	"#E91E63", // pink
	"#795548", // brown
}

// Palette returns a copy of the color palette.
func Palette() []string {
	colors := make([]string, len(palette))
	copy(colors, palette[:])

	return colors
}

// PaletteSize returns the number of distinct colors available before the
// hash fallback kicks in.
func PaletteSize() int {
	return len(palette)
}

// PickColor returns the first palette color not currently in use. When the
// palette is exhausted it falls back to hashing the participant id, which is
// deterministic across replicas but no longer unique.
func PickColor(inUse map[string]bool, participantID string) string {
	for _, color := range palette {
		if !inUse[color] {
			return color
		}
	}

	return palette[xxhash.Sum64String(participantID)%uint64(len(palette))]
}

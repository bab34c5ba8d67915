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

package crdt

import (
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
)

// Update is the wire form of a document mutation: a batch of stamped map
// writes. Applying the same update twice, or applying updates in any order,
// converges to the same state because every entry carries its own stamp.
type Update struct {
	NodeID  string        `json:"node_id"`
	Entries []UpdateEntry `json:"entries"`
}

// UpdateEntry is one stamped write to a named map.
type UpdateEntry struct {
	Map       string `json:"map"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp uint64 `json:"ts"`
	NodeID    string `json:"node"`
}

// newerThan implements the last-write-wins ordering: higher timestamp wins,
// equal timestamps fall back to the lexicographically larger node id so every
// replica picks the same winner.
func (e UpdateEntry) newerThan(other UpdateEntry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}

	return e.NodeID > other.NodeID
}

// EncodeUpdate serializes an update for transport or storage.
func EncodeUpdate(u Update) ([]byte, error) {
	return safejson.Marshal(u)
}

// DecodeUpdate parses an update produced by EncodeUpdate.
func DecodeUpdate(raw []byte) (Update, error) {
	var u Update

	err := safejson.Unmarshal(raw, &u)

	return u, err
}

// CompactUpdates folds a sequence of updates into a single equivalent update.
// Per (map, key) only the winning write survives. Relays use this to hand
// late joiners one snapshot instead of replaying a long backlog.
func CompactUpdates(updates [][]byte) ([]byte, error) {
	winners := make(map[string]UpdateEntry)

	for _, raw := range updates {
		u, err := DecodeUpdate(raw)
		if err != nil {
			return nil, err
		}

		for _, entry := range u.Entries {
			compound := entry.Map + "\x00" + entry.Key
			if current, ok := winners[compound]; !ok || entry.newerThan(current) {
				winners[compound] = entry
			}
		}
	}

	compacted := Update{Entries: make([]UpdateEntry, 0, len(winners))}
	for _, entry := range winners {
		compacted.Entries = append(compacted.Entries, entry)
	}

	return EncodeUpdate(compacted)
}

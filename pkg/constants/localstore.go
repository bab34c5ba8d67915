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
	// DefaultLocalStoreFilename is the database file created inside the
	// agent's data directory.
	DefaultLocalStoreFilename = "gridsync.db"

	// LocalStoreFileMode is the permission mode of the database file.
	LocalStoreFileMode = 0o600

	// LocalStoreOpenTimeout bounds the wait for the database file lock.
	// A second process holding the store fails fast instead of hanging.
	LocalStoreOpenTimeout = time.Second * 1

	// LocalStoreCompactThreshold is the number of incremental updates in a
	// room's log above which the log is folded into a single state snapshot.
	// Compaction runs at load and at close, never during live writes.
	LocalStoreCompactThreshold = 64

	// LocalStoreWriteQueueSize is the buffered queue between the document's
	// update callback and the database writer goroutine. Document mutations
	// never wait on fsync unless this many writes are already pending.
	LocalStoreWriteQueueSize = 1024
)

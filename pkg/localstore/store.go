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

// Package localstore persists the replicated document across process
// restarts. Each room owns a nested bucket holding a compacted state
// snapshot plus a log of incremental updates appended as they are applied
// to the document. Loading replays snapshot and log into a fresh document;
// the log is folded back into the snapshot when it grows past the
// compaction threshold and on every clean close.
//
// A session must not attach a transport before Ready() is closed, otherwise
// remote updates would race the local history load.
package localstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/filesystem"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
)

var (
	bucketRooms = []byte("rooms")
	bucketLog   = []byte("log")
	keyState    = []byte("state")
)

// Config describes where and what to persist.
type Config struct {
	// DataDir is the directory holding the database file. Created if absent.
	DataDir string
	// Room selects the bucket inside the database file. Required.
	Room string
	// NodeID fixes the document's replica id. Empty picks a random one.
	NodeID string
	// FileSystem is the service used for directory and stat calls.
	// Nil uses the default implementation.
	FileSystem filesystem.Service
}

// Store is a bbolt-backed local store satisfying the session's store
// boundary: Ready() closes once persisted state is loaded, Doc() is the
// replicated document the transports attach to.
type Store struct {
	room   string
	doc    *crdt.Doc
	db     *bolt.DB
	logger *zap.SugaredLogger

	ready       chan struct{}
	pending     chan []byte
	done        chan struct{}
	writerDone  chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error
}

// Open opens (or creates) the database file under cfg.DataDir, loads the
// room's persisted state into a fresh document and starts the background
// writer. Ready() is already closed when Open returns without error.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Room == "" {
		return nil, errors.New("localstore: room must not be empty")
	}

	log := logger.For(logger.ComponentLocalStore)

	fsService := cfg.FileSystem
	if fsService == nil {
		fsService = filesystem.NewDefaultService()
	}

	if err := fsService.EnsureDirectory(ctx, cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to ensure data directory %s: %w", cfg.DataDir, err)
	}

	path := filepath.Join(cfg.DataDir, constants.DefaultLocalStoreFilename)

	exists, err := fsService.PathExists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to check store file %s: %w", path, err)
	}
	if exists {
		if info, statErr := fsService.Stat(ctx, path); statErr == nil {
			log.Infof("Opening existing store %s (%d bytes)", path, info.Size())
		}
	} else {
		log.Infof("Creating new store %s", path)
	}

	db, err := bolt.Open(path, constants.LocalStoreFileMode, &bolt.Options{
		Timeout: constants.LocalStoreOpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	doc := crdt.NewDoc()
	if cfg.NodeID != "" {
		doc = crdt.NewDocWithNodeID(cfg.NodeID)
	}

	s := &Store{
		room:       cfg.Room,
		doc:        doc,
		db:         db,
		logger:     log,
		ready:      make(chan struct{}),
		pending:    make(chan []byte, constants.LocalStoreWriteQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	metrics.InitErrorCounter(metrics.ComponentLocalStore, cfg.Room)

	start := time.Now()
	if err := s.load(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to load room %s: %w", cfg.Room, err)
	}
	metrics.ObserveOperationTime(metrics.ComponentLocalStore, "load", time.Since(start))

	close(s.ready)

	// The store passes itself as origin when replaying persisted updates,
	// so the persistence handler must skip that origin or every load would
	// rewrite the log it just read.
	s.unsubscribe = doc.OnUpdate(func(update []byte, origin any) {
		if origin == s {
			return
		}
		select {
		case s.pending <- update:
		case <-s.done:
		}
	})

	go s.writer()

	return s, nil
}

// Ready is closed once persisted state has been loaded into the document.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Doc returns the replicated document. The store owns the document for its
// whole lifetime; transports attach to it, never replace it.
func (s *Store) Doc() *crdt.Doc {
	return s.doc
}

// Room returns the room this store persists.
func (s *Store) Room() string {
	return s.room
}

// Close stops the writer, folds the log into a final state snapshot and
// closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.done)
		<-s.writerDone
		s.closeErr = s.db.Close()
	})

	return s.closeErr
}

// load replays the room's snapshot and update log into the document and
// compacts the log when it has grown past the threshold.
func (s *Store) load() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rooms, err := tx.CreateBucketIfNotExists(bucketRooms)
		if err != nil {
			return err
		}
		room, err := rooms.CreateBucketIfNotExists([]byte(s.room))
		if err != nil {
			return err
		}
		log, err := room.CreateBucketIfNotExists(bucketLog)
		if err != nil {
			return err
		}

		if state := room.Get(keyState); state != nil {
			if err := s.doc.ApplyUpdate(state, s); err != nil {
				return fmt.Errorf("corrupt state snapshot: %w", err)
			}
		}

		entries := 0
		err = log.ForEach(func(_, v []byte) error {
			entries++
			if err := s.doc.ApplyUpdate(v, s); err != nil {
				// A torn write at the tail must not lose the rest of the
				// history. Skip the entry, compaction rewrites the log.
				s.logger.Warnf("Skipping undecodable update in room %s: %v", s.room, err)
				metrics.IncErrorCount(metrics.ComponentLocalStore, s.room)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if entries >= constants.LocalStoreCompactThreshold {
			s.logger.Infof("Compacting room %s (%d logged updates)", s.room, entries)

			return s.compactLocked(room)
		}

		return nil
	})
}

// writer drains the pending queue into the update log. On shutdown it
// flushes the queue and folds everything into a final snapshot.
func (s *Store) writer() {
	defer close(s.writerDone)

	for {
		select {
		case update := <-s.pending:
			s.append(update)
		case <-s.done:
			for {
				select {
				case update := <-s.pending:
					s.append(update)
				default:
					start := time.Now()
					if err := s.compact(); err != nil {
						s.logger.Errorf("Final compaction of room %s failed: %v", s.room, err)
						metrics.IncErrorCount(metrics.ComponentLocalStore, s.room)
					}
					metrics.ObserveOperationTime(metrics.ComponentLocalStore, "compact", time.Since(start))

					return
				}
			}
		}
	}
}

func (s *Store) append(update []byte) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		log, err := s.logBucket(tx)
		if err != nil {
			return err
		}
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}

		return log.Put(itob(seq), update)
	})
	if err != nil {
		s.logger.Errorf("Failed to persist update for room %s: %v", s.room, err)
		metrics.IncErrorCount(metrics.ComponentLocalStore, s.room)
	}
}

// compact replaces snapshot plus log with a single snapshot of the current
// document state.
func (s *Store) compact() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rooms := tx.Bucket(bucketRooms)
		if rooms == nil {
			return nil
		}
		room := rooms.Bucket([]byte(s.room))
		if room == nil {
			return nil
		}

		return s.compactLocked(room)
	})
}

// compactLocked rewrites the room bucket inside an already-open write
// transaction.
func (s *Store) compactLocked(room *bolt.Bucket) error {
	if err := room.Put(keyState, s.doc.EncodeState()); err != nil {
		return err
	}
	if err := room.DeleteBucket(bucketLog); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	_, err := room.CreateBucketIfNotExists(bucketLog)

	return err
}

func (s *Store) logBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	rooms, err := tx.CreateBucketIfNotExists(bucketRooms)
	if err != nil {
		return nil, err
	}
	room, err := rooms.CreateBucketIfNotExists([]byte(s.room))
	if err != nil {
		return nil, err
	}

	return room.CreateBucketIfNotExists(bucketLog)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

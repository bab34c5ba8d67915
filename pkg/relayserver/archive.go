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

package relayserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/ctxutil"
)

// archive persists compacted room snapshots in postgres so room history
// survives relay restarts. One row per room, last snapshot wins.
type archive struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room       TEXT PRIMARY KEY,
	state      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func newArchive(ctx context.Context, url string, log *zap.SugaredLogger) (*archive, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}
	log.Info("Relay archive connected to postgres")
	return &archive{pool: pool, logger: log}, nil
}

func (a *archive) save(ctx context.Context, room string, state []byte) error {
	if _, sufficient, err := ctxutil.HasSufficientTime(ctx, 100*time.Millisecond); err == nil && !sufficient {
		return fmt.Errorf("not enough time left to archive room %s", room)
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO room_snapshots (room, state, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (room) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		room, state)
	return err
}

func (a *archive) load(ctx context.Context, room string) ([]byte, error) {
	var state []byte
	err := a.pool.QueryRow(ctx, `SELECT state FROM room_snapshots WHERE room = $1`, room).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (a *archive) close() {
	a.pool.Close()
}

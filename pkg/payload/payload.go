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

// Package payload stores the session's bulk grid content inside the shared
// document itself, under a single well-known key. A participant who owns the
// content writes it once; every peer receives it through ordinary document
// replication, so late joiners need no separate fetch step. Observe tells a
// joiner that content has arrived without polling.
package payload

import (
	"fmt"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/encoding"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
)

// Cell is one grid cell in the flattened payload. Row and Col are explicit on
// every cell because the document only replicates flat key/value shapes; the
// two-dimensional layout is reconstructed from these stamps on read.
type Cell struct {
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Value string `json:"value,omitempty"`
	Label string `json:"label,omitempty"`
	Block bool   `json:"block,omitempty"`
}

// Grid is the shared bulk payload of a session: the grid dimensions plus a
// linear, row/col-stamped cell sequence.
type Grid struct {
	Title string `json:"title,omitempty"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	Cells []Cell `json:"cells"`
}

// FromRows flattens a two-dimensional value table into a Grid, stamping every
// cell with its row and column. Ragged input is rejected.
func FromRows(title string, rows [][]string) (*Grid, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("payload grid needs at least one row")
	}

	cols := len(rows[0])
	if cols == 0 {
		return nil, fmt.Errorf("payload grid needs at least one column")
	}

	grid := &Grid{
		Title: title,
		Rows:  len(rows),
		Cols:  cols,
		Cells: make([]Cell, 0, len(rows)*cols),
	}

	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("payload grid row %d has %d columns, expected %d", r, len(row), cols)
		}

		for c, value := range row {
			grid.Cells = append(grid.Cells, Cell{Row: r, Col: c, Value: value})
		}
	}

	return grid, nil
}

// CellAt returns the cell stamped (row, col), or false when the grid carries
// no such cell.
func (g *Grid) CellAt(row, col int) (Cell, bool) {
	for _, cell := range g.Cells {
		if cell.Row == row && cell.Col == col {
			return cell, true
		}
	}

	return Cell{}, false
}

func (g *Grid) validate() error {
	if g == nil {
		return fmt.Errorf("payload grid must not be nil")
	}

	if g.Rows <= 0 || g.Cols <= 0 {
		return fmt.Errorf("payload grid dimensions %dx%d are not positive", g.Rows, g.Cols)
	}

	for i, cell := range g.Cells {
		if cell.Row < 0 || cell.Row >= g.Rows || cell.Col < 0 || cell.Col >= g.Cols {
			return fmt.Errorf("payload cell %d stamped (%d,%d) is outside the %dx%d grid",
				i, cell.Row, cell.Col, g.Rows, g.Cols)
		}
	}

	return nil
}

// Set serializes the grid and writes it under the well-known payload key.
// The write replicates to every peer like any other document update.
func Set(doc *crdt.Doc, grid *Grid) error {
	if doc == nil {
		return fmt.Errorf("payload target document must not be nil")
	}

	if err := grid.validate(); err != nil {
		return err
	}

	blob, err := encoding.EncodeBlob(grid)
	if err != nil {
		return fmt.Errorf("failed to encode payload grid: %w", err)
	}

	doc.Map(constants.PayloadMapName).Set(constants.PayloadKey, blob)

	return nil
}

// Get reads the payload back out of the document. It returns (nil, nil) when
// no payload has been written yet, so callers can distinguish "absent" from
// "corrupt".
func Get(doc *crdt.Doc) (*Grid, error) {
	if doc == nil {
		return nil, fmt.Errorf("payload source document must not be nil")
	}

	blob, ok := doc.Map(constants.PayloadMapName).Get(constants.PayloadKey)
	if !ok {
		return nil, nil
	}

	var grid Grid
	if err := encoding.DecodeBlob(blob, &grid); err != nil {
		return nil, fmt.Errorf("failed to decode payload grid: %w", err)
	}

	return &grid, nil
}

// Observe invokes callback with the decoded grid every time the payload key
// changes, including the first time it appears after replication from a peer.
// Undecodable writes are logged and skipped. The returned function cancels
// the observation.
func Observe(doc *crdt.Doc, callback func(*Grid)) func() {
	log := logger.For(logger.ComponentPayload)

	return doc.Map(constants.PayloadMapName).Subscribe(func(key, value string) {
		if key != constants.PayloadKey {
			return
		}

		var grid Grid
		if err := encoding.DecodeBlob(value, &grid); err != nil {
			log.Warnf("Ignoring undecodable payload update: %s", err)

			return
		}

		callback(&grid)
	})
}

// Copyright (C) 2023 Cedrus DB, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package build wires the index-build pipeline together: the parallel
// scan feeds per-thread row converters and sort buffers, overflowing
// buffers spill to temp files, per-thread files merge-sort to single
// runs, and a final N-way merge streams into the bottom-up B-tree
// loader. A small per-index state machine driven by a shared task
// queue sequences the phases.
package build

import (
	"github.com/rs/zerolog"

	"github.com/cedrusdb/cedrus/btree"
	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/mtr"
	"github.com/cedrusdb/cedrus/mvcc"
	"github.com/cedrusdb/cedrus/page"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
	"github.com/cedrusdb/cedrus/stage"
)

// VirtualColumns computes generated column values during the scan.
type VirtualColumns interface {
	// Compute returns the value of the virtual column col for the
	// given clustered row.
	Compute(col *schema.Column, row rec.Tuple) (rec.Field, error)
}

// FTSSink is the full-text tokenizer pipeline the builder hands
// documents to. The tokenizer itself lives in the host.
type FTSSink interface {
	// Enqueue hands one document (doc id plus text fields) to the
	// tokenizer workers.
	Enqueue(docID uint64, row rec.Tuple)
	// ScanFinished signals the end of the scan with its error.
	ScanFinished(err error) error
	// Insert builds the FTS auxiliary index trees.
	Insert() error
}

// DupReport renders a duplicate-key row back to the host, together
// with the index it collided on.
type DupReport func(idx *schema.Index, t rec.Tuple)

// Context is everything one table's index build shares: catalog
// descriptors, collaborators, knobs, and the logger.
type Context struct {
	Cfg   Config
	Pool  *bufpool.Pool
	Table *schema.Table
	// Source is the clustered index scanned for rows.
	Source *schema.Index
	// Targets are the indexes being built.
	Targets []*schema.Index

	TrxID    mvcc.TrxID
	View     *mvcc.View
	Versions mvcc.Versions

	Observer mtr.FlushObserver
	Throttle btree.Throttle
	Blob     btree.BlobStore
	Hint     page.ChangeBufferHint
	Virtual  VirtualColumns
	FTS      FTSSink

	DupReport DupReport
	// Log is the host message log; nil discards.
	Log   *zerolog.Logger
	Stage *stage.Alter
}

// logger returns the host log or a no-op one.
func (ctx *Context) logger() zerolog.Logger {
	if ctx.Log != nil {
		return *ctx.Log
	}
	return zerolog.Nop()
}

// needsSerialScan reports whether the scan must degrade to a single
// worker: virtual columns or FTS targets serialize the pipeline, and
// a clustered rebuild feeds the B-tree loader directly in scan order.
func (ctx *Context) needsSerialScan() bool {
	for _, idx := range ctx.Targets {
		if idx.IsFTS() || idx.IsClustered() {
			return true
		}
		for pos := range idx.Fields {
			if idx.Column(pos).Virtual {
				return true
			}
		}
	}
	return false
}

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

package build

import (
	"github.com/cedrusdb/cedrus/btree"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// BulkInserter loads rows the caller already holds in key order
// straight into a clustered index, bypassing scan and sort. LOAD-style
// ingest uses it; the same page and tree loaders do the work.
type BulkInserter struct {
	ctx   *Context
	index *schema.Index
	btl   *btree.Loader

	prev     rec.Tuple
	havePrev bool
	nRows    uint64
}

// NewBulkInserter prepares a bulk load into idx.
func NewBulkInserter(ctx *Context, idx *schema.Index) *BulkInserter {
	return &BulkInserter{
		ctx:   ctx,
		index: idx,
		btl: btree.NewLoader(idx, btree.Config{
			Pool:       ctx.Pool,
			Observer:   ctx.Observer,
			Hint:       ctx.Hint,
			Blob:       ctx.Blob,
			Throttle:   ctx.Throttle,
			FillFactor: ctx.Cfg.FillFactor,
		}),
	}
}

// Add appends one row. Rows must arrive in non-decreasing key order;
// a key equal to its predecessor fails the unique constraint.
func (bi *BulkInserter) Add(t rec.Tuple) error {
	if bi.havePrev {
		if rec.Compare(bi.index, bi.prev, t) > 0 {
			return dberr.DataNotSorted
		}
		if bi.index.Unique && rec.UniqueMatch(bi.index, bi.prev, t) {
			return dberr.DuplicateKey
		}
	}
	if err := bi.btl.Insert(t, 0); err != nil {
		return err
	}
	bi.prev = t.Clone()
	bi.havePrev = true
	bi.nRows++
	return nil
}

// NRows returns the rows added so far.
func (bi *BulkInserter) NRows() uint64 { return bi.nRows }

// Finish commits the tree (or rolls it back when err is non-nil) and
// flushes the observer on success.
func (bi *BulkInserter) Finish(err error) error {
	ferr := bi.btl.Finish(err)
	if ferr == nil && bi.ctx.Observer != nil {
		bi.ctx.Observer.Flush()
	}
	return ferr
}

// LoadSorted bulk-loads a sorted tuple slice into idx.
func LoadSorted(ctx *Context, idx *schema.Index, tuples []rec.Tuple) error {
	bi := NewBulkInserter(ctx, idx)
	for _, t := range tuples {
		if err := bi.Add(t); err != nil {
			bi.Finish(err)
			return err
		}
	}
	return bi.Finish(nil)
}

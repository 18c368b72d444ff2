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

package extsort

import (
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/heap"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// MergeCursor merges N sorted runs into one stream. Ordering ties
// break by reader id, lower id first, which preserves insertion order
// across equal keys; ties on the unique key prefix also feed the
// duplicate sink.
type MergeCursor struct {
	index   *schema.Index
	dup     *rec.Dup
	readers []*Reader
	h       *heap.Min[*Reader]
	popped  *Reader
	eof     bool
}

// NewMergeCursor creates an empty cursor; add runs with AddFile.
func NewMergeCursor(idx *schema.Index, dup *rec.Dup) *MergeCursor {
	c := &MergeCursor{index: idx, dup: dup}
	c.h = heap.New(8, func(a, b *Reader) bool {
		if c.dup != nil && c.dup.Empty() && rec.UniqueMatch(idx, a.Tuple(), b.Tuple()) {
			second := b
			if a.id > b.id {
				second = a
			}
			c.dup.ReportDup(second.Tuple())
		}
		cmp := rec.Compare(idx, a.Tuple(), b.Tuple())
		if cmp == 0 {
			return a.id < b.id
		}
		return cmp < 0
	})
	return c
}

// AddFile registers the run in [lo, hi) of file.
func (c *MergeCursor) AddFile(file *File, bufSize int, lo, hi int64) {
	c.readers = append(c.readers, NewReader(c.index, file, bufSize, lo, hi, len(c.readers)))
}

// Open primes every reader and builds the heap. Empty runs simply do
// not participate.
func (c *MergeCursor) Open() error {
	for _, r := range c.readers {
		if err := r.Prepare(); err == dberr.EndOfIndex {
			continue
		} else if err != nil {
			return err
		}
		if !r.EOF() {
			c.h.Push(r)
		}
	}
	c.eof = c.h.Len() == 0
	return nil
}

// Fetch returns the smallest current record. The record stays stable
// until Next; the owning reader is held out of the heap meanwhile.
func (c *MergeCursor) Fetch() (rec.Tuple, error) {
	if c.popped != nil {
		return c.popped.Tuple(), nil
	}
	if c.eof || c.h.Len() == 0 {
		c.eof = true
		return rec.Tuple{}, dberr.EndOfIndex
	}
	c.popped = c.h.Pop()
	return c.popped.Tuple(), nil
}

// Next advances the popped reader and reinserts it unless its run is
// done. dberr.EndOfIndex reports a fully drained merge.
func (c *MergeCursor) Next() error {
	if c.popped == nil {
		if _, err := c.Fetch(); err != nil {
			return err
		}
	}
	r := c.popped
	c.popped = nil
	if err := r.Next(); err == dberr.EndOfIndex {
		if c.h.Len() == 0 {
			c.eof = true
			return dberr.EndOfIndex
		}
		return nil
	} else if err != nil {
		return err
	}
	c.h.Push(r)
	return nil
}

// EOF reports whether the merge has drained.
func (c *MergeCursor) EOF() bool { return c.eof }

// ClearEOF rearms the cursor for the next merge pass after a partial
// drain; readers keep their positions.
func (c *MergeCursor) ClearEOF() { c.eof = false }

// NRows sums the records decoded across all readers.
func (c *MergeCursor) NRows() uint64 {
	var n uint64
	for _, r := range c.readers {
		n += r.NRows()
	}
	return n
}

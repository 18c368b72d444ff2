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

// Package scan reads a clustered index in parallel: the tree is
// range-partitioned one level above the leaves, each worker walks the
// leaf chain of its range under MVCC visibility, and rows flow to
// per-thread callbacks. The per-page callback may savepoint the
// cursor, do unbounded work, and restore it.
package scan

import (
	"sync"

	"github.com/cedrusdb/cedrus/btree"
	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/mvcc"
	"github.com/cedrusdb/cedrus/page"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// Row is one visible, non-deleted clustered row handed to the
// per-row callback. The tuple aliases the latched page; callbacks
// that keep it past the callback must deep-copy.
type Row struct {
	Tuple rec.Tuple
	TrxID mvcc.TrxID
}

// Callbacks receives the scan's per-thread lifecycle events.
type Callbacks interface {
	// Start runs on the worker before its first row.
	Start(threadID int) error
	// Row runs for every visible user record.
	Row(threadID int, row *Row) error
	// PageBoundary runs after each leaf page; the callback may
	// Savepoint/RestoreSavepoint the cursor around unbounded work.
	PageBoundary(threadID int, c *btree.ReadCursor) error
	// End runs when the worker stops, with its final error.
	End(threadID int, err error)
}

// Range is one worker's slice of the leaf level: leaf pages from
// FirstLeaf up to but excluding EndLeaf (NullPage = to the end).
type Range struct {
	FirstLeaf uint32
	EndLeaf   uint32
}

// Config tunes a scan.
type Config struct {
	// Workers caps the parallelism; partitioning may produce fewer
	// ranges.
	Workers int
	// InterruptPeriod is the row interval between interrupt polls.
	InterruptPeriod int
	// View filters row versions; nil scans everything committed.
	View *mvcc.View
	// Versions materializes older versions for invisible rows.
	Versions mvcc.Versions
	// Interrupt is the host's cancellation poll.
	Interrupt func() bool
	// ErrReg, when set, is consulted at every poll so one failing
	// worker stops the rest.
	ErrReg *dberr.Register
}

// DefaultInterruptPeriod matches the host's row-granularity
// cancellation check.
const DefaultInterruptPeriod = 25000

// Scanner drives a parallel scan of one clustered index.
type Scanner struct {
	pool  *bufpool.Pool
	index *schema.Index
	cfg   Config
}

// New creates a scanner.
func New(pool *bufpool.Pool, idx *schema.Index, cfg Config) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.InterruptPeriod <= 0 {
		cfg.InterruptPeriod = DefaultInterruptPeriod
	}
	return &Scanner{pool: pool, index: idx, cfg: cfg}
}

// Partition splits the tree into at most Workers leaf ranges. The
// tree is descended under SX latch; subtree roots are collected one
// level above the leaves, or at the leaves themselves when that
// level is too narrow.
func (s *Scanner) Partition() ([]Range, error) {
	rootNo := s.index.RootPage()
	if rootNo == schema.NullPage {
		return nil, dberr.Corruption
	}
	root, err := s.pool.Get(rootNo, bufpool.LatchSX)
	if err != nil {
		return nil, err
	}
	defer root.Unlock(bufpool.LatchSX)

	if page.Level(root.Frame()) == 0 {
		return []Range{{FirstLeaf: rootNo, EndLeaf: page.NullPage}}, nil
	}

	subtrees, err := s.collectLevel(root, 1)
	if err != nil {
		return nil, err
	}
	if len(subtrees) < s.cfg.Workers {
		// too few subtrees one level up; partition on the leaves
		if leaves, err := s.collectLevel(root, 0); err == nil && len(leaves) > len(subtrees) {
			subtrees = leaves
		}
	}

	groups := s.cfg.Workers
	if groups > len(subtrees) {
		groups = len(subtrees)
	}
	var ranges []Range
	per := (len(subtrees) + groups - 1) / groups
	for i := 0; i < len(subtrees); i += per {
		first, err := s.leftmostLeaf(subtrees[i])
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, Range{FirstLeaf: first, EndLeaf: page.NullPage})
		if n := len(ranges); n > 1 {
			ranges[n-2].EndLeaf = first
		}
	}
	return ranges, nil
}

// collectLevel walks the sibling chain at the given level and
// returns its page numbers in order.
func (s *Scanner) collectLevel(root *bufpool.Block, level int) ([]uint32, error) {
	b := root
	owned := false
	// descend to the leftmost page of the level
	for page.Level(b.Frame()) > level {
		first := page.First(b.Frame())
		if first == 0 {
			if owned {
				b.Unlock(bufpool.LatchS)
			}
			return nil, dberr.Corruption
		}
		child := rec.NodeChild(page.Tuple(s.index, b.Frame(), first))
		nb, err := s.pool.Get(child, bufpool.LatchS)
		if err != nil {
			if owned {
				b.Unlock(bufpool.LatchS)
			}
			return nil, err
		}
		if owned {
			b.Unlock(bufpool.LatchS)
		}
		b = nb
		owned = true
	}
	var pages []uint32
	for {
		pages = append(pages, b.PageNo())
		next := page.NextPage(b.Frame())
		if owned {
			b.Unlock(bufpool.LatchS)
		}
		if next == page.NullPage {
			return pages, nil
		}
		nb, err := s.pool.Get(next, bufpool.LatchS)
		if err != nil {
			return nil, err
		}
		b = nb
		owned = true
	}
}

// leftmostLeaf descends from a subtree root to its first leaf.
func (s *Scanner) leftmostLeaf(pageNo uint32) (uint32, error) {
	for {
		b, err := s.pool.Get(pageNo, bufpool.LatchS)
		if err != nil {
			return 0, err
		}
		frame := b.Frame()
		if page.Level(frame) == 0 {
			b.Unlock(bufpool.LatchS)
			return pageNo, nil
		}
		first := page.First(frame)
		if first == 0 {
			b.Unlock(bufpool.LatchS)
			return 0, dberr.Corruption
		}
		pageNo = rec.NodeChild(page.Tuple(s.index, frame, first))
		b.Unlock(bufpool.LatchS)
	}
}

// Scan partitions the tree and runs one worker goroutine per range.
// The first error any worker stores wins; all workers observe it at
// their next poll and unwind.
func (s *Scanner) Scan(cb Callbacks) error {
	ranges, err := s.Partition()
	if err != nil {
		return err
	}
	reg := s.cfg.ErrReg
	if reg == nil {
		reg = &dberr.Register{}
	}
	var wg sync.WaitGroup
	for tid := range ranges {
		wg.Add(1)
		go func(tid int, rg Range) {
			defer wg.Done()
			err := s.scanRange(tid, rg, cb)
			if derr, ok := err.(dberr.Err); ok {
				reg.Set(derr)
			} else if err != nil {
				reg.Set(dberr.Error)
			}
			cb.End(tid, err)
		}(tid, ranges[tid])
	}
	wg.Wait()
	if reg.Failed() {
		return reg.Get()
	}
	return nil
}

// scanRange walks one leaf range.
func (s *Scanner) scanRange(tid int, rg Range, cb Callbacks) error {
	if err := cb.Start(tid); err != nil {
		return err
	}
	c, err := btree.OpenLeaf(s.pool, s.index, rg.FirstLeaf)
	if err == dberr.EndOfIndex {
		return nil
	}
	if err != nil {
		return err
	}
	defer c.Close()

	reg := s.cfg.ErrReg
	rows := 0
	curPage := c.PageNo()
	for {
		if curPage == rg.EndLeaf {
			return nil
		}
		rows++
		if rows%s.cfg.InterruptPeriod == 0 {
			if s.cfg.Interrupt != nil && s.cfg.Interrupt() {
				return dberr.Interrupted
			}
			if reg != nil && reg.Failed() {
				return nil
			}
		}
		if row, visible := s.visibleRow(c); visible {
			if err := cb.Row(tid, &row); err != nil {
				return err
			}
		}
		prevPage := curPage
		err := c.Next()
		if err == dberr.EndOfIndex {
			return nil
		}
		if err != nil {
			return err
		}
		curPage = c.PageNo()
		if curPage != prevPage {
			if err := cb.PageBoundary(tid, c); err != nil {
				return err
			}
			// the callback may have moved the cursor
			curPage = c.PageNo()
		}
	}
}

// visibleRow applies delete marks and the MVCC read view to the
// cursor's current record.
func (s *Scanner) visibleRow(c *btree.ReadCursor) (Row, bool) {
	t := c.Tuple()
	deleted := page.Deleted(c.Block().Frame(), c.Origin())
	var trx mvcc.TrxID
	if pos := s.index.TrxIDPos; pos >= 0 && pos < len(t.Fields) {
		trx = mvcc.TrxID(rec.DecodeUint(t.Fields[pos].Data))
	}
	view := s.cfg.View
	if view != nil && !view.Sees(trx) {
		versions := s.cfg.Versions
		if versions == nil {
			versions = mvcc.NoVersions{}
		}
		prev, prevID, ok := versions.BuildForConsistentRead(view, t, trx)
		if !ok {
			return Row{}, false
		}
		return Row{Tuple: prev, TrxID: prevID}, true
	}
	if deleted {
		return Row{}, false
	}
	return Row{Tuple: t, TrxID: trx}, true
}

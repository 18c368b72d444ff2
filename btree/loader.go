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

// Package btree builds B-trees bottom-up from a non-decreasing key
// stream and reads them back. The loader keeps one in-progress page
// per level; committing a full page promotes its node pointer into
// the level above, growing the tree upward, and the last top-level
// page is copied into the catalog root at the end.
package btree

import (
	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/mtr"
	"github.com/cedrusdb/cedrus/page"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// Cursor is the record stream the loader consumes.
type Cursor interface {
	// Fetch returns the current tuple; dberr.EndOfIndex ends the
	// stream. The tuple stays valid until Next.
	Fetch() (rec.Tuple, error)
	// Next advances past the current tuple.
	Next() error
	// DuplicatesDetected reports whether the stream's duplicate
	// sink fired; the loader stops with a duplicate-key error.
	DuplicatesDetected() bool
}

// BlobStore externalizes oversized fields before a leaf insert.
type BlobStore interface {
	// StoreBigRec moves the Ext fields of t into external storage
	// and returns the tuple with in-record references in place.
	StoreBigRec(idx *schema.Index, t rec.Tuple) (rec.Tuple, error)
}

// Throttle is the host's log-free-check hook: when Required reports
// true after a leaf commit, the loader releases its leaf latch,
// calls Wait, and re-latches.
type Throttle interface {
	Required() bool
	Wait()
}

// Config carries the loader's collaborators and knobs.
type Config struct {
	Pool       *bufpool.Pool
	Observer   mtr.FlushObserver
	Hint       page.ChangeBufferHint
	Blob       BlobStore
	Throttle   Throttle
	FillFactor int
}

// Loader builds one index.
type Loader struct {
	cfg   Config
	index *schema.Index

	loaders   []*page.Loader
	rootLevel int
	nRecs     uint64
}

// NewLoader creates a B-tree loader for idx.
func NewLoader(idx *schema.Index, cfg Config) *Loader {
	if cfg.FillFactor == 0 {
		cfg.FillFactor = 100
	}
	return &Loader{cfg: cfg, index: idx}
}

// NRecs returns the number of leaf records inserted.
func (l *Loader) NRecs() uint64 { return l.nRecs }

// Build drains the cursor into the tree, then finishes.
func (l *Loader) Build(c Cursor) error {
	for {
		t, err := c.Fetch()
		if err == dberr.EndOfIndex {
			break
		}
		if err != nil {
			return l.Finish(err)
		}
		if err := l.Insert(t, 0); err != nil {
			return l.Finish(err)
		}
		if c.DuplicatesDetected() {
			return l.Finish(dberr.DuplicateKey)
		}
		// Next may report end-of-index; the following Fetch does too
		if err := c.Next(); err != nil && err != dberr.EndOfIndex {
			return l.Finish(err)
		}
	}
	return l.Finish(nil)
}

// Insert places a tuple at the given level, committing and chaining
// pages as they fill.
func (l *Loader) Insert(t rec.Tuple, level int) error {
	if level+1 > len(l.loaders) {
		pl := l.newPageLoader(level)
		if err := pl.Init(); err != nil {
			return err
		}
		l.loaders = append(l.loaders, pl)
		l.rootLevel = level
		if level > 0 {
			// leftmost node pointer of a fresh level
			t.MinRec = true
		}
	}

	var recSize int
	if level == 0 {
		recSize = page.RecSize(l.index, t)
	} else {
		recSize = page.NodeRecSize(l.index, t)
	}
	pl, err := l.prepareSpace(level, recSize)
	if err != nil {
		return err
	}

	if level == 0 {
		if t.NeedExt() && l.cfg.Blob != nil {
			t, err = l.cfg.Blob.StoreBigRec(l.index, t)
			if err != nil {
				return err
			}
		}
		pl.Insert(t)
		l.nRecs++
	} else {
		pl.InsertNode(t)
	}
	return nil
}

func (l *Loader) newPageLoader(level int) *page.Loader {
	return page.NewLoader(l.cfg.Pool, l.index, level, l.cfg.FillFactor, l.cfg.Observer, l.cfg.Hint)
}

// prepareSpace returns a loader at level with room for recSize bytes,
// committing the current page into a fresh right sibling when full.
func (l *Loader) prepareSpace(level, recSize int) (*page.Loader, error) {
	pl := l.loaders[level]
	if pl.IsSpaceAvailable(recSize) {
		return pl, nil
	}
	sibling := l.newPageLoader(level)
	if err := sibling.Init(); err != nil {
		return nil, err
	}
	if err := l.pageCommit(pl, sibling, true); err != nil {
		sibling.Rollback()
		return nil, err
	}
	l.loaders[level] = sibling
	if level == 0 {
		l.logFreeCheck(sibling)
	}
	return sibling, nil
}

// logFreeCheck yields the leaf latch when the host's checkpoint
// throttle asks for it.
func (l *Loader) logFreeCheck(leaf *page.Loader) {
	th := l.cfg.Throttle
	if th == nil || !th.Required() {
		return
	}
	leaf.Release()
	th.Wait()
	if err := leaf.Latch(); err != nil {
		// the block cannot vanish while buffer-fixed
		panic("btree: re-latch of a buffer-fixed leaf failed")
	}
}

// pageCommit finalizes pl: links next as its right sibling,
// compresses (splitting on failure), promotes the node pointer into
// the parent level when insertFather is set, and commits the redo
// batch.
func (l *Loader) pageCommit(pl, next *page.Loader, insertFather bool) error {
	if next != nil {
		pl.SetNext(next.PageNo())
		next.SetPrev(pl.PageNo())
	} else {
		pl.SetNext(page.NullPage)
	}
	pl.Finish()

	if l.index.Table.Compressed && !pl.Compress() {
		return l.pageSplit(pl, next)
	}

	if insertFather {
		if err := l.Insert(pl.NodePtr(), pl.Level()+1); err != nil {
			return err
		}
	}
	pl.Commit()
	return nil
}

// pageSplit halves pl after a failed compression: records from the
// split point move to a fresh right sibling, both halves commit, and
// the parent receives both node pointers in order.
func (l *Loader) pageSplit(pl, next *page.Loader) error {
	split := pl.GetSplitRec()
	if split == 0 {
		return dberr.TooBigRecord
	}
	right := l.newPageLoader(pl.Level())
	if err := right.Init(); err != nil {
		return err
	}
	right.CopyRecords(pl, split)
	pl.SplitTrim(split)

	if err := l.pageCommit(pl, right, true); err != nil {
		right.Rollback()
		return err
	}
	if err := l.pageCommit(right, next, true); err != nil {
		right.Rollback()
		return err
	}
	return nil
}

// Release yields the leaf-level latch; Latch reacquires it. Callers
// doing unbounded work between inserts bracket it with these.
func (l *Loader) Release() {
	if len(l.loaders) > 0 {
		l.loaders[0].Release()
	}
}

// Latch reacquires the leaf-level latch after Release.
func (l *Loader) Latch() error {
	if len(l.loaders) > 0 {
		return l.loaders[0].Latch()
	}
	return nil
}

// Finish commits the in-progress page of every level bottom-up and
// splices the top page into the catalog root. With a non-nil build
// error it rolls every level back instead; the pages are reclaimed by
// the caller's drop path.
func (l *Loader) Finish(err error) error {
	if err != nil {
		for _, pl := range l.loaders {
			pl.Rollback()
		}
		l.loaders = nil
		return err
	}

	if len(l.loaders) == 0 {
		// empty source: the root is an empty leaf
		return l.spliceRoot(0, nil)
	}

	var lastPageNo uint32
	for level := 0; level <= l.rootLevel; level++ {
		pl := l.loaders[level]
		pl.Finish()
		lastPageNo = pl.PageNo()
		insertFather := level != l.rootLevel
		if cerr := l.pageCommit(pl, nil, insertFather); cerr != nil {
			for lv := level; lv < len(l.loaders); lv++ {
				l.loaders[lv].Rollback()
			}
			l.loaders = nil
			return cerr
		}
	}
	l.loaders = nil

	top, lerr := l.cfg.Pool.Lookup(lastPageNo)
	if lerr != nil {
		return lerr
	}
	return l.spliceRoot(l.rootLevel, top)
}

// spliceRoot copies the last top-level page into the catalog root
// page and publishes the root page number.
func (l *Loader) spliceRoot(level int, top *bufpool.Block) error {
	root := l.newPageLoader(level)
	var rootBlock *bufpool.Block
	if no := l.index.RootPage(); no != schema.NullPage {
		b, err := l.cfg.Pool.Lookup(no)
		if err != nil {
			return err
		}
		rootBlock = b
	} else {
		rootBlock = l.cfg.Pool.Alloc()
	}
	if err := root.InitAt(rootBlock); err != nil {
		return err
	}
	if top != nil {
		root.CopyAll(top.Frame())
	}
	root.Finish()
	root.Commit()
	if top != nil {
		l.cfg.Pool.Free(top)
	}
	l.index.SpliceRoot(rootBlock.PageNo())
	return nil
}

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

package btree

import (
	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/page"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// ReadCursor iterates the leaf level of an index left to right under
// S-latch coupling. A positioned cursor holds exactly one leaf latch.
type ReadCursor struct {
	pool   *bufpool.Pool
	index  *schema.Index
	block  *bufpool.Block
	origin int
}

// OpenFirst positions a cursor on the first user record of the index.
// dberr.EndOfIndex means the tree is empty.
func OpenFirst(pool *bufpool.Pool, idx *schema.Index) (*ReadCursor, error) {
	c := &ReadCursor{pool: pool, index: idx}
	if err := c.descend(nil, true); err != nil {
		return nil, err
	}
	if c.origin == 0 {
		// empty leaf; walk right in case only the leftmost is empty
		if err := c.advancePage(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OpenAt positions a cursor on the first record >= key, or returns
// dberr.EndOfIndex when no such record exists.
func OpenAt(pool *bufpool.Pool, idx *schema.Index, key rec.Tuple) (*ReadCursor, error) {
	c := &ReadCursor{pool: pool, index: idx}
	if err := c.descend(&key, false); err != nil {
		return nil, err
	}
	if c.origin == 0 {
		if err := c.advancePage(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OpenLeaf positions a cursor on the first record of a known leaf
// page. Range scans start their assigned range this way.
func OpenLeaf(pool *bufpool.Pool, idx *schema.Index, pageNo uint32) (*ReadCursor, error) {
	c := &ReadCursor{pool: pool, index: idx}
	b, err := pool.Get(pageNo, bufpool.LatchS)
	if err != nil {
		return nil, err
	}
	c.block = b
	c.origin = page.First(b.Frame())
	if c.origin == 0 {
		if err := c.advancePage(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// descend walks from the root to a leaf with latch coupling. A nil
// key (or leftmost) targets the leftmost leaf.
func (c *ReadCursor) descend(key *rec.Tuple, leftmost bool) error {
	pageNo := c.index.RootPage()
	if pageNo == schema.NullPage {
		return dberr.EndOfIndex
	}
	var parent *bufpool.Block
	for {
		b, err := c.pool.Get(pageNo, bufpool.LatchS)
		if err != nil {
			if parent != nil {
				parent.Unlock(bufpool.LatchS)
			}
			return err
		}
		if parent != nil {
			parent.Unlock(bufpool.LatchS)
		}
		frame := b.Frame()
		if page.Level(frame) == 0 {
			c.block = b
			if leftmost || key == nil {
				c.origin = page.First(frame)
			} else {
				c.origin = c.searchLeaf(frame, *key)
			}
			return nil
		}
		if leftmost || key == nil {
			first := page.First(frame)
			if first == 0 {
				b.Unlock(bufpool.LatchS)
				return dberr.Corruption
			}
			pageNo = rec.NodeChild(page.Tuple(c.index, frame, first))
		} else {
			pageNo = c.searchChild(frame, *key)
		}
		parent = b
	}
}

// searchChild picks the child for key: the last node pointer whose
// key is <= key. The leftmost node pointer carries the min-rec flag
// and counts as minus infinity.
func (c *ReadCursor) searchChild(frame []byte, key rec.Tuple) uint32 {
	start := c.dirSearch(frame, key)
	chosen := start
	for p := start; !page.IsSupremum(p); p = page.Next(frame, p) {
		if p == page.InfimumOrigin {
			continue
		}
		if !page.MinRec(frame, p) {
			t := page.Tuple(c.index, frame, p)
			if rec.ComparePrefix(c.index, t, key, c.index.NUniqueInTree) > 0 {
				break
			}
		}
		chosen = p
	}
	if chosen == page.InfimumOrigin {
		chosen = page.First(frame)
	}
	return rec.NodeChild(page.Tuple(c.index, frame, chosen))
}

// searchLeaf returns the origin of the first record >= key, or 0
// when every record on the page is smaller.
func (c *ReadCursor) searchLeaf(frame []byte, key rec.Tuple) int {
	start := c.dirSearch(frame, key)
	for p := start; !page.IsSupremum(p); p = page.Next(frame, p) {
		if p == page.InfimumOrigin {
			continue
		}
		t := page.Tuple(c.index, frame, p)
		if rec.ComparePrefix(c.index, t, key, len(key.Fields)) >= 0 {
			return p
		}
	}
	return 0
}

// dirSearch binary-searches the slot directory and returns a record
// at or before the first record >= key, bounding the linear walk to
// one owned group.
func (c *ReadCursor) dirSearch(frame []byte, key rec.Tuple) int {
	cmpAt := func(origin int) int {
		switch origin {
		case page.InfimumOrigin:
			return -1
		case page.SupremumOrigin:
			return 1
		}
		t := page.Tuple(c.index, frame, origin)
		return rec.ComparePrefix(c.index, t, key, c.index.NUniqueInTree)
	}
	lo, hi := 0, page.NSlots(frame)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if cmpAt(page.Slot(frame, mid)) < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return page.Slot(frame, lo)
}

// Tuple returns the current record. Valid until the next Next.
func (c *ReadCursor) Tuple() rec.Tuple {
	return page.Tuple(c.index, c.block.Frame(), c.origin)
}

// Origin exposes the current record offset for header-flag checks.
func (c *ReadCursor) Origin() int { return c.origin }

// Block returns the latched leaf block.
func (c *ReadCursor) Block() *bufpool.Block { return c.block }

// PageNo returns the current leaf page number.
func (c *ReadCursor) PageNo() uint32 { return c.block.PageNo() }

// Next moves to the following record, crossing leaf boundaries via
// the right-sibling chain. Returns dberr.EndOfIndex past the last
// record.
func (c *ReadCursor) Next() error {
	next := page.Next(c.block.Frame(), c.origin)
	if !page.IsSupremum(next) {
		c.origin = next
		return nil
	}
	return c.advancePage()
}

// advancePage latches the right sibling (left-to-right coupling) and
// positions on its first record, skipping empty pages.
func (c *ReadCursor) advancePage() error {
	for {
		nextNo := page.NextPage(c.block.Frame())
		if nextNo == page.NullPage {
			c.block.Unlock(bufpool.LatchS)
			c.block = nil
			return dberr.EndOfIndex
		}
		b, err := c.pool.Get(nextNo, bufpool.LatchS)
		if err != nil {
			c.block.Unlock(bufpool.LatchS)
			c.block = nil
			return err
		}
		c.block.Unlock(bufpool.LatchS)
		c.block = b
		if first := page.First(b.Frame()); first != 0 {
			c.origin = first
			return nil
		}
	}
}

// Close releases the cursor's latch.
func (c *ReadCursor) Close() {
	if c.block != nil {
		c.block.Unlock(bufpool.LatchS)
		c.block = nil
	}
}

// Savepoint stores the cursor position and drops the latch so the
// caller can do unbounded work. The leaf stays buffer-fixed.
type Savepoint struct {
	key    rec.Tuple
	block  *bufpool.Block
	clock  uint64
	origin int
}

// Savepoint captures the position and releases the leaf latch.
func (c *ReadCursor) Savepoint() Savepoint {
	sp := Savepoint{
		key:    c.Tuple().Clone(),
		block:  c.block,
		clock:  c.block.ModifyClock(),
		origin: c.origin,
	}
	c.block.FixInc()
	c.block.Unlock(bufpool.LatchS)
	c.block = nil
	return sp
}

// RestoreSavepoint reacquires the position: optimistically via the
// modify clock, else by a fresh keyed descent.
func (c *ReadCursor) RestoreSavepoint(sp Savepoint) error {
	if c.pool.OptimisticGet(sp.block, sp.clock, bufpool.LatchS) {
		c.block = sp.block
		c.origin = sp.origin
		sp.block.FixDec()
		return nil
	}
	sp.block.FixDec()
	if err := c.descend(&sp.key, false); err != nil {
		return err
	}
	if c.origin == 0 {
		return c.advancePage()
	}
	return nil
}

// Get fetches the record matching key on its unique prefix.
func Get(pool *bufpool.Pool, idx *schema.Index, key rec.Tuple) (rec.Tuple, bool, error) {
	c, err := OpenAt(pool, idx, key)
	if err == dberr.EndOfIndex {
		return rec.Tuple{}, false, nil
	}
	if err != nil {
		return rec.Tuple{}, false, err
	}
	defer c.Close()
	t := c.Tuple()
	if rec.ComparePrefix(idx, t, key, len(key.Fields)) != 0 {
		return rec.Tuple{}, false, nil
	}
	return t.Clone(), true, nil
}

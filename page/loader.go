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

package page

import (
	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/compr"
	"github.com/cedrusdb/cedrus/mtr"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// ChangeBufferHint tells the host's change buffer that a freshly
// bulk-loaded page has no buffered changes. Invoked on commit for
// leaf pages of secondary indexes on persistent tables.
type ChangeBufferHint func(indexID uint64, pageNo uint32)

// Loader owns one page under construction at one B-tree level.
// Records arrive in non-decreasing key order; the loader appends them
// to the heap, maintains the record list, and on finish builds the
// slot directory.
type Loader struct {
	pool  *bufpool.Pool
	index *schema.Index
	block *bufpool.Block
	m     mtr.Mtr

	observer mtr.FlushObserver
	hint     ChangeBufferHint
	codec    compr.Codec

	level    int
	curRec   int // origin of the record new inserts follow
	heapTop  int
	recCount int
	heapNo   int // next heap number to assign

	lastSlotted  int // origin of the last record owned by a data slot
	slottedCount int
	nSlots       int

	fillReserve int
	zipPadding  int
	modified    bool

	savedClock uint64 // modify clock snapshot for Release/Latch
	zipImage   []byte // compressed image from the last Compress
}

// NewLoader creates a loader for one page of idx at the given level.
// fillFactor is the target occupancy percentage; the complement is
// reserved on every space check once a page holds two records.
func NewLoader(pool *bufpool.Pool, idx *schema.Index, level, fillFactor int, observer mtr.FlushObserver, hint ChangeBufferHint) *Loader {
	l := &Loader{
		pool:     pool,
		index:    idx,
		level:    level,
		observer: observer,
		hint:     hint,
	}
	if idx.Table.Compressed {
		l.codec = compr.ForName("zstd")
	}
	usable := pool.PageSize() - TrailerSize - DataBegin - 2*SlotSize
	if fillFactor > 0 && fillFactor < 100 {
		l.fillReserve = usable * (100 - fillFactor) / 100
	}
	return l
}

// Init allocates a fresh page and formats it. The page stays
// X-latched by the loader's mini-transaction until Commit.
func (l *Loader) Init() error {
	return l.InitAt(l.pool.Alloc())
}

// InitAt formats the given block instead of allocating one; the root
// splice loads the catalog root page this way.
func (l *Loader) InitAt(block *bufpool.Block) error {
	l.block = block
	l.m.Start()
	l.m.SetMode(mtr.ModeNoRedo)
	l.m.SetFlushObserver(l.observer)
	l.m.Latch(block, bufpool.LatchX)

	Format(block.Frame(), block.PageNo(), l.index.ID, l.level)
	l.curRec = InfimumOrigin
	l.heapTop = DataBegin
	l.recCount = 0
	l.heapNo = 2
	l.lastSlotted = InfimumOrigin
	l.slottedCount = 0
	l.nSlots = 2
	l.modified = false
	return nil
}

// Block returns the page block under construction.
func (l *Loader) Block() *bufpool.Block { return l.block }

// PageNo returns the page number under construction.
func (l *Loader) PageNo() uint32 { return l.block.PageNo() }

// Level returns the B-tree level this loader fills.
func (l *Loader) Level() int { return l.level }

// RecCount returns the number of user records placed so far.
func (l *Loader) RecCount() int { return l.recCount }

// Modified reports whether the page changed since the last Finish.
func (l *Loader) Modified() bool { return l.modified }

func dirReserved(n int) int {
	return SlotSize * ((n + OwnedTarget - 1) / OwnedTarget)
}

// FreeSpace returns the bytes still available between the record heap
// and the directory, with the directory reservation for the current
// record count already subtracted.
func (l *Loader) FreeSpace() int {
	return l.pool.PageSize() - TrailerSize - 2*SlotSize - dirReserved(l.recCount) - l.heapTop
}

// RecSize returns the full on-page footprint of a leaf tuple.
func RecSize(idx *schema.Index, t rec.Tuple) int {
	return rec.ExtraSize(idx, t) + HdrSize + rec.DataSize(t)
}

// NodeRecSize returns the on-page footprint of a node-pointer tuple.
func NodeRecSize(idx *schema.Index, t rec.Tuple) int {
	return rec.NodeExtraSize(idx, t) + HdrSize + rec.DataSize(t)
}

// IsSpaceAvailable reports whether a record of recSize bytes may be
// placed on this page. The fill-factor reservation (or, on compressed
// tables, the compression padding estimate) is honored only once the
// page holds at least two records, so adversarial record sizes cannot
// grow the tree height without bound.
func (l *Loader) IsSpaceAvailable(recSize int) bool {
	slotDelta := dirReserved(l.recCount+1) - dirReserved(l.recCount)
	need := recSize + slotDelta
	free := l.FreeSpace()
	if free < need {
		return false
	}
	if l.recCount < 2 {
		return true
	}
	reserve := l.fillReserve
	if l.index.Table.Compressed {
		reserve = l.zipPadding
	}
	return free-need >= reserve
}

// Insert places a leaf tuple after the current record.
func (l *Loader) Insert(t rec.Tuple) {
	extra, data := rec.Encode(l.index, t, nil, nil)
	l.insertRaw(extra, data, StatusOrdinary, t.MinRec)
}

// InsertNode places a node-pointer tuple.
func (l *Loader) InsertNode(t rec.Tuple) {
	extra, data := rec.EncodeNodeTuple(l.index, t, nil, nil)
	l.insertRaw(extra, data, StatusNodePtr, t.MinRec)
}

func (l *Loader) insertRaw(extra, data []byte, status int, minRec bool) {
	frame := l.block.Frame()
	origin := l.heapTop + len(extra) + HdrSize
	copy(frame[l.heapTop:], extra)
	copy(frame[origin:], data)

	var info byte
	if minRec {
		info = infoMinRec
	}
	writeHdr(frame, origin, hdr{
		extraLen: len(extra),
		info:     info,
		owned:    0,
		heapNo:   l.heapNo,
		status:   status,
		next:     Next(frame, l.curRec),
	})
	setNextRec(frame, l.curRec, origin)

	l.curRec = origin
	l.heapTop = origin + len(data)
	l.recCount++
	l.heapNo++
	l.modified = true
}

// Finish builds the directory slots for records inserted since the
// last call and flushes the header fields. It is idempotent on an
// unmodified page.
func (l *Loader) Finish() {
	if !l.modified {
		return
	}
	frame := l.block.Frame()
	count := 0
	for p := Next(frame, l.lastSlotted); !IsSupremum(p); p = Next(frame, p) {
		count++
		if count == OwnedTarget {
			l.appendSlot(p)
			setOwned(frame, p, OwnedTarget)
			l.lastSlotted = p
			l.slottedCount += count
			count = 0
		}
	}
	setOwned(frame, SupremumOrigin, count+1)

	putU16(frame, OffNHeap, l.recCount+2)
	putU16(frame, OffHeapTop, l.heapTop)
	putU16(frame, OffNRecs, l.recCount)
	putU16(frame, OffNSlots, l.nSlots)
	putU16(frame, OffLastIns, l.curRec)
	frame[OffDirection] = DirRight
	putU16(frame, OffNDirect, 0)
	l.modified = false
}

// appendSlot adds a data slot just before the supremum slot.
func (l *Loader) appendSlot(origin int) {
	frame := l.block.Frame()
	slotSet(frame, l.nSlots-1, origin)
	slotSet(frame, l.nSlots, SupremumOrigin)
	l.nSlots++
}

// Commit finalizes the page: checksum, dirty notification, change
// buffer hint, and mini-transaction commit. Finish must have run.
func (l *Loader) Commit() {
	if l.modified {
		panic("page: Commit on a modified page, Finish must run first")
	}
	frame := l.block.Frame()
	WriteChecksum(frame)
	if l.hint != nil && l.level == 0 &&
		l.index.Type == schema.Secondary && l.index.Table.NotTemporary {
		l.hint(l.index.ID, l.block.PageNo())
	}
	l.m.MarkDirty(l.block)
	l.m.Commit()
}

// Rollback discards the page's redo batch. The page itself stays
// allocated; the caller's drop-on-abort path reclaims the extent.
func (l *Loader) Rollback() {
	if l.m.Started() {
		l.m.Rollback()
	}
}

// Compress attempts to compress the page's logical image (header and
// record heap up to the heap top, plus the live directory) into the
// table's compressed frame size. A false return means the caller must
// split the page. Each failure grows this loader's padding estimate
// only; every newly created loader starts with zero padding.
func (l *Loader) Compress() bool {
	if l.codec == nil {
		return true
	}
	frame := l.block.Frame()
	dirStart := len(frame) - TrailerSize - SlotSize*l.nSlots
	src := make([]byte, 0, l.heapTop+len(frame)-dirStart)
	src = append(src, frame[:l.heapTop]...)
	src = append(src, frame[dirStart:]...)
	limit := l.index.Table.ZipSize
	img, ok := compr.Fits(l.codec, src, limit)
	if !ok {
		pad := l.pool.PageSize() / 32
		if l.zipPadding+pad > l.pool.PageSize()/2 {
			l.zipPadding = l.pool.PageSize() / 2
		} else {
			l.zipPadding += pad
		}
		return false
	}
	l.zipImage = img
	return true
}

// recStart returns the first byte of the record at origin, extra
// included.
func recStart(frame []byte, origin int) int {
	return origin - HdrSize - ExtraLen(frame, origin)
}

// recEnd returns the byte past the record payload. Records are
// contiguous in heap order during a bulk load, so the end of one is
// the start of the next, and the last ends at the heap top.
func (l *Loader) recEnd(origin int) int {
	frame := l.block.Frame()
	next := Next(frame, origin)
	if IsSupremum(next) {
		return l.heapTop
	}
	return recStart(frame, next)
}

// GetSplitRec returns the origin of the first record that moves to
// the right page when a compressed page overflows: accumulate record
// sizes from the low end until at least half the used space, then
// split before the following record. Returns 0 when the page cannot
// be split (fewer than two records).
func (l *Loader) GetSplitRec() int {
	if l.recCount < 2 {
		return 0
	}
	frame := l.block.Frame()
	half := (l.heapTop - DataBegin) / 2
	sum := 0
	for p := First(frame); !IsSupremum(p); p = Next(frame, p) {
		sum += l.recEnd(p) - recStart(frame, p)
		if sum >= half {
			split := Next(frame, p)
			if IsSupremum(split) {
				return 0
			}
			return split
		}
	}
	return 0
}

// CopyRecords deep-copies the records of src starting at fromOrigin
// (inclusive) into this page, preserving status bits.
func (l *Loader) CopyRecords(src *Loader, fromOrigin int) {
	frame := src.block.Frame()
	for p := fromOrigin; !IsSupremum(p); p = Next(frame, p) {
		extra := Extra(frame, p)
		data := frame[p:src.recEnd(p)]
		l.insertRaw(extra, data, Status(frame, p), MinRec(frame, p))
	}
}

// CopyAll copies every user record of a finished source frame into
// this page. Used by the root splice.
func (l *Loader) CopyAll(src []byte) {
	srcTop := HeapTop(src)
	for p := First(src); p != 0 && !IsSupremum(p); p = Next(src, p) {
		end := srcTop
		if n := Next(src, p); !IsSupremum(n) {
			end = recStart(src, n)
		}
		l.insertRaw(Extra(src, p), src[p:end], Status(src, p), MinRec(src, p))
	}
}

// SplitTrim removes splitOrigin and everything after it from this
// page and resets the directory to the bare infimum/supremum pair.
// The page is left modified; Finish must run before Commit.
func (l *Loader) SplitTrim(splitOrigin int) {
	frame := l.block.Frame()
	prev := InfimumOrigin
	moved := 0
	for p := First(frame); !IsSupremum(p); p = Next(frame, p) {
		if p == splitOrigin {
			moved = 1
			for q := Next(frame, p); !IsSupremum(q); q = Next(frame, q) {
				moved++
			}
			break
		}
		prev = p
	}
	setNextRec(frame, prev, SupremumOrigin)
	l.heapTop = recStart(frame, splitOrigin)
	l.recCount -= moved
	l.heapNo = l.recCount + 2
	l.curRec = prev

	for p := First(frame); !IsSupremum(p) && p != 0; p = Next(frame, p) {
		setOwned(frame, p, 0)
	}
	setOwned(frame, InfimumOrigin, 1)
	setOwned(frame, SupremumOrigin, 1)
	slotSet(frame, 0, InfimumOrigin)
	slotSet(frame, 1, SupremumOrigin)
	l.nSlots = 2
	l.lastSlotted = InfimumOrigin
	l.slottedCount = 0
	l.modified = true
}

// SetNext links the right sibling in the page header.
func (l *Loader) SetNext(pageNo uint32) {
	SetNextPage(l.block.Frame(), pageNo)
	l.modified = true
}

// SetPrev links the left sibling in the page header.
func (l *Loader) SetPrev(pageNo uint32) {
	SetPrevPage(l.block.Frame(), pageNo)
	l.modified = true
}

// FirstTuple decodes the first user record, for node-pointer
// promotion. The page must be non-empty.
func (l *Loader) FirstTuple() rec.Tuple {
	frame := l.block.Frame()
	return Tuple(l.index, frame, First(frame))
}

// NodePtr builds the node-pointer tuple that maps this page's minimum
// key to its page number.
func (l *Loader) NodePtr() rec.Tuple {
	first := l.FirstTuple()
	first.MinRec = false
	return rec.NodeTuple(l.index, first, l.block.PageNo())
}

// Release yields the page latch for a log-free check: finish the
// page, take a buffer fix so the block cannot be evicted, snapshot
// the modify clock, and commit the mini-transaction.
func (l *Loader) Release() {
	l.Finish()
	l.block.FixInc()
	l.m.MarkDirty(l.block)
	l.m.Commit()
	l.savedClock = l.block.ModifyClock()
}

// Latch reacquires the page after Release: restart the
// mini-transaction, optimistically re-latch via the modify clock,
// fall back to a keyed fetch, then drop the extra buffer fix.
func (l *Loader) Latch() error {
	l.m.Start()
	l.m.SetMode(mtr.ModeNoRedo)
	l.m.SetFlushObserver(l.observer)
	if l.pool.OptimisticGet(l.block, l.savedClock, bufpool.LatchX) {
		l.m.Enlist(l.block, bufpool.LatchX)
	} else {
		b, err := l.pool.Get(l.block.PageNo(), bufpool.LatchX)
		if err != nil {
			l.block.FixDec()
			l.m.Rollback()
			return err
		}
		l.block = b
		l.m.Enlist(b, bufpool.LatchX)
	}
	l.block.FixDec()
	return nil
}

func putU16(frame []byte, off, v int) {
	frame[off] = byte(v >> 8)
	frame[off+1] = byte(v)
}

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

// Package bufpool is the in-memory buffer pool the engine builds
// against: fixed-size page frames addressed by page number, with
// rw-latches, buffer-fix counts and per-block modify clocks for the
// optimistic re-latch protocol.
package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/cedrusdb/cedrus/dberr"
)

// NullPage is the "no page" sentinel.
const NullPage = ^uint32(0)

// Latch is a page latch mode.
type Latch int

const (
	LatchNone Latch = iota
	LatchS
	LatchX
	// LatchSX allows concurrent S latches but excludes other X/SX
	// holders. The in-memory pool maps it to X; the distinction
	// only matters under real block eviction.
	LatchSX
)

// Block is one page frame plus its concurrency state.
type Block struct {
	pageNo uint32
	frame  []byte
	mu     sync.RWMutex
	fix    atomic.Int32
	clock  atomic.Uint64
	freed  atomic.Bool
}

// PageNo returns the block's page number.
func (b *Block) PageNo() uint32 { return b.pageNo }

// Frame returns the page frame. The caller must hold a latch or a
// buffer fix.
func (b *Block) Frame() []byte { return b.frame }

// FixInc takes a buffer fix, pinning the block in the pool.
func (b *Block) FixInc() { b.fix.Add(1) }

// FixDec releases a buffer fix.
func (b *Block) FixDec() { b.fix.Add(-1) }

// FixCount returns the current buffer-fix count.
func (b *Block) FixCount() int { return int(b.fix.Load()) }

// ModifyClock returns the block's modify clock. The clock advances on
// every mtr commit that dirtied the block.
func (b *Block) ModifyClock() uint64 { return b.clock.Load() }

// BumpClock advances the modify clock. Called by mtr on commit.
func (b *Block) BumpClock() { b.clock.Add(1) }

// Lock acquires the given latch mode.
func (b *Block) Lock(mode Latch) {
	switch mode {
	case LatchS:
		b.mu.RLock()
	case LatchX, LatchSX:
		b.mu.Lock()
	}
}

// Unlock releases the given latch mode.
func (b *Block) Unlock(mode Latch) {
	switch mode {
	case LatchS:
		b.mu.RUnlock()
	case LatchX, LatchSX:
		b.mu.Unlock()
	}
}

// Pool is the page store.
type Pool struct {
	mu       sync.Mutex
	pageSize int
	blocks   map[uint32]*Block
	next     uint32
}

// New creates a pool with the given page size. Page number 0 is
// reserved and never handed out.
func New(pageSize int) *Pool {
	return &Pool{
		pageSize: pageSize,
		blocks:   make(map[uint32]*Block),
		next:     1,
	}
}

// PageSize returns the frame size in bytes.
func (p *Pool) PageSize() int { return p.pageSize }

// Get fetches and latches an existing page.
func (p *Pool) Get(pageNo uint32, mode Latch) (*Block, error) {
	p.mu.Lock()
	b, ok := p.blocks[pageNo]
	p.mu.Unlock()
	if !ok || b.freed.Load() {
		return nil, dberr.Corruption
	}
	b.Lock(mode)
	return b, nil
}

// Lookup returns an existing block without latching it. Callers that
// need the frame must latch or fix it themselves.
func (p *Pool) Lookup(pageNo uint32) (*Block, error) {
	p.mu.Lock()
	b, ok := p.blocks[pageNo]
	p.mu.Unlock()
	if !ok || b.freed.Load() {
		return nil, dberr.Corruption
	}
	return b, nil
}

// Alloc allocates a fresh zeroed page. The block is returned
// unlatched; the caller's mini-transaction latches it.
func (p *Pool) Alloc() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := &Block{
		pageNo: p.next,
		frame:  make([]byte, p.pageSize),
	}
	p.blocks[p.next] = b
	p.next++
	return b
}

// Free returns a page to the pool. The block must not be buffer-fixed.
func (p *Pool) Free(b *Block) {
	if b.FixCount() != 0 {
		panic("bufpool: freeing a buffer-fixed block")
	}
	b.freed.Store(true)
	p.mu.Lock()
	delete(p.blocks, b.pageNo)
	p.mu.Unlock()
}

// OptimisticGet re-latches b if its modify clock still reads clock.
// Returns false when the block changed (or was freed) in between; the
// caller must fall back to a keyed lookup.
func (p *Pool) OptimisticGet(b *Block, clock uint64, mode Latch) bool {
	b.Lock(mode)
	if b.freed.Load() || b.ModifyClock() != clock {
		b.Unlock(mode)
		return false
	}
	return true
}

// Pages returns the number of live pages, for tests and teardown
// accounting.
func (p *Pool) Pages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

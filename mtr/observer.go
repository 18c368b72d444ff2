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

package mtr

import (
	"sync"
	"sync/atomic"

	"github.com/cedrusdb/cedrus/bufpool"
)

// Observer is the in-memory FlushObserver: it tracks the distinct
// pages a build dirtied and carries the build's interrupt flag. Hosts
// with a real redo/flush pipeline supply their own implementation.
type Observer struct {
	mu          sync.Mutex
	dirty       map[uint32]*bufpool.Block
	flushes     atomic.Int32
	interrupted atomic.Bool
}

// NewObserver creates an Observer.
func NewObserver() *Observer {
	return &Observer{dirty: make(map[uint32]*bufpool.Block)}
}

// NotifyDirty records a dirtied page.
func (o *Observer) NotifyDirty(b *bufpool.Block) {
	o.mu.Lock()
	o.dirty[b.PageNo()] = b
	o.mu.Unlock()
}

// Flush is the end-of-build barrier. The in-memory pool has nothing
// to write back; the call just counts.
func (o *Observer) Flush() {
	o.flushes.Add(1)
}

// Flushes returns how many times Flush ran.
func (o *Observer) Flushes() int { return int(o.flushes.Load()) }

// DirtyPages returns the number of distinct pages observed.
func (o *Observer) DirtyPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dirty)
}

// Interrupted raises the interrupt flag.
func (o *Observer) Interrupted() {
	o.interrupted.Store(true)
}

// CheckInterrupted polls the interrupt flag.
func (o *Observer) CheckInterrupted() bool {
	return o.interrupted.Load()
}

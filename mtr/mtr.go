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

// Package mtr implements the mini-transaction: the unit of page
// modification. An Mtr collects the latches it acquired and the blocks
// it dirtied; Commit bumps modify clocks, hands the batch to the flush
// observer, and releases latches in reverse acquisition order.
//
// Bulk loading runs with redo disabled (ModeNoRedo); the flush
// observer is then responsible for writing the pages out behind a
// barrier at the end of the build.
package mtr

import (
	"github.com/cedrusdb/cedrus/bufpool"
)

// Mode is the redo-log mode of a mini-transaction.
type Mode int

const (
	// ModeNormal logs page changes through the host redo log.
	ModeNormal Mode = iota
	// ModeNoRedo skips logging; pages are flushed synchronously by
	// the observer when the build finishes.
	ModeNoRedo
)

// FlushObserver receives the dirty pages of every committed
// mini-transaction of a build and flushes them behind a barrier at
// the end. It also carries the build's interrupt flag.
type FlushObserver interface {
	// NotifyDirty is called under commit for every dirtied block.
	NotifyDirty(b *bufpool.Block)
	// Flush writes out everything observed so far and blocks until
	// durable. Called exactly once per successful build.
	Flush()
	// Interrupted marks the build interrupted.
	Interrupted()
	// CheckInterrupted polls the interrupt flag.
	CheckInterrupted() bool
}

type latched struct {
	block *bufpool.Block
	mode  bufpool.Latch
}

// Mtr is a mini-transaction. The zero value is idle; call Start.
type Mtr struct {
	mode     Mode
	observer FlushObserver
	latches  []latched
	dirty    []*bufpool.Block
	started  bool
}

// Start begins the mini-transaction.
func (m *Mtr) Start() {
	if m.started {
		panic("mtr: Start on a started mtr")
	}
	m.started = true
}

// Started reports whether the mtr is active.
func (m *Mtr) Started() bool { return m.started }

// SetMode sets the redo mode; only meaningful before the first page
// modification.
func (m *Mtr) SetMode(mode Mode) { m.mode = mode }

// Mode returns the redo mode.
func (m *Mtr) Mode() Mode { return m.mode }

// SetFlushObserver attaches the build's flush observer.
func (m *Mtr) SetFlushObserver(obs FlushObserver) { m.observer = obs }

// Observer returns the attached flush observer, or nil.
func (m *Mtr) Observer() FlushObserver { return m.observer }

// Latch latches the block in the given mode and remembers it for
// release at commit.
func (m *Mtr) Latch(b *bufpool.Block, mode bufpool.Latch) {
	b.Lock(mode)
	m.latches = append(m.latches, latched{block: b, mode: mode})
}

// Enlist records an already-latched block so Commit releases it.
func (m *Mtr) Enlist(b *bufpool.Block, mode bufpool.Latch) {
	m.latches = append(m.latches, latched{block: b, mode: mode})
}

// MarkDirty records a page modification.
func (m *Mtr) MarkDirty(b *bufpool.Block) {
	m.dirty = append(m.dirty, b)
}

// Commit ends the mini-transaction: modify clocks advance, the
// observer hears about dirty pages, latches drop in reverse order.
func (m *Mtr) Commit() {
	if !m.started {
		panic("mtr: Commit on an idle mtr")
	}
	for _, b := range m.dirty {
		b.BumpClock()
		if m.observer != nil {
			m.observer.NotifyDirty(b)
		}
	}
	for i := len(m.latches) - 1; i >= 0; i-- {
		m.latches[i].block.Unlock(m.latches[i].mode)
	}
	m.latches = m.latches[:0]
	m.dirty = m.dirty[:0]
	m.started = false
}

// Rollback discards the batch: latches drop, the observer is not
// notified, clocks do not advance. The caller reclaims the pages.
func (m *Mtr) Rollback() {
	for i := len(m.latches) - 1; i >= 0; i-- {
		m.latches[i].block.Unlock(m.latches[i].mode)
	}
	m.latches = m.latches[:0]
	m.dirty = m.dirty[:0]
	m.started = false
}

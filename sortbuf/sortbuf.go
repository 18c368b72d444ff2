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

// Package sortbuf implements the per-thread in-memory staging buffer
// of the index build: tuples accumulate in arrival order until the
// byte or count budget fills, are sorted in place, and either stream
// straight into the B-tree loader or serialize into a spill-file run.
package sortbuf

import (
	"errors"

	"golang.org/x/exp/slices"

	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// ErrOverflow is the recoverable-local "buffer full" condition: the
// builder flushes the buffer and retries the push.
var ErrOverflow = errors.New("sortbuf: buffer full")

// tupleOverhead approximates the per-tuple bookkeeping cost counted
// against the byte budget, alongside the payload bytes.
const tupleOverhead = 24

// Buffer is a bounded staging area for tuples of one index.
type Buffer struct {
	index *schema.Index

	tuples    []rec.Tuple
	totalSize int

	bufferSize int
	maxTuples  int
}

// New creates a buffer bounded by bufferSize bytes and maxTuples
// entries.
func New(idx *schema.Index, bufferSize, maxTuples int) *Buffer {
	return &Buffer{
		index:      idx,
		bufferSize: bufferSize,
		maxTuples:  maxTuples,
	}
}

// Index returns the index the tuples belong to.
func (b *Buffer) Index() *schema.Index { return b.index }

// Len returns the number of staged tuples.
func (b *Buffer) Len() int { return len(b.tuples) }

// IsEmpty reports an empty buffer.
func (b *Buffer) IsEmpty() bool { return len(b.tuples) == 0 }

// IsFull reports that the tuple count budget is exhausted.
func (b *Buffer) IsFull() bool { return len(b.tuples) >= b.maxTuples }

// WillFit reports whether n more payload bytes fit. One byte stays
// reserved for the end-of-run marker.
func (b *Buffer) WillFit(n int) bool {
	return b.totalSize+n+tupleOverhead*(len(b.tuples)+1) <= b.bufferSize-1
}

// Push stages a tuple. Only the field descriptors are copied; call
// DeepCopyLast before the underlying storage goes away. Fails with
// ErrOverflow when the tuple does not fit.
func (b *Buffer) Push(t rec.Tuple, dataSize int) error {
	if b.IsFull() || !b.WillFit(dataSize) {
		return ErrOverflow
	}
	b.tuples = append(b.tuples, t)
	b.totalSize += dataSize
	return nil
}

// Back returns the most recently pushed tuple.
func (b *Buffer) Back() rec.Tuple { return b.tuples[len(b.tuples)-1] }

// DeepCopyLast detaches the last tuple from its source storage so the
// row latches can drop.
func (b *Buffer) DeepCopyLast() {
	last := len(b.tuples) - 1
	b.tuples[last] = b.tuples[last].Clone()
}

// Sort orders the staged tuples. With a duplicate sink installed,
// adjacent tuples that collide on the unique key prefix report the
// first offending pair.
func (b *Buffer) Sort(dup *rec.Dup) {
	slices.SortFunc(b.tuples, func(x, y rec.Tuple) int {
		return rec.Compare(b.index, x, y)
	})
	if dup == nil {
		return
	}
	for i := 1; i < len(b.tuples); i++ {
		if rec.UniqueMatch(b.index, b.tuples[i-1], b.tuples[i]) {
			dup.ReportDup(b.tuples[i])
			return
		}
	}
}

// Serialize writes the tuples in sorted order as one run:
// length-prefixed records, a terminator byte, zero padding to the
// alignment boundary. ioBuf is flushed through persist whenever it
// fills; persist sees the run as a plain byte stream.
func (b *Buffer) Serialize(ioBuf []byte, alignment int, persist func([]byte) error) error {
	written := int64(0)
	n := 0
	flush := func() error {
		if n == 0 {
			return nil
		}
		if err := persist(ioBuf[:n]); err != nil {
			return err
		}
		written += int64(n)
		n = 0
		return nil
	}
	for _, t := range b.tuples {
		extra, data := rec.Encode(b.index, t, nil, nil)
		if len(extra) > rec.MaxExtra {
			return dberr.TooBigRecord
		}
		need := rec.VarintLen(len(extra)) + len(extra) + len(data)
		if need+1 > len(ioBuf) {
			return dberr.TooBigRecord
		}
		if n+need > len(ioBuf) {
			if err := flush(); err != nil {
				return err
			}
		}
		n += rec.PutVarint(ioBuf[n:], len(extra))
		n += copy(ioBuf[n:], extra)
		n += copy(ioBuf[n:], data)
	}
	if n+1 > len(ioBuf) {
		if err := flush(); err != nil {
			return err
		}
	}
	ioBuf[n] = rec.EndOfRun
	n++
	total := written + int64(n)
	pad := int((total + int64(alignment) - 1) / int64(alignment) * int64(alignment) - total)
	for pad > 0 {
		if n == len(ioBuf) {
			if err := flush(); err != nil {
				return err
			}
		}
		chunk := pad
		if chunk > len(ioBuf)-n {
			chunk = len(ioBuf) - n
		}
		for i := 0; i < chunk; i++ {
			ioBuf[n+i] = 0
		}
		n += chunk
		pad -= chunk
	}
	return flush()
}

// Clear drops the staged tuples but keeps the backing array.
func (b *Buffer) Clear() {
	b.tuples = b.tuples[:0]
	b.totalSize = 0
}

// Tuples exposes the sorted tuples for the direct-load fast path.
func (b *Buffer) Tuples() []rec.Tuple { return b.tuples }

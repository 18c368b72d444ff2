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
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// Writer streams serialized records of one or more runs into a spill
// file through a block-multiple buffer. It re-runs the duplicate
// check across the records it emits and polls the interrupt hook
// every InterruptCheckBlocks flushed buffers.
type Writer struct {
	index *schema.Index
	file  *File
	dup   *rec.Dup

	buf []byte
	n   int
	off int64 // file offset of buf[0]

	prev     rec.Tuple
	havePrev bool

	flushed   int
	interrupt func() bool

	nRows uint64
}

// NewWriter starts writing at the file's current tail, which must be
// block aligned. bufSize is rounded up to a block multiple.
func NewWriter(idx *schema.Index, file *File, bufSize int, dup *rec.Dup, interrupt func() bool) *Writer {
	if bufSize < BlockSize {
		bufSize = BlockSize
	}
	bufSize = int(AlignUp(int64(bufSize)))
	return &Writer{
		index:     idx,
		file:      file,
		dup:       dup,
		buf:       make([]byte, bufSize),
		off:       file.Size(),
		interrupt: interrupt,
	}
}

// NRows returns the records written so far.
func (w *Writer) NRows() uint64 { return w.nRows }

// WriteTuple appends one record to the current run.
func (w *Writer) WriteTuple(t rec.Tuple) error {
	if w.dup != nil && w.havePrev && w.dup.Empty() && rec.UniqueMatch(w.index, w.prev, t) {
		w.dup.ReportDup(t)
	}
	extra, data := rec.Encode(w.index, t, nil, nil)
	if len(extra) > rec.MaxExtra {
		return dberr.TooBigRecord
	}
	need := rec.VarintLen(len(extra)) + len(extra) + len(data)
	if need+1 > len(w.buf) {
		// the record plus the run terminator must fit the buffer
		return dberr.TooBigRecord
	}
	if w.n+need > len(w.buf) {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.n += rec.PutVarint(w.buf[w.n:], len(extra))
	w.n += copy(w.buf[w.n:], extra)
	w.n += copy(w.buf[w.n:], data)
	w.prev = t.Clone()
	w.havePrev = true
	w.nRows++
	return nil
}

// EndRun terminates the current run and pads it to a block boundary,
// leaving the writer positioned for the next run.
func (w *Writer) EndRun() error {
	if w.n+1 > len(w.buf) {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.buf[w.n] = rec.EndOfRun
	w.n++
	pad := int(AlignUp(w.off+int64(w.n)) - (w.off + int64(w.n)))
	for pad > 0 {
		if w.n == len(w.buf) {
			if err := w.flush(); err != nil {
				return err
			}
		}
		chunk := pad
		if chunk > len(w.buf)-w.n {
			chunk = len(w.buf) - w.n
		}
		for i := 0; i < chunk; i++ {
			w.buf[w.n+i] = 0
		}
		w.n += chunk
		pad -= chunk
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.havePrev = false
	return nil
}

// Offset returns the file offset the next record lands at.
func (w *Writer) Offset() int64 { return w.off + int64(w.n) }

func (w *Writer) flush() error {
	if w.n == 0 {
		return nil
	}
	if err := w.file.WriteAt(w.buf[:w.n], w.off); err != nil {
		return err
	}
	w.off += int64(w.n)
	w.n = 0
	w.flushed++
	if w.interrupt != nil && w.flushed%InterruptCheckBlocks == 0 && w.interrupt() {
		return dberr.Interrupted
	}
	return nil
}

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

// Reader streams one sorted run out of a spill file. A record that
// straddles two read buffers is reassembled in an auxiliary buffer;
// the caller never sees the seam.
type Reader struct {
	index *schema.Index
	file  *File
	id    int

	lo, hi int64 // byte range of the run, half open
	off    int64 // next unread file offset

	buf  []byte // main read buffer, block multiple
	aux  []byte // spanning-record assembly
	w    []byte // current window (buf or aux)
	wpos int

	cur  rec.Tuple
	eof  bool
	rows uint64
}

// NewReader creates a reader for the run in [lo, hi) of file. lo must
// be block aligned; id breaks merge ties (lower wins).
func NewReader(idx *schema.Index, file *File, bufSize int, lo, hi int64, id int) *Reader {
	if bufSize < BlockSize {
		bufSize = BlockSize
	}
	bufSize = int(AlignUp(int64(bufSize)))
	return &Reader{
		index: idx,
		file:  file,
		id:    id,
		lo:    lo,
		hi:    hi,
		off:   lo,
		buf:   make([]byte, bufSize),
	}
}

// ID returns the reader's merge id.
func (r *Reader) ID() int { return r.id }

// NRows returns the records decoded so far.
func (r *Reader) NRows() uint64 { return r.rows }

// EOF reports whether the run is exhausted.
func (r *Reader) EOF() bool { return r.eof }

// Prepare seeks to the run start and decodes the first record.
func (r *Reader) Prepare() error {
	r.w = nil
	r.wpos = 0
	r.eof = false
	r.off = r.lo
	return r.Next()
}

// Tuple returns the current record; valid until the next call to
// Next. At EOF the value is stale.
func (r *Reader) Tuple() rec.Tuple { return r.cur }

// Next decodes the following record; dberr.EndOfIndex means the run
// terminator or the range end was reached.
func (r *Reader) Next() error {
	if r.eof {
		return dberr.EndOfIndex
	}
	if err := r.ensure(1); err != nil {
		r.eof = true
		return dberr.EndOfIndex
	}
	if r.w[r.wpos] == rec.EndOfRun {
		r.eof = true
		return dberr.EndOfIndex
	}
	if r.w[r.wpos] >= 0x80 {
		// the two-byte prefix may straddle the buffer seam
		if err := r.ensure(2); err != nil {
			return dberr.Corruption
		}
	}
	extraLen, vn := rec.Varint(r.w[r.wpos:])
	if err := r.ensure(vn + extraLen); err != nil {
		return dberr.Corruption
	}
	extra := r.w[r.wpos+vn : r.wpos+vn+extraLen]
	dataLen := rec.DataSizeFromExtra(r.index, extra)
	if err := r.ensure(vn + extraLen + dataLen); err != nil {
		return dberr.Corruption
	}
	start := r.wpos + vn
	extra = r.w[start : start+extraLen]
	data := r.w[start+extraLen : start+extraLen+dataLen]
	r.cur = rec.Decode(r.index, extra, data)
	r.wpos += vn + extraLen + dataLen
	r.rows++
	return nil
}

// ensure makes at least n bytes visible at the window position,
// reading more of the range as needed. Fails when the range cannot
// supply them.
func (r *Reader) ensure(n int) error {
	avail := len(r.w) - r.wpos
	if avail >= n {
		return nil
	}
	if avail == 0 && r.off < r.hi {
		// clean boundary: refill the main buffer in place
		chunk := int64(len(r.buf))
		if r.hi-r.off < chunk {
			chunk = r.hi - r.off
		}
		if err := r.file.ReadAt(r.buf[:chunk], r.off); err != nil {
			return err
		}
		r.off += chunk
		r.w = r.buf[:chunk]
		r.wpos = 0
		if int(chunk) >= n {
			return nil
		}
	}
	// spanning record: move the tail into aux and top it up
	tail := append(r.aux[:0], r.w[r.wpos:]...)
	for len(tail) < n && r.off < r.hi {
		chunk := int64(len(r.buf))
		if r.hi-r.off < chunk {
			chunk = r.hi - r.off
		}
		if err := r.file.ReadAt(r.buf[:chunk], r.off); err != nil {
			return err
		}
		r.off += chunk
		tail = append(tail, r.buf[:chunk]...)
	}
	r.aux = tail
	if len(tail) < n {
		return dberr.EndOfFile
	}
	r.w = tail
	r.wpos = 0
	return nil
}

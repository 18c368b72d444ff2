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

// Package extsort implements the external-sort plumbing of the index
// build: spill files of sorted runs, streaming run readers, the
// priority-queued N-way merge cursor, and the repeated merge pass
// that reduces a spill file to a single run.
package extsort

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cedrusdb/cedrus/dberr"
)

// BlockSize is the I/O alignment of spill files. Runs always start on
// a block boundary; the writer pads each run's tail.
const BlockSize = 4096

// InterruptCheckBlocks is how many flushed blocks pass between
// interrupt polls during a merge.
const InterruptCheckBlocks = 64

// File is an unlinked temporary spill file. Run boundaries are not
// embedded in the file; the owner keeps them in an offsets deque.
type File struct {
	f    *os.File
	size int64
}

// NewTempFile creates an anonymous spill file in dir. The name is
// removed immediately so the file vanishes with its descriptor.
func NewTempFile(dir string) (*File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, "cedrus-merge-"+uuid.NewString())
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("extsort: create spill file: %w", err)
	}
	os.Remove(name)
	return &File{f: f}, nil
}

// Size returns the bytes written so far.
func (f *File) Size() int64 { return f.size }

// WriteAt persists len(b) bytes at off and extends the tracked size.
func (f *File) WriteAt(b []byte, off int64) error {
	if _, err := f.f.WriteAt(b, off); err != nil {
		return dberr.TempFileWriteFail
	}
	if end := off + int64(len(b)); end > f.size {
		f.size = end
	}
	return nil
}

// Append persists b at the current tail and returns the offset it
// was written at.
func (f *File) Append(b []byte) (int64, error) {
	off := f.size
	return off, f.WriteAt(b, off)
}

// ReadAt fills b from off.
func (f *File) ReadAt(b []byte, off int64) error {
	if _, err := f.f.ReadAt(b, off); err != nil {
		return dberr.IOError
	}
	return nil
}

// Preallocate reserves size bytes of backing store where the platform
// supports it; a best-effort hint, never an error.
func (f *File) Preallocate(size int64) {
	preallocate(f.f, size)
}

// Close releases the descriptor. Spill files are never reopened.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// AlignUp rounds n up to the next block boundary.
func AlignUp(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

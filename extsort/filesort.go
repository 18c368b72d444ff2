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

// FileSort reduces a spill file of many runs to a single run by
// repeated N-way merge passes, ping-ponging between the input file
// and a fresh output file each pass.
type FileSort struct {
	Index *schema.Index
	Dup   *rec.Dup
	// NWay is the merge fan-in per pass; 0 means 2.
	NWay int
	// BufSize is the per-reader and writer I/O buffer size.
	BufSize int
	// TmpDir hosts the intermediate files.
	TmpDir string
	// Interrupt is polled between flushed blocks.
	Interrupt func() bool

	nRows uint64
}

// NRows returns the rows that flowed through the final pass.
func (s *FileSort) NRows() uint64 { return s.nRows }

// nextRanges pops up to NWay run ranges from the offsets deque. The
// end of each range is the next run's start; the last run ends at
// size.
func (s *FileSort) nextRanges(offsets *[]int64, size int64) [][2]int64 {
	n := s.NWay
	if n <= 0 {
		n = 2
	}
	var ranges [][2]int64
	for len(*offsets) > 0 && len(ranges) < n {
		lo := (*offsets)[0]
		*offsets = (*offsets)[1:]
		hi := size
		if len(*offsets) > 0 {
			hi = (*offsets)[0]
		}
		ranges = append(ranges, [2]int64{lo, hi})
	}
	return ranges
}

// Sort merges the runs of file (starting at the given offsets) until
// one remains. It returns the file holding the final run and the
// run's start offset. The input file is returned unscathed when it
// already holds a single run; intermediate files are closed as they
// are drained.
func (s *FileSort) Sort(file *File, offsets []int64) (*File, int64, error) {
	in := file
	inOffs := offsets
	for len(inOffs) > 1 {
		out, err := NewTempFile(s.TmpDir)
		if err != nil {
			return nil, 0, dberr.OutOfFileSpace
		}
		out.Preallocate(in.Size())
		var outOffs []int64

		size := in.Size()
		for len(inOffs) > 0 {
			ranges := s.nextRanges(&inOffs, size)
			start, err := s.mergeRanges(in, out, ranges)
			if err != nil {
				out.Close()
				if in != file {
					in.Close()
				}
				return nil, 0, err
			}
			outOffs = append(outOffs, start)
		}
		if in != file {
			in.Close()
		}
		in = out
		inOffs = outOffs
	}
	var start int64
	if len(inOffs) == 1 {
		start = inOffs[0]
	}
	return in, start, nil
}

// mergeRanges drives one merge of up to NWay runs into a fresh run of
// the output file, returning the new run's start offset.
func (s *FileSort) mergeRanges(in, out *File, ranges [][2]int64) (int64, error) {
	cursor := NewMergeCursor(s.Index, s.Dup)
	for _, rg := range ranges {
		cursor.AddFile(in, s.BufSize, rg[0], rg[1])
	}
	if err := cursor.Open(); err != nil {
		return 0, err
	}
	w := NewWriter(s.Index, out, s.BufSize, s.Dup, s.Interrupt)
	start := w.Offset()
	for {
		t, err := cursor.Fetch()
		if err == dberr.EndOfIndex {
			break
		}
		if err != nil {
			return 0, err
		}
		if err := w.WriteTuple(t); err != nil {
			return 0, err
		}
		if err := cursor.Next(); err != nil && err != dberr.EndOfIndex {
			return 0, err
		}
	}
	if err := w.EndRun(); err != nil {
		return 0, err
	}
	s.nRows = w.NRows()
	return start, nil
}

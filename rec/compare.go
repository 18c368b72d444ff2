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

package rec

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/cedrusdb/cedrus/schema"
)

// Dup collects duplicate-key reports. The build fails with a
// duplicate-key error as soon as the count becomes non-zero on a
// unique index; Report, when set, receives the offending tuple so the
// host can render it in row format. Safe for concurrent use by the
// parallel sort tasks.
type Dup struct {
	Index  *schema.Index
	Report func(Tuple)

	count atomic.Int64
}

// ReportDup records one duplicate pair, represented by its second
// member. Only the first report reaches the host reporter.
func (d *Dup) ReportDup(t Tuple) {
	if d.count.Add(1) == 1 && d.Report != nil {
		d.Report(t)
	}
}

// Count returns the duplicates seen so far.
func (d *Dup) Count() int { return int(d.count.Load()) }

// Empty reports whether no duplicate has been seen yet.
func (d *Dup) Empty() bool { return d.count.Load() == 0 }

// Compare orders two tuples of idx lexicographically over their
// fields. NULL sorts before any value. Field counts may differ (node
// pointers versus leaf records during a tree descent); the shorter
// tuple is a prefix and sorts first on a tie.
func Compare(idx *schema.Index, a, b Tuple) int {
	n := len(a.Fields)
	if len(b.Fields) < n {
		n = len(b.Fields)
	}
	// fast path: single-column integer keys compare as one word
	if n >= 1 && idx.NFields() >= 1 && !a.Fields[0].Null && !b.Fields[0].Null &&
		len(a.Fields[0].Data) == 8 && len(b.Fields[0].Data) == 8 {
		if col := idx.Column(0); col.Type == schema.TypeInt || col.Type == schema.TypeUint {
			av := binary.BigEndian.Uint64(a.Fields[0].Data)
			bv := binary.BigEndian.Uint64(b.Fields[0].Data)
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
			if n == 1 && len(a.Fields) == len(b.Fields) {
				return 0
			}
			if c := compareFields(a.Fields[1:n], b.Fields[1:n]); c != 0 {
				return c
			}
			return len(a.Fields) - len(b.Fields)
		}
	}
	if c := compareFields(a.Fields[:n], b.Fields[:n]); c != 0 {
		return c
	}
	return len(a.Fields) - len(b.Fields)
}

// CompareForDup compares like Compare and, when the first NUnique
// fields are all equal and dup is non-nil, reports a duplicate.
func CompareForDup(idx *schema.Index, a, b Tuple, dup *Dup) int {
	c := Compare(idx, a, b)
	if dup != nil && UniqueMatch(idx, a, b) {
		dup.ReportDup(b)
	}
	return c
}

// ComparePrefix orders a and b over at most n leading fields. Tree
// descents compare search keys against node pointers this way so the
// child page field never participates.
func ComparePrefix(idx *schema.Index, a, b Tuple, n int) int {
	if len(a.Fields) < n {
		n = len(a.Fields)
	}
	if len(b.Fields) < n {
		n = len(b.Fields)
	}
	return compareFields(a.Fields[:n], b.Fields[:n])
}

// UniqueMatch reports whether a and b collide on the unique key
// prefix of idx.
func UniqueMatch(idx *schema.Index, a, b Tuple) bool {
	n := idx.NUnique
	if len(a.Fields) < n || len(b.Fields) < n {
		return false
	}
	return compareFields(a.Fields[:n], b.Fields[:n]) == 0
}

func compareFields(a, b []Field) int {
	for i := range a {
		af, bf := a[i], b[i]
		switch {
		case af.Null && bf.Null:
			continue
		case af.Null:
			return -1
		case bf.Null:
			return 1
		}
		if c := bytes.Compare(af.Data, bf.Data); c != 0 {
			return c
		}
	}
	return 0
}

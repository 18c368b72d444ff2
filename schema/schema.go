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

// Package schema holds the catalog metadata the index-build engine is
// handed by its host: table and column descriptors, index definitions,
// and the root-page registry. The engine treats all of it as read-only
// except for the root-page splice at the end of a successful build.
package schema

import (
	"fmt"
	"sync/atomic"
	"unicode/utf8"
)

// ColType enumerates the storage classes the engine understands.
// Comparison and record encoding are driven by it.
type ColType uint8

const (
	// TypeInt is a signed 64-bit integer stored as 8 bytes,
	// big-endian with the sign bit flipped so that unsigned byte
	// comparison matches numeric order.
	TypeInt ColType = iota
	// TypeUint is an unsigned 64-bit integer, 8 bytes big-endian.
	TypeUint
	// TypeVarchar is a variable-length UTF-8 string.
	TypeVarchar
	// TypeChar is a fixed-length byte string.
	TypeChar
	// TypeBlob is a variable-length binary column that may be
	// stored externally when it does not fit in a page record.
	TypeBlob
)

// Column describes one table column.
type Column struct {
	Name     string
	Type     ColType
	Nullable bool
	// FixedLen is the byte length for TypeChar; ignored otherwise.
	FixedLen int
	// Big marks columns whose length header is always 2 bytes
	// (lengths may exceed 127 even after prefix truncation).
	Big bool
	// Virtual columns are not stored in the clustered index; their
	// values are computed during the scan.
	Virtual bool
	// MultiValue columns produce one index entry per array element.
	MultiValue bool
	// FTSDocID marks the column holding full-text document ids.
	FTSDocID bool
}

// IsVar reports whether the column is stored with a length header.
func (c *Column) IsVar() bool {
	return c.Type == TypeVarchar || c.Type == TypeBlob
}

// FixedSize returns the encoded size of a fixed-length column, or 0
// for variable-length ones.
func (c *Column) FixedSize() int {
	switch c.Type {
	case TypeInt, TypeUint:
		return 8
	case TypeChar:
		return c.FixedLen
	default:
		return 0
	}
}

// IndexField binds an index position to a table column.
type IndexField struct {
	// Col is the position of the column in Table.Columns.
	Col int
	// PrefixLen truncates the column to that many characters
	// (not bytes) in the index; 0 means the full value.
	PrefixLen int
}

// IndexType discriminates the index kinds the engine can build.
type IndexType uint8

const (
	Clustered IndexType = iota
	Secondary
	FTS
)

// Index is one index definition plus its build-relevant derived data.
type Index struct {
	ID    uint64
	Name  string
	Table *Table
	Type  IndexType
	// Fields are the declared key columns, in key order.
	Fields []IndexField
	// Unique indexes reject duplicate keys on the first NUnique
	// fields.
	Unique bool
	// NUnique is the number of fields that make a key unique from
	// the user's point of view.
	NUnique int
	// NUniqueInTree is the number of fields needed to tell two
	// records in the tree apart. For non-unique secondary indexes
	// this includes the appended clustered key fields.
	NUniqueInTree int
	// TrxIDPos is the field position of the hidden transaction-id
	// column on the clustered index, or -1 when rows carry none
	// (non-MVCC tables).
	TrxIDPos int

	rootPage atomic.Uint32
}

// NFields returns the total number of stored fields per record,
// including appended clustered key fields on secondary indexes.
func (i *Index) NFields() int { return len(i.Fields) }

// IsClustered reports whether this is the clustered index.
func (i *Index) IsClustered() bool { return i.Type == Clustered }

// IsFTS reports whether this is a full-text index.
func (i *Index) IsFTS() bool { return i.Type == FTS }

// Column returns the table column backing field position pos.
func (i *Index) Column(pos int) *Column {
	return &i.Table.Columns[i.Fields[pos].Col]
}

// RootPage returns the page number of the index root, or NullPage if
// the index has not been built yet.
func (i *Index) RootPage() uint32 { return i.rootPage.Load() }

// SpliceRoot publishes the root page number. Called exactly once, by
// the B-tree loader, after a successful build.
func (i *Index) SpliceRoot(pageNo uint32) { i.rootPage.Store(pageNo) }

// NullPage is the "no page" sentinel page number.
const NullPage = ^uint32(0)

// Table describes the source relation.
type Table struct {
	Name    string
	Columns []Column
	Indexes []*Index
	// Compressed tables store pages in ZipSize-byte frames.
	Compressed bool
	// ZipSize is the compressed frame size in bytes; meaningful
	// only when Compressed is set.
	ZipSize int
	// NotTemporary distinguishes persistent tables; the page
	// loader passes change-buffer hints only for these.
	NotTemporary bool
}

// Clustered returns the clustered index of the table.
func (t *Table) Clustered() *Index {
	for _, idx := range t.Indexes {
		if idx.IsClustered() {
			return idx
		}
	}
	return nil
}

// AddIndex validates and attaches an index definition.
func (t *Table) AddIndex(idx *Index) error {
	for _, f := range idx.Fields {
		if f.Col < 0 || f.Col >= len(t.Columns) {
			return fmt.Errorf("index %s: field column %d out of range", idx.Name, f.Col)
		}
	}
	if idx.NUnique == 0 {
		idx.NUnique = len(idx.Fields)
	}
	if idx.NUniqueInTree == 0 {
		idx.NUniqueInTree = idx.NUnique
	}
	if idx.TrxIDPos == 0 {
		// position 0 is always a key field, never the hidden column
		idx.TrxIDPos = -1
	}
	idx.Table = t
	idx.rootPage.Store(NullPage)
	t.Indexes = append(t.Indexes, idx)
	return nil
}

// CharPrefix truncates data to at most nchars characters without
// splitting a multibyte sequence. Used for PrefixLen index fields.
func CharPrefix(data []byte, nchars int) []byte {
	if nchars <= 0 {
		return data
	}
	off := 0
	for n := 0; n < nchars && off < len(data); n++ {
		_, size := utf8.DecodeRune(data[off:])
		off += size
	}
	return data[:off]
}

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

package build

import (
	"encoding/binary"

	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/scan"
	"github.com/cedrusdb/cedrus/schema"
)

// BlobInlineMax is the largest blob payload kept inline in a record;
// longer values externalize through the blob store at leaf insert.
const BlobInlineMax = 768

// converter turns scanned clustered rows into tuples of one target
// index: physical columns copy, virtual columns compute, doc ids
// resolve, prefixes truncate, oversized blobs flag for
// externalization, and multi-value columns fan out.
type converter struct {
	b *Builder
	// srcPos maps table column position to its field position in
	// the source clustered index, -1 when not stored.
	srcPos []int
	// multiPos is the index field backed by a multi-value column,
	// -1 when none.
	multiPos int
	// docIDSrc is the source field holding stored doc ids, -1 when
	// ids are generated.
	docIDSrc int
}

func newConverter(b *Builder) *converter {
	c := &converter{b: b, multiPos: -1, docIDSrc: -1}
	src := b.ctx.Source
	c.srcPos = make([]int, len(src.Table.Columns))
	for i := range c.srcPos {
		c.srcPos[i] = -1
	}
	for pos, f := range src.Fields {
		c.srcPos[f.Col] = pos
	}
	for pos := range b.index.Fields {
		if b.index.Column(pos).MultiValue {
			c.multiPos = pos
		}
	}
	for col := range src.Table.Columns {
		if src.Table.Columns[col].FTSDocID {
			c.docIDSrc = c.srcPos[col]
		}
	}
	return c
}

// docIDFor resolves the full-text document id of a row: the stored
// column when the table declares one, a generated monotone counter
// otherwise.
func (c *converter) docIDFor(row *scan.Row) (uint64, error) {
	if c.docIDSrc < 0 {
		return c.b.docID.Add(1), nil
	}
	f := row.Tuple.Fields[c.docIDSrc]
	if f.Null || len(f.Data) != 8 {
		return 0, dberr.AutoincReadError
	}
	return rec.DecodeUint(f.Data), nil
}

// convert builds the target tuples for one clustered row. Multi-value
// columns emit one tuple per element, sharing the other fields.
func (c *converter) convert(row *scan.Row) ([]rec.Tuple, error) {
	idx := c.b.index
	fields := make([]rec.Field, idx.NFields())
	for pos := range idx.Fields {
		if pos == c.multiPos {
			continue
		}
		f, err := c.field(pos, row)
		if err != nil {
			return nil, err
		}
		fields[pos] = f
	}
	if c.multiPos < 0 {
		return []rec.Tuple{{Fields: fields}}, nil
	}

	multi, err := c.field(c.multiPos, row)
	if err != nil {
		return nil, err
	}
	if multi.Null {
		fields[c.multiPos] = multi
		return []rec.Tuple{{Fields: fields}}, nil
	}
	values, err := SplitMultiValue(multi.Data)
	if err != nil {
		return nil, dberr.Corruption
	}
	out := make([]rec.Tuple, 0, len(values))
	for _, v := range values {
		fs := make([]rec.Field, len(fields))
		copy(fs, fields)
		fs[c.multiPos] = rec.Field{Data: v}
		out = append(out, rec.Tuple{Fields: fs})
	}
	return out, nil
}

// field resolves one target field from the row.
func (c *converter) field(pos int, row *scan.Row) (rec.Field, error) {
	idx := c.b.index
	col := idx.Column(pos)

	var f rec.Field
	switch {
	case col.Virtual:
		if c.b.ctx.Virtual == nil {
			return f, dberr.ComputeValueFailed
		}
		var err error
		f, err = c.b.ctx.Virtual.Compute(col, row.Tuple)
		if err != nil {
			return f, dberr.ComputeValueFailed
		}
	case col.FTSDocID && c.docIDSrc < 0:
		f = rec.Field{Data: rec.EncodeUint(c.b.docID.Add(1))}
	default:
		sp := c.srcPos[idx.Fields[pos].Col]
		if sp < 0 {
			return f, dberr.Corruption
		}
		f = row.Tuple.Fields[sp]
	}

	if f.Null {
		if !col.Nullable {
			return f, dberr.InvalidNull
		}
		return f, nil
	}
	if pl := idx.Fields[pos].PrefixLen; pl > 0 && col.IsVar() {
		f.Data = schema.CharPrefix(f.Data, pl)
		f.Ext = false
	}
	if col.Type == schema.TypeBlob && idx.Fields[pos].PrefixLen == 0 && len(f.Data) > BlobInlineMax {
		f.Ext = true
	}
	return f, nil
}

// Multi-value payloads are a sequence of 2-byte big-endian lengths,
// each followed by that many bytes.

// SplitMultiValue parses a multi-value column payload into its
// elements.
func SplitMultiValue(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, dberr.Corruption
		}
		l := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if l > len(data) {
			return nil, dberr.Corruption
		}
		out = append(out, data[:l])
		data = data[l:]
	}
	return out, nil
}

// JoinMultiValue builds a multi-value payload from elements; hosts
// and tests stage source rows with it.
func JoinMultiValue(values [][]byte) []byte {
	var out []byte
	for _, v := range values {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(v)))
		out = append(out, l[:]...)
		out = append(out, v...)
	}
	return out
}

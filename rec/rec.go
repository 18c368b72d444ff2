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

// Package rec implements the in-memory tuple model and the physical
// record encoding shared by the sort buffers, spill files and pages.
//
// A record has two parts. The extra bytes carry the null bitmap and
// the variable-length headers; the data bytes carry the concatenated
// field payloads. On a page the extra bytes sit immediately before the
// record origin (preceded further by a fixed header owned by the page
// layer); in a spill file they follow a one- or two-byte length prefix.
package rec

import (
	"encoding/binary"

	"github.com/cedrusdb/cedrus/schema"
)

// Field is one tuple field: a payload slice plus its flags. A nil or
// non-nil Data with Null set encodes SQL NULL; Ext marks a field whose
// payload lives in external (BLOB) storage and whose Data holds the
// 20-byte external reference.
type Field struct {
	Data []byte
	Null bool
	Ext  bool
}

// Tuple is the canonical in-memory record: fields in index key order,
// key fields first. MinRec is set on the leftmost node pointer of each
// non-leaf level.
type Tuple struct {
	Fields []Field
	MinRec bool
}

// Clone deep-copies t so the result stays valid after the source
// buffer or page latch is gone.
func (t Tuple) Clone() Tuple {
	out := Tuple{Fields: make([]Field, len(t.Fields)), MinRec: t.MinRec}
	for i, f := range t.Fields {
		out.Fields[i] = Field{Null: f.Null, Ext: f.Ext}
		if !f.Null {
			out.Fields[i].Data = append([]byte(nil), f.Data...)
		}
	}
	return out
}

// NeedExt reports whether any field must be moved to external storage
// before the tuple can be placed on a page.
func (t Tuple) NeedExt() bool {
	for _, f := range t.Fields {
		if f.Ext {
			return true
		}
	}
	return false
}

// fieldMeta is the per-position encoding plan derived from the index.
type fieldMeta struct {
	nullable bool
	isVar    bool
	big      bool
	fixed    int // encoded size when !isVar
}

// ChildPageSize is the encoded size of the child page number field
// appended to node-pointer records.
const ChildPageSize = 4

// leafMeta returns the encoding plan for leaf records of idx.
func leafMeta(idx *schema.Index) []fieldMeta {
	metas := make([]fieldMeta, idx.NFields())
	for i := range metas {
		col := idx.Column(i)
		metas[i] = fieldMeta{
			nullable: col.Nullable,
			isVar:    col.IsVar(),
			big:      col.Big,
			fixed:    col.FixedSize(),
		}
	}
	return metas
}

// nodeMeta returns the encoding plan for node-pointer records of idx:
// the first NUniqueInTree key fields followed by the child page number.
func nodeMeta(idx *schema.Index) []fieldMeta {
	metas := leafMeta(idx)[:idx.NUniqueInTree]
	return append(metas[:len(metas):len(metas)], fieldMeta{fixed: ChildPageSize})
}

// ExtraSize returns the size in bytes of the extra part for a leaf
// record of idx: the null bitmap plus the variable-length headers.
// Each nullable column occupies one bitmap bit; each variable-length
// field contributes 1 byte when its length < 128 and the column is not
// "big", else 2 bytes; externally stored fields always contribute 2.
func ExtraSize(idx *schema.Index, t Tuple) int {
	return extraSize(leafMeta(idx), t)
}

func extraSize(metas []fieldMeta, t Tuple) int {
	nullable := 0
	n := 0
	for i, m := range metas {
		if m.nullable {
			nullable++
		}
		f := t.Fields[i]
		if f.Null || !m.isVar {
			continue
		}
		if f.Ext || m.big || len(f.Data) >= 128 {
			n += 2
		} else {
			n++
		}
	}
	return n + (nullable+7)/8
}

// DataSize returns the payload size of t: the sum of non-null field
// lengths. NULL fields occupy no data bytes.
func DataSize(t Tuple) int {
	n := 0
	for _, f := range t.Fields {
		if !f.Null {
			n += len(f.Data)
		}
	}
	return n
}

// Encode appends the extra and data images of a leaf record to the
// two destination slices and returns them.
func Encode(idx *schema.Index, t Tuple, extra, data []byte) ([]byte, []byte) {
	return encode(leafMeta(idx), t, extra, data)
}

// EncodeNode encodes a node-pointer record mapping the first
// NUniqueInTree fields of key to child.
func EncodeNode(idx *schema.Index, key Tuple, child uint32) (extra, data []byte) {
	t := NodeTuple(idx, key, child)
	return encode(nodeMeta(idx), t, nil, nil)
}

// NodeTuple builds the node-pointer tuple for child keyed by key.
func NodeTuple(idx *schema.Index, key Tuple, child uint32) Tuple {
	fields := make([]Field, 0, idx.NUniqueInTree+1)
	fields = append(fields, key.Fields[:idx.NUniqueInTree]...)
	var pg [ChildPageSize]byte
	binary.BigEndian.PutUint32(pg[:], child)
	fields = append(fields, Field{Data: pg[:]})
	return Tuple{Fields: fields, MinRec: key.MinRec}
}

// EncodeNodeTuple encodes an already-built node-pointer tuple (key
// fields plus child page field, as produced by NodeTuple).
func EncodeNodeTuple(idx *schema.Index, t Tuple, extra, data []byte) ([]byte, []byte) {
	return encode(nodeMeta(idx), t, extra, data)
}

// NodeExtraSize returns the extra size of a node-pointer tuple.
func NodeExtraSize(idx *schema.Index, t Tuple) int {
	return extraSize(nodeMeta(idx), t)
}

// NodeChild extracts the child page number from a node-pointer tuple.
func NodeChild(t Tuple) uint32 {
	last := t.Fields[len(t.Fields)-1]
	return binary.BigEndian.Uint32(last.Data)
}

func encode(metas []fieldMeta, t Tuple, extra, data []byte) ([]byte, []byte) {
	nullable := 0
	for _, m := range metas {
		if m.nullable {
			nullable++
		}
	}
	bitmap := make([]byte, (nullable+7)/8)
	nullBit := 0
	var hdrs []byte
	for i, m := range metas {
		f := t.Fields[i]
		if m.nullable {
			if f.Null {
				bitmap[nullBit/8] |= 1 << (nullBit % 8)
			}
			nullBit++
		}
		if f.Null {
			continue
		}
		if m.isVar {
			l := len(f.Data)
			if f.Ext || m.big || l >= 128 {
				b0 := byte(0x80 | (l>>8)&0x3f)
				if f.Ext {
					b0 |= 0x40
				}
				hdrs = append(hdrs, b0, byte(l))
			} else {
				hdrs = append(hdrs, byte(l))
			}
		}
		data = append(data, f.Data...)
	}
	extra = append(extra, bitmap...)
	extra = append(extra, hdrs...)
	return extra, data
}

// Decode rebuilds a leaf tuple from its extra and data images. The
// returned fields alias the input slices; use Clone to detach them.
func Decode(idx *schema.Index, extra, data []byte) Tuple {
	return decode(leafMeta(idx), extra, data)
}

// DecodeNode rebuilds a node-pointer tuple.
func DecodeNode(idx *schema.Index, extra, data []byte) Tuple {
	return decode(nodeMeta(idx), extra, data)
}

func decode(metas []fieldMeta, extra, data []byte) Tuple {
	nullable := 0
	for _, m := range metas {
		if m.nullable {
			nullable++
		}
	}
	bitmapLen := (nullable + 7) / 8
	bitmap := extra[:bitmapLen]
	hdrs := extra[bitmapLen:]
	t := Tuple{Fields: make([]Field, len(metas))}
	nullBit := 0
	off := 0
	for i, m := range metas {
		null := false
		if m.nullable {
			null = bitmap[nullBit/8]&(1<<(nullBit%8)) != 0
			nullBit++
		}
		if null {
			t.Fields[i].Null = true
			continue
		}
		var l int
		if m.isVar {
			b0 := hdrs[0]
			if b0 >= 0x80 {
				l = int(b0&0x3f)<<8 | int(hdrs[1])
				t.Fields[i].Ext = b0&0x40 != 0
				hdrs = hdrs[2:]
			} else {
				l = int(b0)
				hdrs = hdrs[1:]
			}
		} else {
			l = m.fixed
		}
		t.Fields[i].Data = data[off : off+l]
		off += l
	}
	return t
}

// DataSizeFromExtra computes the payload length of a leaf record
// from its extra bytes alone. File readers use it to frame records in
// a spill run, where only the extra length is carried explicitly.
func DataSizeFromExtra(idx *schema.Index, extra []byte) int {
	metas := leafMeta(idx)
	nullable := 0
	for _, m := range metas {
		if m.nullable {
			nullable++
		}
	}
	bitmapLen := (nullable + 7) / 8
	bitmap := extra[:bitmapLen]
	hdrs := extra[bitmapLen:]
	nullBit := 0
	total := 0
	for _, m := range metas {
		null := false
		if m.nullable {
			null = bitmap[nullBit/8]&(1<<(nullBit%8)) != 0
			nullBit++
		}
		if null {
			continue
		}
		if m.isVar {
			b0 := hdrs[0]
			if b0 >= 0x80 {
				total += int(b0&0x3f)<<8 | int(hdrs[1])
				hdrs = hdrs[2:]
			} else {
				total += int(b0)
				hdrs = hdrs[1:]
			}
		} else {
			total += m.fixed
		}
	}
	return total
}

// EncodeInt encodes a signed integer key so that unsigned byte
// comparison matches numeric order.
func EncodeInt(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// DecodeInt reverses EncodeInt.
func DecodeInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeUint encodes an unsigned integer key.
func EncodeUint(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// DecodeUint reverses EncodeUint.
func DecodeUint(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

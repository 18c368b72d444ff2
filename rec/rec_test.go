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
	"strings"
	"testing"

	"github.com/cedrusdb/cedrus/schema"
)

func testIndex(t *testing.T) *schema.Index {
	t.Helper()
	tbl := &schema.Table{
		Name: "t",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt},
			{Name: "name", Type: schema.TypeVarchar, Nullable: true},
			{Name: "payload", Type: schema.TypeBlob, Nullable: true, Big: true},
		},
	}
	idx := &schema.Index{
		ID:     1,
		Name:   "primary",
		Type:   schema.Clustered,
		Fields: []schema.IndexField{{Col: 0}, {Col: 1}, {Col: 2}},
		Unique: true, NUnique: 1, NUniqueInTree: 1,
	}
	if err := tbl.AddIndex(idx); err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	idx := testIndex(t)
	cases := []Tuple{
		{Fields: []Field{
			{Data: EncodeInt(42)},
			{Data: []byte("alice")},
			{Data: []byte(strings.Repeat("x", 300))},
		}},
		{Fields: []Field{
			{Data: EncodeInt(-7)},
			{Null: true},
			{Null: true},
		}},
		{Fields: []Field{
			{Data: EncodeInt(0)},
			{Data: []byte("")},
			{Data: []byte("ref-0123456789abcdef"), Ext: true},
		}},
	}
	for i, in := range cases {
		extra, data := Encode(idx, in, nil, nil)
		if len(extra) != ExtraSize(idx, in) {
			t.Errorf("case %d: extra size %d, ExtraSize says %d", i, len(extra), ExtraSize(idx, in))
		}
		if len(data) != DataSize(in) {
			t.Errorf("case %d: data size %d, DataSize says %d", i, len(data), DataSize(in))
		}
		out := Decode(idx, extra, data)
		if len(out.Fields) != len(in.Fields) {
			t.Fatalf("case %d: field count %d != %d", i, len(out.Fields), len(in.Fields))
		}
		for j := range in.Fields {
			if in.Fields[j].Null != out.Fields[j].Null || in.Fields[j].Ext != out.Fields[j].Ext {
				t.Errorf("case %d field %d: flag mismatch", i, j)
			}
			if !in.Fields[j].Null && !bytes.Equal(in.Fields[j].Data, out.Fields[j].Data) {
				t.Errorf("case %d field %d: payload mismatch", i, j)
			}
		}
	}
}

func TestExtraSizeRule(t *testing.T) {
	idx := testIndex(t)
	// bitmap: 2 nullable cols -> 1 byte
	short := Tuple{Fields: []Field{
		{Data: EncodeInt(1)},
		{Data: []byte("ab")}, // var, len<128, not big -> 1 byte
		{Null: true},
	}}
	if got := ExtraSize(idx, short); got != 2 {
		t.Errorf("short var header: extra = %d, want 2", got)
	}
	ext := Tuple{Fields: []Field{
		{Data: EncodeInt(1)},
		{Data: []byte("ab")},
		{Data: []byte("ref"), Ext: true}, // ext -> always 2 bytes
	}}
	if got := ExtraSize(idx, ext); got != 4 {
		t.Errorf("ext var header: extra = %d, want 4", got)
	}
}

func TestNodeTupleRoundTrip(t *testing.T) {
	idx := testIndex(t)
	key := Tuple{Fields: []Field{{Data: EncodeInt(99)}, {Data: []byte("k")}, {Null: true}}}
	extra, data := EncodeNode(idx, key, 17)
	node := DecodeNode(idx, extra, data)
	if got := NodeChild(node); got != 17 {
		t.Errorf("child page = %d, want 17", got)
	}
	if DecodeInt(node.Fields[0].Data) != 99 {
		t.Error("node pointer lost its key")
	}
}

func TestCompare(t *testing.T) {
	idx := testIndex(t)
	mk := func(id int64, name string) Tuple {
		return Tuple{Fields: []Field{
			{Data: EncodeInt(id)},
			{Data: []byte(name)},
			{Null: true},
		}}
	}
	if Compare(idx, mk(1, "a"), mk(2, "a")) >= 0 {
		t.Error("1 should sort before 2")
	}
	if Compare(idx, mk(-5, "a"), mk(3, "a")) >= 0 {
		t.Error("negative int should sort before positive")
	}
	if Compare(idx, mk(2, "a"), mk(2, "b")) >= 0 {
		t.Error("tie on int key should fall through to later fields")
	}
	if Compare(idx, mk(7, "x"), mk(7, "x")) != 0 {
		t.Error("identical tuples should compare equal")
	}
	null := Tuple{Fields: []Field{{Data: EncodeInt(2)}, {Null: true}, {Null: true}}}
	if Compare(idx, null, mk(2, "")) >= 0 {
		t.Error("NULL should sort before any value")
	}
}

func TestCompareForDup(t *testing.T) {
	idx := testIndex(t)
	a := Tuple{Fields: []Field{{Data: EncodeInt(3)}, {Data: []byte("x")}, {Null: true}}}
	b := Tuple{Fields: []Field{{Data: EncodeInt(3)}, {Data: []byte("y")}, {Null: true}}}
	dup := &Dup{Index: idx}
	CompareForDup(idx, a, b, dup)
	if dup.Empty() {
		t.Error("equal unique prefixes should report a duplicate")
	}
	dup = &Dup{Index: idx}
	c := Tuple{Fields: []Field{{Data: EncodeInt(4)}, {Data: []byte("x")}, {Null: true}}}
	CompareForDup(idx, a, c, dup)
	if !dup.Empty() {
		t.Error("distinct keys should not report a duplicate")
	}
}

func TestVarint(t *testing.T) {
	var buf [2]byte
	for _, l := range []int{0, 1, 126, 127, 128, 4000, MaxExtra - 1} {
		n := PutVarint(buf[:], l)
		if want := VarintLen(l); n != want {
			t.Errorf("len %d: wrote %d bytes, VarintLen says %d", l, n, want)
		}
		got, m := Varint(buf[:])
		if got != l || m != n {
			t.Errorf("len %d: round trip gave (%d,%d)", l, got, m)
		}
	}
	if l, n := Varint([]byte{EndOfRun}); l != -1 || n != 1 {
		t.Errorf("end-of-run marker decoded as (%d,%d)", l, n)
	}
}

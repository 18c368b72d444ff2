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

package sortbuf

import (
	"math/rand"
	"testing"

	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

func testIndex(t *testing.T) *schema.Index {
	t.Helper()
	tbl := &schema.Table{
		Name: "t",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt},
			{Name: "val", Type: schema.TypeVarchar, Nullable: true},
		},
	}
	idx := &schema.Index{
		ID: 5, Name: "primary", Type: schema.Clustered,
		Fields: []schema.IndexField{{Col: 0}, {Col: 1}},
		Unique: true, NUnique: 1, NUniqueInTree: 1,
	}
	if err := tbl.AddIndex(idx); err != nil {
		t.Fatal(err)
	}
	return idx
}

func tup(id int64, val string) rec.Tuple {
	return rec.Tuple{Fields: []rec.Field{
		{Data: rec.EncodeInt(id)},
		{Data: []byte(val)},
	}}
}

func TestSortOrders(t *testing.T) {
	idx := testIndex(t)
	b := New(idx, 1<<20, 1000)
	rng := rand.New(rand.NewSource(13))
	for _, k := range rng.Perm(200) {
		tp := tup(int64(k), "v")
		if err := b.Push(tp, rec.DataSize(tp)); err != nil {
			t.Fatal(err)
		}
	}
	b.Sort(nil)
	prev := int64(-1)
	for _, tp := range b.Tuples() {
		k := rec.DecodeInt(tp.Fields[0].Data)
		if k <= prev {
			t.Fatalf("not sorted: %d after %d", k, prev)
		}
		prev = k
	}
}

func TestSortReportsAdjacentDuplicate(t *testing.T) {
	idx := testIndex(t)
	b := New(idx, 1<<20, 100)
	for _, k := range []int64{1, 2, 3, 3, 4} {
		tp := tup(k, "v")
		if err := b.Push(tp, rec.DataSize(tp)); err != nil {
			t.Fatal(err)
		}
	}
	dup := &rec.Dup{Index: idx}
	b.Sort(dup)
	if dup.Count() != 1 {
		t.Fatalf("duplicate count = %d, want 1", dup.Count())
	}
}

func TestBudgets(t *testing.T) {
	idx := testIndex(t)
	b := New(idx, 1<<20, 4)
	for i := 0; i < 4; i++ {
		tp := tup(int64(i), "v")
		if err := b.Push(tp, rec.DataSize(tp)); err != nil {
			t.Fatal(err)
		}
	}
	if !b.IsFull() {
		t.Error("count budget of 4 not enforced")
	}
	if err := b.Push(tup(9, "v"), 9); err != ErrOverflow {
		t.Errorf("push past count budget: %v", err)
	}

	small := New(idx, 128, 1000)
	n := 0
	for {
		tp := tup(int64(n), "0123456789")
		if err := small.Push(tp, rec.DataSize(tp)); err == ErrOverflow {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n == 0 || n >= 10 {
		t.Errorf("byte budget of 128 admitted %d 18-byte tuples", n)
	}
}

func TestDeepCopyDetaches(t *testing.T) {
	idx := testIndex(t)
	b := New(idx, 1<<20, 10)
	src := []byte("mutable")
	tp := rec.Tuple{Fields: []rec.Field{
		{Data: rec.EncodeInt(1)},
		{Data: src},
	}}
	if err := b.Push(tp, rec.DataSize(tp)); err != nil {
		t.Fatal(err)
	}
	b.DeepCopyLast()
	src[0] = 'X'
	if string(b.Back().Fields[1].Data) != "mutable" {
		t.Fatal("deep copy still aliases the source row")
	}
}

func TestSerializeAlignsAndFlushes(t *testing.T) {
	idx := testIndex(t)
	b := New(idx, 1<<20, 1000)
	for i := 0; i < 300; i++ {
		tp := tup(int64(i), "some-payload-bytes")
		if err := b.Push(tp, rec.DataSize(tp)); err != nil {
			t.Fatal(err)
		}
	}
	b.Sort(nil)
	var out []byte
	ioBuf := make([]byte, 512)
	err := b.Serialize(ioBuf, 4096, func(block []byte) error {
		out = append(out, block...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out)%4096 != 0 {
		t.Errorf("serialized run length %d not aligned to 4096", len(out))
	}
	// decode the run back and compare
	pos := 0
	var keys []int64
	for {
		extraLen, n := rec.Varint(out[pos:])
		if extraLen < 0 {
			break
		}
		extra := out[pos+n : pos+n+extraLen]
		dataLen := rec.DataSizeFromExtra(idx, extra)
		data := out[pos+n+extraLen : pos+n+extraLen+dataLen]
		keys = append(keys, rec.DecodeInt(rec.Decode(idx, extra, data).Fields[0].Data))
		pos += n + extraLen + dataLen
	}
	if len(keys) != 300 {
		t.Fatalf("decoded %d records, want 300", len(keys))
	}
	for i, k := range keys {
		if k != int64(i) {
			t.Fatalf("record %d decoded as key %d", i, k)
		}
	}
}

func TestSerializeTooBigRecord(t *testing.T) {
	idx := testIndex(t)
	b := New(idx, 1<<20, 10)
	big := tup(1, string(make([]byte, 1024)))
	if err := b.Push(big, rec.DataSize(big)); err != nil {
		t.Fatal(err)
	}
	ioBuf := make([]byte, 256)
	err := b.Serialize(ioBuf, 4096, func([]byte) error { return nil })
	if err == nil {
		t.Fatal("1KiB record must not fit a 256-byte io buffer")
	}
}

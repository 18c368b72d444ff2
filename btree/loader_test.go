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

package btree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/page"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

func testIndex(t *testing.T, compressed bool) (*schema.Index, *bufpool.Pool) {
	t.Helper()
	tbl := &schema.Table{
		Name: "t",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt},
			{Name: "val", Type: schema.TypeVarchar, Nullable: true},
		},
		Compressed:   compressed,
		ZipSize:      8 << 10,
		NotTemporary: true,
	}
	idx := &schema.Index{
		ID: 3, Name: "primary", Type: schema.Clustered,
		Fields: []schema.IndexField{{Col: 0}, {Col: 1}},
		Unique: true, NUnique: 1, NUniqueInTree: 1,
	}
	if err := tbl.AddIndex(idx); err != nil {
		t.Fatal(err)
	}
	return idx, bufpool.New(16 << 10)
}

func tup(id int64, val string) rec.Tuple {
	return rec.Tuple{Fields: []rec.Field{
		{Data: rec.EncodeInt(id)},
		{Data: []byte(val)},
	}}
}

// sliceCursor feeds a fixed tuple slice to the loader.
type sliceCursor struct {
	tuples []rec.Tuple
	pos    int
}

func (c *sliceCursor) Fetch() (rec.Tuple, error) {
	if c.pos >= len(c.tuples) {
		return rec.Tuple{}, dberr.EndOfIndex
	}
	return c.tuples[c.pos], nil
}

func (c *sliceCursor) Next() error {
	c.pos++
	if c.pos >= len(c.tuples) {
		return dberr.EndOfIndex
	}
	return nil
}

func (c *sliceCursor) DuplicatesDetected() bool { return false }

func buildTree(t *testing.T, idx *schema.Index, pool *bufpool.Pool, tuples []rec.Tuple, cfg Config) *Loader {
	t.Helper()
	cfg.Pool = pool
	l := NewLoader(idx, cfg)
	if err := l.Build(&sliceCursor{tuples: tuples}); err != nil {
		t.Fatalf("build: %v", err)
	}
	return l
}

func scanKeys(t *testing.T, idx *schema.Index, pool *bufpool.Pool) []int64 {
	t.Helper()
	var keys []int64
	c, err := OpenFirst(pool, idx)
	if err == dberr.EndOfIndex {
		return keys
	}
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	for {
		keys = append(keys, rec.DecodeInt(c.Tuple().Fields[0].Data))
		if err := c.Next(); err == dberr.EndOfIndex {
			return keys
		} else if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
}

func TestSingleLeafBuild(t *testing.T) {
	idx, pool := testIndex(t, false)
	var tuples []rec.Tuple
	for i := 1; i <= 10; i++ {
		tuples = append(tuples, tup(int64(i), "v"))
	}
	l := buildTree(t, idx, pool, tuples, Config{FillFactor: 100})
	if l.NRecs() != 10 {
		t.Errorf("NRecs = %d, want 10", l.NRecs())
	}
	root, err := pool.Get(idx.RootPage(), bufpool.LatchS)
	if err != nil {
		t.Fatal(err)
	}
	frame := root.Frame()
	if page.Level(frame) != 0 {
		t.Errorf("10-record tree should be a single leaf, level = %d", page.Level(frame))
	}
	if page.NRecs(frame) != 10 {
		t.Errorf("root n_recs = %d, want 10", page.NRecs(frame))
	}
	if page.NSlots(frame) != 4 {
		t.Errorf("root n_slots = %d, want 4", page.NSlots(frame))
	}
	root.Unlock(bufpool.LatchS)

	got := scanKeys(t, idx, pool)
	for i, k := range got {
		if k != int64(i+1) {
			t.Fatalf("scan[%d] = %d, want %d", i, k, i+1)
		}
	}
}

func TestMultiLevelBuild(t *testing.T) {
	idx, pool := testIndex(t, false)
	const n = 5000
	val := string(make([]byte, 64))
	var tuples []rec.Tuple
	for i := 0; i < n; i++ {
		tuples = append(tuples, tup(int64(i), val))
	}
	l := buildTree(t, idx, pool, tuples, Config{FillFactor: 100})
	if l.NRecs() != n {
		t.Fatalf("NRecs = %d, want %d", l.NRecs(), n)
	}
	root, err := pool.Get(idx.RootPage(), bufpool.LatchS)
	if err != nil {
		t.Fatal(err)
	}
	if page.Level(root.Frame()) == 0 {
		t.Error("5000 wide records should not fit one leaf")
	}
	root.Unlock(bufpool.LatchS)

	keys := scanKeys(t, idx, pool)
	if len(keys) != n {
		t.Fatalf("leaf chain yields %d records, want %d", len(keys), n)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("leaf chain not increasing at %d: %d >= %d", i, keys[i-1], keys[i])
		}
	}

	// point lookups through the node-pointer levels
	for _, probe := range []int64{0, 1, n / 2, n - 2, n - 1} {
		got, ok, err := Get(pool, idx, rec.Tuple{Fields: []rec.Field{{Data: rec.EncodeInt(probe)}}})
		if err != nil || !ok {
			t.Fatalf("Get(%d): ok=%v err=%v", probe, ok, err)
		}
		if rec.DecodeInt(got.Fields[0].Data) != probe {
			t.Fatalf("Get(%d) returned key %d", probe, rec.DecodeInt(got.Fields[0].Data))
		}
	}
	if _, ok, _ := Get(pool, idx, rec.Tuple{Fields: []rec.Field{{Data: rec.EncodeInt(int64(n))}}}); ok {
		t.Error("Get past the last key should miss")
	}
}

func TestEmptySourceBuild(t *testing.T) {
	idx, pool := testIndex(t, false)
	buildTree(t, idx, pool, nil, Config{})
	if idx.RootPage() == schema.NullPage {
		t.Fatal("empty build must still splice a root")
	}
	root, err := pool.Get(idx.RootPage(), bufpool.LatchS)
	if err != nil {
		t.Fatal(err)
	}
	frame := root.Frame()
	if page.Level(frame) != 0 || page.NRecs(frame) != 0 {
		t.Errorf("empty build root: level=%d n_recs=%d, want empty leaf", page.Level(frame), page.NRecs(frame))
	}
	root.Unlock(bufpool.LatchS)
	if keys := scanKeys(t, idx, pool); len(keys) != 0 {
		t.Errorf("scan of empty index returned %d keys", len(keys))
	}
}

func TestRandomPermutationBuild(t *testing.T) {
	idx, pool := testIndex(t, false)
	rng := rand.New(rand.NewSource(99))
	perm := rng.Perm(2000)
	// loader requires non-decreasing input; sort keys but vary sizes
	var tuples []rec.Tuple
	for i := 0; i < len(perm); i++ {
		tuples = append(tuples, tup(int64(i), fmt.Sprintf("val-%d-%d", i, perm[i])))
	}
	buildTree(t, idx, pool, tuples, Config{FillFactor: 90})
	keys := scanKeys(t, idx, pool)
	if len(keys) != len(perm) {
		t.Fatalf("got %d records, want %d", len(keys), len(perm))
	}
}

// throttle fires every nth Required call.
type throttle struct {
	period   int
	calls    int
	waits    int
	fixCheck func()
}

func (th *throttle) Required() bool {
	th.calls++
	return th.period > 0 && th.calls%th.period == 0
}

func (th *throttle) Wait() {
	th.waits++
	if th.fixCheck != nil {
		th.fixCheck()
	}
}

func TestLogFreeCheckYield(t *testing.T) {
	mk := func(period int) (*schema.Index, []int64) {
		idx, pool := testIndex(t, false)
		th := &throttle{period: period}
		var tuples []rec.Tuple
		val := string(make([]byte, 128))
		for i := 0; i < 3000; i++ {
			tuples = append(tuples, tup(int64(i), val))
		}
		buildTree(t, idx, pool, tuples, Config{FillFactor: 100, Throttle: th})
		if period > 0 && th.waits == 0 {
			t.Fatalf("throttle with period %d never fired", period)
		}
		return idx, scanKeys(t, idx, pool)
	}
	_, withYields := mk(3)
	_, without := mk(0)
	if len(withYields) != len(without) {
		t.Fatalf("yielding build has %d records, non-yielding %d", len(withYields), len(without))
	}
	for i := range withYields {
		if withYields[i] != without[i] {
			t.Fatalf("trees differ at record %d", i)
		}
	}
}

func TestFixHeldAcrossYield(t *testing.T) {
	idx, pool := testIndex(t, false)
	l := NewLoader(idx, Config{Pool: pool, FillFactor: 100})
	th := &throttle{period: 1}
	l.cfg.Throttle = th
	val := string(make([]byte, 256))
	var fixViolations int
	// install the check after the first page exists
	if err := l.Insert(tup(0, val), 0); err != nil {
		t.Fatal(err)
	}
	th.fixCheck = func() {
		if l.loaders[0].Block().FixCount() < 1 {
			fixViolations++
		}
	}
	for i := 1; i < 400; i++ {
		if err := l.Insert(tup(int64(i), val), 0); err != nil {
			t.Fatal(err)
		}
	}
	if th.waits == 0 {
		t.Fatal("throttle never fired")
	}
	if fixViolations != 0 {
		t.Fatalf("fix count dropped below 1 during %d yields", fixViolations)
	}
	if err := l.Finish(nil); err != nil {
		t.Fatal(err)
	}
}

func TestCompressedBuildSplits(t *testing.T) {
	idx, pool := testIndex(t, true)
	rng := rand.New(rand.NewSource(4))
	var tuples []rec.Tuple
	buf := make([]byte, 200)
	for i := 0; i < 600; i++ {
		rng.Read(buf)
		tuples = append(tuples, tup(int64(i), string(buf)))
	}
	buildTree(t, idx, pool, tuples, Config{FillFactor: 100})
	keys := scanKeys(t, idx, pool)
	if len(keys) != len(tuples) {
		t.Fatalf("compressed build yields %d records, want %d", len(keys), len(tuples))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("compressed build not increasing at %d", i)
		}
	}
}

func TestBuildErrorRollsBack(t *testing.T) {
	idx, pool := testIndex(t, false)
	l := NewLoader(idx, Config{Pool: pool, FillFactor: 100})
	for i := 0; i < 50; i++ {
		if err := l.Insert(tup(int64(i), "v"), 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Finish(dberr.DuplicateKey); err != dberr.DuplicateKey {
		t.Fatalf("Finish(err) = %v", err)
	}
	if idx.RootPage() != schema.NullPage {
		t.Error("failed build must not splice a root")
	}
}

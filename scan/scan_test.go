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

package scan

import (
	"sort"
	"sync"
	"testing"

	"github.com/cedrusdb/cedrus/btree"
	"github.com/cedrusdb/cedrus/bufpool"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/mvcc"
	"github.com/cedrusdb/cedrus/page"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// sourceTree builds a clustered index of n rows with the hidden
// trx-id column at field position 1, trx id = trxOf(i).
func sourceTree(t *testing.T, n int, valLen int, trxOf func(int) uint64) (*schema.Index, *bufpool.Pool) {
	t.Helper()
	tbl := &schema.Table{
		Name: "src",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt},
			{Name: "db_trx_id", Type: schema.TypeUint},
			{Name: "val", Type: schema.TypeVarchar, Nullable: true},
		},
	}
	idx := &schema.Index{
		ID: 1, Name: "primary", Type: schema.Clustered,
		Fields:   []schema.IndexField{{Col: 0}, {Col: 1}, {Col: 2}},
		Unique:   true, NUnique: 1, NUniqueInTree: 1,
		TrxIDPos: 1,
	}
	if err := tbl.AddIndex(idx); err != nil {
		t.Fatal(err)
	}
	pool := bufpool.New(16 << 10)
	l := btree.NewLoader(idx, btree.Config{Pool: pool, FillFactor: 100})
	val := make([]byte, valLen)
	for i := 0; i < n; i++ {
		tp := rec.Tuple{Fields: []rec.Field{
			{Data: rec.EncodeInt(int64(i))},
			{Data: rec.EncodeUint(trxOf(i))},
			{Data: val},
		}}
		if err := l.Insert(tp, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Finish(nil); err != nil {
		t.Fatal(err)
	}
	return idx, pool
}

// collector gathers rows per thread.
type collector struct {
	mu      sync.Mutex
	perTid  map[int][]int64
	started map[int]bool
	pages   int
	onPage  func(c *btree.ReadCursor) error
	onRow   func(tid int, row *Row) error
}

func newCollector() *collector {
	return &collector{perTid: make(map[int][]int64), started: make(map[int]bool)}
}

func (c *collector) Start(tid int) error {
	c.mu.Lock()
	c.started[tid] = true
	c.mu.Unlock()
	return nil
}

func (c *collector) Row(tid int, row *Row) error {
	if c.onRow != nil {
		if err := c.onRow(tid, row); err != nil {
			return err
		}
	}
	key := rec.DecodeInt(row.Tuple.Fields[0].Data)
	c.mu.Lock()
	c.perTid[tid] = append(c.perTid[tid], key)
	c.mu.Unlock()
	return nil
}

func (c *collector) PageBoundary(tid int, cur *btree.ReadCursor) error {
	c.mu.Lock()
	c.pages++
	c.mu.Unlock()
	if c.onPage != nil {
		return c.onPage(cur)
	}
	return nil
}

func (c *collector) End(int, error) {}

func (c *collector) all() []int64 {
	var out []int64
	for _, keys := range c.perTid {
		out = append(out, keys...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestParallelScanSeesEveryRowOnce(t *testing.T) {
	const n = 4000
	idx, pool := sourceTree(t, n, 64, func(int) uint64 { return 10 })
	s := New(pool, idx, Config{Workers: 4, InterruptPeriod: 100})
	ranges, err := s.Partition()
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) < 2 {
		t.Fatalf("4000 wide rows partitioned into %d ranges", len(ranges))
	}
	col := newCollector()
	if err := s.Scan(col); err != nil {
		t.Fatal(err)
	}
	got := col.all()
	if len(got) != n {
		t.Fatalf("scanned %d rows, want %d", len(got), n)
	}
	for i, k := range got {
		if k != int64(i) {
			t.Fatalf("row %d missing or duplicated (saw %d)", i, k)
		}
	}
	// within a thread, rows arrive in key order
	for tid, keys := range col.perTid {
		for i := 1; i < len(keys); i++ {
			if keys[i-1] >= keys[i] {
				t.Fatalf("thread %d out of order at %d", tid, i)
			}
		}
	}
}

func TestSingleLeafSingleRange(t *testing.T) {
	idx, pool := sourceTree(t, 5, 4, func(int) uint64 { return 1 })
	s := New(pool, idx, Config{Workers: 4})
	ranges, err := s.Partition()
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 1 {
		t.Fatalf("single-leaf tree gave %d ranges", len(ranges))
	}
	col := newCollector()
	if err := s.Scan(col); err != nil {
		t.Fatal(err)
	}
	if len(col.all()) != 5 {
		t.Fatalf("scanned %d rows, want 5", len(col.all()))
	}
}

func TestMVCCVisibility(t *testing.T) {
	// rows 0..9: even rows committed by trx 5, odd rows by trx 100
	idx, pool := sourceTree(t, 10, 4, func(i int) uint64 {
		if i%2 == 0 {
			return 5
		}
		return 100
	})
	view := mvcc.NewView(50, nil)
	s := New(pool, idx, Config{Workers: 1, View: view})
	col := newCollector()
	if err := s.Scan(col); err != nil {
		t.Fatal(err)
	}
	got := col.all()
	if len(got) != 5 {
		t.Fatalf("view should see 5 rows, saw %d", len(got))
	}
	for _, k := range got {
		if k%2 != 0 {
			t.Fatalf("row %d written by trx 100 is visible under limit 50", k)
		}
	}
}

func TestDeleteMarkedSkipped(t *testing.T) {
	idx, pool := sourceTree(t, 10, 4, func(int) uint64 { return 1 })
	// delete-mark key 3
	key := rec.Tuple{Fields: []rec.Field{{Data: rec.EncodeInt(3)}}}
	c, err := btree.OpenAt(pool, idx, key)
	if err != nil {
		t.Fatal(err)
	}
	page.SetDeleted(c.Block().Frame(), c.Origin(), true)
	c.Close()

	s := New(pool, idx, Config{Workers: 1})
	col := newCollector()
	if err := s.Scan(col); err != nil {
		t.Fatal(err)
	}
	got := col.all()
	if len(got) != 9 {
		t.Fatalf("scanned %d rows, want 9", len(got))
	}
	for _, k := range got {
		if k == 3 {
			t.Fatal("delete-marked row surfaced")
		}
	}
}

func TestSavepointAtPageBoundary(t *testing.T) {
	idx, pool := sourceTree(t, 2000, 64, func(int) uint64 { return 1 })
	col := newCollector()
	yields := 0
	col.onPage = func(cur *btree.ReadCursor) error {
		// drop latches, do "unbounded work", restore
		sp := cur.Savepoint()
		yields++
		return cur.RestoreSavepoint(sp)
	}
	s := New(pool, idx, Config{Workers: 2})
	if err := s.Scan(col); err != nil {
		t.Fatal(err)
	}
	if yields == 0 {
		t.Fatal("page boundary callback never ran")
	}
	if got := col.all(); len(got) != 2000 {
		t.Fatalf("scanned %d rows with savepoints, want 2000", len(got))
	}
}

func TestInterruptStopsScan(t *testing.T) {
	idx, pool := sourceTree(t, 3000, 64, func(int) uint64 { return 1 })
	interrupted := false
	s := New(pool, idx, Config{
		Workers:         1,
		InterruptPeriod: 500,
		Interrupt:       func() bool { return interrupted },
	})
	col := newCollector()
	col.onRow = func(tid int, row *Row) error {
		if rec.DecodeInt(row.Tuple.Fields[0].Data) == 100 {
			interrupted = true
		}
		return nil
	}
	err := s.Scan(col)
	if err != dberr.Interrupted {
		t.Fatalf("scan returned %v, want interrupted", err)
	}
	if n := len(col.all()); n >= 3000 {
		t.Fatal("interrupt did not stop the scan early")
	}
}

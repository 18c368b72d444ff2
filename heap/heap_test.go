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

package heap

import (
	"math/rand"
	"testing"

	"golang.org/x/exp/slices"
)

func TestPushPop(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5eed))
	h := New(1000, func(a, b int) bool { return a < b })
	for i := 0; i < 1000; i++ {
		h.Push(rng.Int())
	}
	sorted := make([]int, 0, h.Len())
	for h.Len() > 0 {
		sorted = append(sorted, h.Pop())
	}
	if !slices.IsSorted(sorted) {
		t.Fatal("drain order not sorted")
	}
}

func TestFix(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	h := New(100, func(a, b int) bool { return a < b })
	for i := 0; i < 100; i++ {
		h.Push(rng.Intn(1 << 20))
	}
	// disturb an interior element, then Fix
	h.items[h.Len()/2] = -1
	h.Fix(h.Len() / 2)
	if h.Peek() != -1 {
		t.Errorf("expected disturbed element on top, got %d", h.Peek())
	}
	sorted := make([]int, 0, h.Len())
	for h.Len() > 0 {
		sorted = append(sorted, h.Pop())
	}
	if !slices.IsSorted(sorted) {
		t.Fatal("drain order not sorted after Fix")
	}
}

func TestTieBreak(t *testing.T) {
	type entry struct {
		key, id int
	}
	less := func(a, b entry) bool {
		if a.key != b.key {
			return a.key < b.key
		}
		return a.id < b.id
	}
	h := New(8, less)
	for id := 7; id >= 0; id-- {
		h.Push(entry{key: 42, id: id})
	}
	for want := 0; want < 8; want++ {
		if got := h.Pop(); got.id != want {
			t.Fatalf("tie-break by id: got %d, want %d", got.id, want)
		}
	}
}

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

package compr

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"zstd", "s2"} {
		c := ForName(name)
		if c == nil {
			t.Fatalf("no codec %q", name)
		}
		src := bytes.Repeat([]byte("cedrus"), 1000)
		enc := c.Compress(src, nil)
		if len(enc) >= len(src) {
			t.Errorf("%s: repetitive input did not shrink: %d -> %d", name, len(src), len(enc))
		}
		dst := make([]byte, len(src))
		if err := c.Decompress(enc, dst); err != nil {
			t.Fatalf("%s: decompress: %v", name, err)
		}
		if !bytes.Equal(src, dst) {
			t.Fatalf("%s: round trip mismatch", name)
		}
	}
}

func TestFits(t *testing.T) {
	c := ForName("zstd")
	compressible := bytes.Repeat([]byte{0xab}, 16<<10)
	if _, ok := Fits(c, compressible, 8<<10); !ok {
		t.Error("constant 16KiB page should fit in 8KiB frame")
	}
	rng := rand.New(rand.NewSource(7))
	random := make([]byte, 16<<10)
	rng.Read(random)
	if _, ok := Fits(c, random, 8<<10); ok {
		t.Error("random 16KiB page should not fit in 8KiB frame")
	}
}

func TestUnknownName(t *testing.T) {
	if ForName("lz77") != nil {
		t.Error("unknown codec name should return nil")
	}
}

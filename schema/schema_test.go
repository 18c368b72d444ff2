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

package schema

import "testing"

func TestCharPrefix(t *testing.T) {
	cases := []struct {
		in     string
		nchars int
		want   string
	}{
		{"hello", 3, "hel"},
		{"hello", 10, "hello"},
		{"hello", 0, "hello"},
		{"héllo", 2, "hé"},       // é is two bytes
		{"日本語テキスト", 3, "日本語"}, // three bytes per rune
		{"", 4, ""},
	}
	for _, c := range cases {
		if got := string(CharPrefix([]byte(c.in), c.nchars)); got != c.want {
			t.Errorf("CharPrefix(%q, %d) = %q, want %q", c.in, c.nchars, got, c.want)
		}
	}
}

func TestAddIndexDefaults(t *testing.T) {
	tbl := &Table{
		Name: "t",
		Columns: []Column{
			{Name: "a", Type: TypeInt},
			{Name: "b", Type: TypeVarchar, Nullable: true},
		},
	}
	idx := &Index{Name: "primary", Type: Clustered, Fields: []IndexField{{Col: 0}, {Col: 1}}}
	if err := tbl.AddIndex(idx); err != nil {
		t.Fatal(err)
	}
	if idx.NUnique != 2 || idx.NUniqueInTree != 2 {
		t.Errorf("unique defaults: %d/%d", idx.NUnique, idx.NUniqueInTree)
	}
	if idx.TrxIDPos != -1 {
		t.Errorf("trx id position default: %d", idx.TrxIDPos)
	}
	if idx.RootPage() != NullPage {
		t.Error("fresh index has a root page")
	}
	if tbl.Clustered() != idx {
		t.Error("clustered lookup failed")
	}

	bad := &Index{Name: "ix", Fields: []IndexField{{Col: 7}}}
	if err := tbl.AddIndex(bad); err == nil {
		t.Error("out-of-range column accepted")
	}
}

func TestColumnSizes(t *testing.T) {
	i := Column{Type: TypeInt}
	if i.FixedSize() != 8 || i.IsVar() {
		t.Error("int column misdescribed")
	}
	c := Column{Type: TypeChar, FixedLen: 3}
	if c.FixedSize() != 3 {
		t.Error("char column misdescribed")
	}
	v := Column{Type: TypeVarchar}
	if !v.IsVar() || v.FixedSize() != 0 {
		t.Error("varchar column misdescribed")
	}
}

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

// Package mvcc provides the read-view snapshot the parallel scan uses
// to filter row versions, and the interface through which older
// versions are materialized. Version storage itself belongs to the
// host; the engine only consumes it.
package mvcc

import (
	"sort"

	"github.com/cedrusdb/cedrus/rec"
)

// TrxID identifies a transaction.
type TrxID uint64

// View is a consistent-read snapshot: changes by transactions at or
// above Limit, or in Active at snapshot time, are invisible.
type View struct {
	// Limit is the low water mark: ids >= Limit are invisible.
	Limit TrxID
	// Active holds the ids that were open at snapshot time, sorted.
	Active []TrxID
}

// NewView builds a view. active need not be sorted.
func NewView(limit TrxID, active []TrxID) *View {
	v := &View{Limit: limit, Active: append([]TrxID(nil), active...)}
	sort.Slice(v.Active, func(i, j int) bool { return v.Active[i] < v.Active[j] })
	return v
}

// Sees reports whether a row version written by id is visible.
func (v *View) Sees(id TrxID) bool {
	if id >= v.Limit {
		return false
	}
	i := sort.Search(len(v.Active), func(i int) bool { return v.Active[i] >= id })
	return i >= len(v.Active) || v.Active[i] != id
}

// Versions materializes the newest committed version of a row that a
// view can see. Implemented by the host's undo/rollback machinery.
type Versions interface {
	// BuildForConsistentRead returns the visible version of the row
	// identified by the current (invisible) tuple, or ok=false when
	// no visible version exists (the row was created after the
	// snapshot).
	BuildForConsistentRead(view *View, current rec.Tuple, id TrxID) (prev rec.Tuple, prevID TrxID, ok bool)
}

// NoVersions is the Versions implementation for hosts without undo
// history: invisible rows are simply skipped.
type NoVersions struct{}

// BuildForConsistentRead always reports no visible version.
func (NoVersions) BuildForConsistentRead(*View, rec.Tuple, TrxID) (rec.Tuple, TrxID, bool) {
	return rec.Tuple{}, 0, false
}

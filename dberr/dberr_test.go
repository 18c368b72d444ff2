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

package dberr

import (
	"sync"
	"testing"
)

func TestRegisterFirstWriteWins(t *testing.T) {
	var r Register
	if r.Failed() {
		t.Fatal("fresh register is failed")
	}
	if !r.Set(DuplicateKey) {
		t.Fatal("first store rejected")
	}
	if r.Set(IOError) {
		t.Fatal("second store accepted")
	}
	if r.Get() != DuplicateKey {
		t.Fatalf("register holds %v", r.Get())
	}
}

func TestRegisterIgnoresSentinels(t *testing.T) {
	var r Register
	r.Set(Success)
	r.Set(EndOfIndex)
	r.Set(EndOfFile)
	if r.Failed() {
		t.Fatalf("sentinel stored: %v", r.Get())
	}
}

func TestRegisterConcurrent(t *testing.T) {
	var r Register
	var wg sync.WaitGroup
	errs := []Err{DuplicateKey, IOError, Interrupted, OutOfMemory}
	for _, e := range errs {
		wg.Add(1)
		go func(e Err) {
			defer wg.Done()
			r.Set(e)
		}(e)
	}
	wg.Wait()
	got := r.Get()
	found := false
	for _, e := range errs {
		if got == e {
			found = true
		}
	}
	if !found {
		t.Fatalf("register holds %v, not one of the stored errors", got)
	}
}

func TestErrorStrings(t *testing.T) {
	if Success.Error() == "" || DuplicateKey.Error() == "" {
		t.Fatal("empty error string")
	}
	if !IsSentinel(EndOfIndex) || !IsSentinel(EndOfFile) {
		t.Fatal("sentinels misclassified")
	}
	if IsSentinel(DuplicateKey) {
		t.Fatal("failure classified as sentinel")
	}
}

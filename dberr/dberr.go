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

// Package dberr defines the closed set of error codes surfaced by the
// index-build engine, plus the write-once error register shared by the
// worker threads of a build.
package dberr

import "sync/atomic"

// Err is an engine error code. The set is closed; collaborators that
// fail with foreign errors are mapped to one of these at the boundary.
type Err int32

const (
	Success Err = iota
	Interrupted
	OutOfMemory
	OutOfFileSpace
	TempFileWriteFail
	IOError
	TooBigRecord
	DuplicateKey
	AutoincReadError
	ComputeValueFailed
	DataNotSorted
	InvalidNull
	OnlineLogTooBig
	Corruption
	EndOfIndex
	EndOfFile
	Fail
	Error
)

var names = map[Err]string{
	Success:            "success",
	Interrupted:        "interrupted",
	OutOfMemory:        "out of memory",
	OutOfFileSpace:     "out of file space",
	TempFileWriteFail:  "temporary file write failed",
	IOError:            "i/o error",
	TooBigRecord:       "record too big",
	DuplicateKey:       "duplicate key",
	AutoincReadError:   "auto-increment read error",
	ComputeValueFailed: "computing generated column value failed",
	DataNotSorted:      "data not sorted",
	InvalidNull:        "invalid NULL value",
	OnlineLogTooBig:    "online change log too big",
	Corruption:         "page corruption detected",
	EndOfIndex:         "end of index",
	EndOfFile:          "end of file",
	Fail:               "operation failed",
	Error:              "generic error",
}

func (e Err) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "unknown error"
}

// IsSentinel reports whether e is an iteration sentinel rather
// than a failure. EndOfIndex and EndOfFile terminate cursors; they
// must never be stored into an error register.
func IsSentinel(e Err) bool {
	return e == EndOfIndex || e == EndOfFile
}

// Register is the per-builder error slot. The first non-success store
// wins; later stores are ignored so that the error a user sees is the
// one that actually stopped the build.
type Register struct {
	v atomic.Int32
}

// Set records err if the register is still Success. Sentinels and
// Success itself are ignored. It reports whether err was stored.
func (r *Register) Set(err Err) bool {
	if err == Success || IsSentinel(err) {
		return false
	}
	return r.v.CompareAndSwap(int32(Success), int32(err))
}

// Get returns the current value with acquire semantics.
func (r *Register) Get() Err {
	return Err(r.v.Load())
}

// Failed reports whether a non-success error has been recorded.
func (r *Register) Failed() bool {
	return r.Get() != Success
}

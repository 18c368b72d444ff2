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

// Package page implements the on-page record layout and the
// single-page loader used by the bulk B-tree build.
//
// A page frame looks like this:
//
//	header ‖ infimum ‖ supremum ‖ record heap → … ← directory ‖ trailer
//
// Records grow upward from low addresses; the slot directory grows
// downward from the trailer. Each record is laid out as
//
//	extra_bytes ‖ fixed_header(7) ‖ payload
//
// with the record origin pointing at the payload. The fixed header
// carries the extra length, info bits and owned count, the heap
// number and record status, and the absolute offset of the next
// record in key order.
package page

import (
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/schema"
)

// Header field offsets within a page frame.
const (
	OffChecksum  = 0  // 8 bytes; siphash-2-4 of frame[8:]
	OffPageNo    = 8  // 4 bytes
	OffPrev      = 12 // 4 bytes
	OffNext      = 16 // 4 bytes
	OffLevel     = 20 // 2 bytes; 0 = leaf
	OffIndexID   = 22 // 8 bytes
	OffNHeap     = 30 // 2 bytes; heap records incl. infimum/supremum
	OffHeapTop   = 32 // 2 bytes
	OffNRecs     = 34 // 2 bytes; user records only
	OffNSlots    = 36 // 2 bytes
	OffLastIns   = 38 // 2 bytes; origin of last insert, 0 = none
	OffDirection = 40 // 1 byte
	OffNDirect   = 41 // 2 bytes

	headerEnd = 43
)

// Insert direction values.
const (
	DirNone  = 0
	DirRight = 1
)

// Fixed record header, laid out immediately before the origin:
//
//	-7..-6  extra length (big-endian)
//	-5      info bits (high nibble) | owned count (low nibble,
//	        counts up to MaxOwned)
//	-4..-3  heap number (13 bits) | status (3 bits)
//	-2..-1  next record origin, absolute; 0 = end of list
const (
	HdrSize = 7

	infoMinRec  = 0x10
	infoDeleted = 0x20
	ownedMask   = 0x0f
)

// Record status values.
const (
	StatusOrdinary = 0
	StatusNodePtr  = 1
	StatusInfimum  = 2
	StatusSupremum = 3
)

// Pseudo-record positions. Infimum and supremum are fixed-size
// records with an empty extra part and an 8-byte literal payload.
const (
	pseudoData = 8

	InfimumOrigin  = headerEnd + HdrSize               // 50
	SupremumOrigin = InfimumOrigin + pseudoData + HdrSize // 65
	DataBegin      = SupremumOrigin + pseudoData          // 73

	TrailerSize = 8
	SlotSize    = 2
)

// Directory constants. A slot owns up to MaxOwned consecutive
// records; finish targets OwnedTarget records per slot.
const (
	MaxOwned    = 8
	OwnedTarget = (MaxOwned + 1) / 2
)

var (
	infimumLit  = [pseudoData]byte{'i', 'n', 'f', 'i', 'm', 'u', 'm', 0}
	supremumLit = [pseudoData]byte{'s', 'u', 'p', 'r', 'e', 'm', 'u', 'm'}
)

// Format writes an empty page image: header, pseudo-records, and a
// two-slot directory.
func Format(frame []byte, pageNo uint32, indexID uint64, level int) {
	for i := range frame[:DataBegin] {
		frame[i] = 0
	}
	binary.BigEndian.PutUint32(frame[OffPageNo:], pageNo)
	binary.BigEndian.PutUint32(frame[OffPrev:], NullPage)
	binary.BigEndian.PutUint32(frame[OffNext:], NullPage)
	binary.BigEndian.PutUint16(frame[OffLevel:], uint16(level))
	binary.BigEndian.PutUint64(frame[OffIndexID:], indexID)
	binary.BigEndian.PutUint16(frame[OffNHeap:], 2)
	binary.BigEndian.PutUint16(frame[OffHeapTop:], DataBegin)
	binary.BigEndian.PutUint16(frame[OffNSlots:], 2)

	writeHdr(frame, InfimumOrigin, hdr{owned: 1, heapNo: 0, status: StatusInfimum, next: SupremumOrigin})
	copy(frame[InfimumOrigin:], infimumLit[:])
	writeHdr(frame, SupremumOrigin, hdr{owned: 1, heapNo: 1, status: StatusSupremum, next: 0})
	copy(frame[SupremumOrigin:], supremumLit[:])

	slotSet(frame, 0, InfimumOrigin)
	slotSet(frame, 1, SupremumOrigin)
}

// NullPage mirrors bufpool's sentinel so read helpers need no import.
const NullPage = ^uint32(0)

type hdr struct {
	extraLen int
	info     byte
	owned    int
	heapNo   int
	status   int
	next     int
}

func writeHdr(frame []byte, origin int, h hdr) {
	at := origin - HdrSize
	binary.BigEndian.PutUint16(frame[at:], uint16(h.extraLen))
	frame[at+2] = h.info | byte(h.owned)&ownedMask
	binary.BigEndian.PutUint16(frame[at+3:], uint16(h.heapNo)<<3|uint16(h.status))
	binary.BigEndian.PutUint16(frame[at+5:], uint16(h.next))
}

// ExtraLen returns the extra length of the record at origin.
func ExtraLen(frame []byte, origin int) int {
	return int(binary.BigEndian.Uint16(frame[origin-HdrSize:]))
}

// Next returns the origin of the record after origin in key order,
// or 0 past the supremum.
func Next(frame []byte, origin int) int {
	return int(binary.BigEndian.Uint16(frame[origin-HdrSize+5:]))
}

func setNextRec(frame []byte, origin, next int) {
	binary.BigEndian.PutUint16(frame[origin-HdrSize+5:], uint16(next))
}

// Status returns the record status at origin.
func Status(frame []byte, origin int) int {
	return int(binary.BigEndian.Uint16(frame[origin-HdrSize+3:]) & 7)
}

// Owned returns the directory owned count of the record at origin.
func Owned(frame []byte, origin int) int {
	return int(frame[origin-HdrSize+2] & ownedMask)
}

func setOwned(frame []byte, origin, owned int) {
	frame[origin-HdrSize+2] = frame[origin-HdrSize+2]&^ownedMask | byte(owned)&ownedMask
}

// MinRec reports whether the record carries the minimum-record flag.
func MinRec(frame []byte, origin int) bool {
	return frame[origin-HdrSize+2]&infoMinRec != 0
}

// Deleted reports whether the record is delete-marked.
func Deleted(frame []byte, origin int) bool {
	return frame[origin-HdrSize+2]&infoDeleted != 0
}

// SetDeleted delete-marks the record at origin. Used by hosts and
// tests to stage MVCC fixtures; the bulk loader never writes it.
func SetDeleted(frame []byte, origin int, deleted bool) {
	if deleted {
		frame[origin-HdrSize+2] |= infoDeleted
	} else {
		frame[origin-HdrSize+2] &^= infoDeleted
	}
}

// First returns the origin of the first user record, or 0 if the
// page is empty.
func First(frame []byte) int {
	next := Next(frame, InfimumOrigin)
	if next == SupremumOrigin {
		return 0
	}
	return next
}

// IsSupremum reports whether origin is the supremum.
func IsSupremum(origin int) bool { return origin == SupremumOrigin }

// Extra returns the extra bytes of the record at origin.
func Extra(frame []byte, origin int) []byte {
	n := ExtraLen(frame, origin)
	return frame[origin-HdrSize-n : origin-HdrSize]
}

// Tuple decodes the record at origin against idx. Leaf records decode
// with the index field plan, node pointers with the node plan.
func Tuple(idx *schema.Index, frame []byte, origin int) rec.Tuple {
	extra := Extra(frame, origin)
	if Status(frame, origin) == StatusNodePtr {
		t := rec.DecodeNode(idx, extra, frame[origin:])
		t.MinRec = MinRec(frame, origin)
		return t
	}
	return rec.Decode(idx, extra, frame[origin:])
}

// Header accessors used by cursors and the loaders.

func PageNo(frame []byte) uint32   { return binary.BigEndian.Uint32(frame[OffPageNo:]) }
func PrevPage(frame []byte) uint32 { return binary.BigEndian.Uint32(frame[OffPrev:]) }
func NextPage(frame []byte) uint32 { return binary.BigEndian.Uint32(frame[OffNext:]) }
func Level(frame []byte) int       { return int(binary.BigEndian.Uint16(frame[OffLevel:])) }
func IndexID(frame []byte) uint64  { return binary.BigEndian.Uint64(frame[OffIndexID:]) }
func NRecs(frame []byte) int       { return int(binary.BigEndian.Uint16(frame[OffNRecs:])) }
func NSlots(frame []byte) int      { return int(binary.BigEndian.Uint16(frame[OffNSlots:])) }
func HeapTop(frame []byte) int     { return int(binary.BigEndian.Uint16(frame[OffHeapTop:])) }

// SetPrevPage links the left sibling.
func SetPrevPage(frame []byte, pageNo uint32) {
	binary.BigEndian.PutUint32(frame[OffPrev:], pageNo)
}

// SetNextPage links the right sibling.
func SetNextPage(frame []byte, pageNo uint32) {
	binary.BigEndian.PutUint32(frame[OffNext:], pageNo)
}

// Slot returns the record origin held in directory slot i.
func Slot(frame []byte, i int) int {
	at := len(frame) - TrailerSize - SlotSize*(i+1)
	return int(binary.BigEndian.Uint16(frame[at:]))
}

func slotSet(frame []byte, i, origin int) {
	at := len(frame) - TrailerSize - SlotSize*(i+1)
	binary.BigEndian.PutUint16(frame[at:], uint16(origin))
}

// Checksum computes the page checksum over everything after the
// checksum field itself.
func Checksum(frame []byte) uint64 {
	return siphash.Hash(0x63656472, 0x75736462, frame[OffPageNo:])
}

// WriteChecksum stamps the checksum field. Called on page commit.
func WriteChecksum(frame []byte) {
	binary.BigEndian.PutUint64(frame[OffChecksum:], Checksum(frame))
}

// VerifyChecksum recomputes and compares the checksum field.
func VerifyChecksum(frame []byte) bool {
	return binary.BigEndian.Uint64(frame[OffChecksum:]) == Checksum(frame)
}

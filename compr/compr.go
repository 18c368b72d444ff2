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

// Package compr wraps third-party compression libraries behind a small
// interface. The page loader uses it to decide whether a page image of a
// compressed table fits its on-disk frame. Spill files of the external
// sorter are written uncompressed.
package compr

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses whole buffers.
type Codec interface {
	// Name is the registered name of the algorithm.
	Name() string
	// Compress appends the compressed contents of src to dst
	// and returns the result.
	Compress(src, dst []byte) []byte
	// Decompress decompresses src into dst, which must be
	// exactly the decoded length.
	Decompress(src, dst []byte) error
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z *zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z *zstdCodec) Decompress(src, dst []byte) error {
	out, err := z.dec.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return err
	}
	if len(out) != len(dst) {
		return fmt.Errorf("zstd: expected %d bytes decompressed, got %d", len(dst), len(out))
	}
	return nil
}

type s2Codec struct{}

func (s2Codec) Name() string { return "s2" }

func (s2Codec) Compress(src, dst []byte) []byte {
	return append(dst, s2.Encode(nil, src)...)
}

func (s2Codec) Decompress(src, dst []byte) error {
	out, err := s2.Decode(dst[:0:len(dst)], src)
	if err != nil {
		return err
	}
	if len(out) != len(dst) {
		return fmt.Errorf("s2: expected %d bytes decompressed, got %d", len(dst), len(out))
	}
	return nil
}

// ForName selects a codec by name, or nil if the name is unknown.
// "zstd" is the default for compressed tables.
func ForName(name string) Codec {
	switch name {
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(err)
		}
		return &zstdCodec{enc: enc, dec: dec}
	case "s2":
		return s2Codec{}
	default:
		return nil
	}
}

// Fits reports whether src compresses to at most limit bytes with the
// given codec, returning the compressed image on success. The page
// loader calls this at page-commit time for compressed tables; a false
// return triggers a page split.
func Fits(c Codec, src []byte, limit int) ([]byte, bool) {
	out := c.Compress(src, make([]byte, 0, limit))
	if len(out) > limit {
		return nil, false
	}
	return out, true
}

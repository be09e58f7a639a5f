// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package compr provides a unified interface wrapping
// the block compression algorithms used by gbx:
// "lzo" for container bodies, and the third-party
// "s2", "lz4" and "zstd" codecs for caches and exports.
package compr

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/exp/slices"

	"github.com/SnellerInc/gbx/lzo"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor describes a block
// compression algorithm.
type Compressor interface {
	// Name is the name of the compression algorithm.
	Name() string
	// Compress should append the compressed contents
	// of src to dst and return the result.
	Compress(src, dst []byte) []byte
}

// Decompressor is the interface that
// callers use to decompress blocks.
type Decompressor interface {
	// Name is the name of the compression algorithm.
	// See also Compressor.Name.
	Name() string
	// Decompress decompresses source data
	// into dst. It should error out if
	// dst is not exactly the size of the
	// decoded source data.
	//
	// It must be safe to make multiple
	// calls to Decompress simultaneously
	// from different goroutines.
	Decompress(src, dst []byte) error
}

type lzoCompressor struct{}

func (lzoCompressor) Name() string { return "lzo" }

func (lzoCompressor) Compress(src, dst []byte) []byte {
	return lzo.CompressTo(dst, src)
}

func (lzoCompressor) Decompress(src, dst []byte) error {
	n, err := lzo.DecompressInto(dst, src)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), n)
	}
	return nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z zstdCompressor) Name() string { return "zstd" }

var zstdDecoder *zstd.Decoder

func init() {
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = z
}

type zstdDecompressor zstd.Decoder

func (z *zstdDecompressor) Name() string { return "zstd" }

func (z *zstdDecompressor) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := (*zstd.Decoder)(z).DecodeAll(src, into)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	if len(ret) > 0 && &ret[0] != &dst[0] {
		return fmt.Errorf("zstd decompress: output buffer realloc'd")
	}
	return nil
}

type s2Compressor struct{}

func (s2Compressor) Compress(src, dst []byte) []byte {
	tail := dst[len(dst):cap(dst)]
	// s2 requires non-overlapping src and dst
	if overlaps(src, tail) {
		tail = nil
	}
	got := s2.Encode(tail, src)
	if len(dst) == 0 {
		return got
	}
	if len(tail) > 0 && len(got) > 0 && &tail[0] == &got[0] {
		return dst[:len(dst)+len(got)]
	}
	return append(dst, got...)
}

func (s2Compressor) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := s2.Decode(into, src)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	if len(ret) > 0 && &ret[0] != &dst[0] {
		return fmt.Errorf("s2 decompress: output buffer realloc'd")
	}
	return nil
}

func (s2Compressor) Name() string { return "s2" }

// lz4 blocks are prefixed with a tag byte because
// CompressBlock refuses incompressible input
const (
	lz4Stored = 0
	lz4Block  = 1
)

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(src, dst []byte) []byte {
	base := len(dst)
	dst = append(dst, lz4Block)
	dst = slices.Grow(dst, lz4.CompressBlockBound(len(src)))
	tail := dst[len(dst) : len(dst)+lz4.CompressBlockBound(len(src))]
	n, err := lz4.CompressBlock(src, tail, nil)
	if err != nil || n == 0 || n >= len(src) {
		dst[base] = lz4Stored
		return append(dst, src...)
	}
	return dst[:len(dst)+n]
}

func (lz4Compressor) Decompress(src, dst []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("lz4 decompress: missing block tag")
	}
	switch src[0] {
	case lz4Stored:
		if len(src)-1 != len(dst) {
			return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(src)-1)
		}
		copy(dst, src[1:])
		return nil
	case lz4Block:
		n, err := lz4.UncompressBlock(src[1:], dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != len(dst) {
			return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), n)
		}
		return nil
	}
	return fmt.Errorf("lz4 decompress: unknown block tag %d", src[0])
}

// Compression selects a compression algorithm by name.
// The returned Compressor will return the same value
// for Compressor.Name as the specified name.
// Compression returns nil for unknown names.
func Compression(name string) Compressor {
	switch name {
	case "lzo":
		return lzoCompressor{}
	case "zstd-better":
		z, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "zstd":
		z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "s2":
		return s2Compressor{}
	case "lz4":
		return lz4Compressor{}
	default:
		return nil
	}
}

// Decompression selects a decompression algorithm by name,
// or returns nil if the name is not known.
func Decompression(name string) Decompressor {
	switch name {
	case "lzo":
		return lzoCompressor{}
	case "zstd":
		return (*zstdDecompressor)(zstdDecoder)
	case "s2":
		return s2Compressor{}
	case "lz4":
		return lz4Compressor{}
	default:
		return nil
	}
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	a1 := a0 + uintptr(len(a))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	b1 := b0 + uintptr(len(b))
	return a0 < b1 && b0 < a1
}

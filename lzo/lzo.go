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

// Package lzo implements the LZO1X block format
// used for the compressed body of GBX files.
//
// Decompress accepts any valid LZO1X bitstream
// (including the M1 forms that Compress never emits);
// Compress produces a bitstream that Decompress and
// the reference lzo1x_decompress_safe can invert,
// but it is not byte-identical to lzo1x_1_compress.
package lzo

import (
	"errors"
)

type errorCode uint8

const (
	ecOK errorCode = iota
	ecInputOverrun
	ecOutputOverrun
	ecLookbehindOverrun
	ecEOFNotFound
	ecInputNotConsumed
	ecLastCode
)

var (
	// ErrInputOverrun is returned when the
	// compressed stream ends in the middle of a token.
	ErrInputOverrun = errors.New("lzo: input overrun")
	// ErrOutputOverrun is returned when the
	// stream would decompress to more bytes
	// than the caller said to expect.
	ErrOutputOverrun = errors.New("lzo: output overrun")
	// ErrLookbehindOverrun is returned when
	// a match references data before the
	// start of the output.
	ErrLookbehindOverrun = errors.New("lzo: lookbehind overrun")
	// ErrEOFNotFound is returned when the input
	// is consumed without reaching the end-of-stream marker.
	ErrEOFNotFound = errors.New("lzo: end-of-stream marker not found")
	// ErrInputNotConsumed is returned when there
	// is data following the end-of-stream marker.
	ErrInputNotConsumed = errors.New("lzo: input not consumed")
)

var errs = [ecLastCode]error{
	ecOK:                nil,
	ecInputOverrun:      ErrInputOverrun,
	ecOutputOverrun:     ErrOutputOverrun,
	ecLookbehindOverrun: ErrLookbehindOverrun,
	ecEOFNotFound:       ErrEOFNotFound,
	ecInputNotConsumed:  ErrInputNotConsumed,
}

const (
	// distance limits of the three match tiers
	m2MaxOffset = 0x0800
	m3MaxOffset = 0x4000
	m4MaxOffset = 0xbfff

	m2MaxLen = 8

	m3Marker = 32
	m4Marker = 16
)

// eofMarker is the M4 token with a zero distance
// that terminates every stream.
var eofMarker = [3]byte{m4Marker | 1, 0, 0}

// MaxCompressedLen returns an upper bound
// on the size of Compress(src) for len(src) == n.
func MaxCompressedLen(n int) int {
	return n + n/16 + 64 + 3
}

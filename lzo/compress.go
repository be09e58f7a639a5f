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

package lzo

import (
	"encoding/binary"
)

const (
	// the match table is reset every blockSize
	// bytes of input, which also keeps every
	// match distance within the M4 limit
	blockSize = m4MaxOffset + 1
	hashBits  = 14
	minMatch  = 4
)

type encoder struct {
	dst      []byte
	statePos int // byte holding the state bits of the last match; -1 before the first match
	table    [1 << hashBits]int32
}

// Compress returns the LZO1X-compressed
// representation of src.
func Compress(src []byte) []byte {
	return CompressTo(make([]byte, 0, MaxCompressedLen(len(src))), src)
}

// CompressTo appends the compressed
// representation of src to dst.
func CompressTo(dst, src []byte) []byte {
	e := &encoder{dst: dst, statePos: -1}
	e.compress(src)
	return e.dst
}

func hash4(u uint32) uint32 {
	return (u * 0x1e35a7bd) >> (32 - hashBits)
}

func (e *encoder) compress(src []byte) {
	lit := 0
	i := 0
	for i < len(src) {
		start := i
		end := start + blockSize
		if end > len(src) {
			end = len(src)
		}
		for j := range e.table {
			e.table[j] = 0
		}
		for i+minMatch <= end {
			cur := binary.LittleEndian.Uint32(src[i:])
			h := hash4(cur)
			cand := int(e.table[h]) - 1
			e.table[h] = int32(i + 1)
			if cand < start || i-cand > m4MaxOffset ||
				binary.LittleEndian.Uint32(src[cand:]) != cur {
				i++
				continue
			}
			n := minMatch
			for i+n < len(src) && src[cand+n] == src[i+n] {
				n++
			}
			e.literals(src[lit:i])
			e.match(i-cand, n)
			i += n
			lit = i
		}
		if i < end {
			i = end
		}
	}
	e.literals(src[lit:])
	e.dst = append(e.dst, eofMarker[:]...)
}

func (e *encoder) extend(rem int) {
	for rem > 255 {
		e.dst = append(e.dst, 0)
		rem -= 255
	}
	e.dst = append(e.dst, byte(rem))
}

// literals emits a literal run; runs of up to
// three bytes following a match are folded into
// the state bits of that match
func (e *encoder) literals(lit []byte) {
	n := len(lit)
	if n == 0 {
		return
	}
	switch {
	case e.statePos < 0 && n <= 3:
		e.dst = append(e.dst, byte(17+n))
	case n <= 3:
		e.dst[e.statePos] |= byte(n)
	case n <= 18:
		e.dst = append(e.dst, byte(n-3))
	default:
		e.dst = append(e.dst, 0)
		e.extend(n - 18)
	}
	e.dst = append(e.dst, lit...)
}

func (e *encoder) match(dist, n int) {
	switch {
	case n <= m2MaxLen && dist <= m2MaxOffset:
		d := dist - 1
		e.statePos = len(e.dst)
		e.dst = append(e.dst, byte((n-1)<<5|(d&7)<<2), byte(d>>3))
	case dist <= m3MaxOffset:
		d := dist - 1
		l := n - 2
		if l <= 31 {
			e.dst = append(e.dst, byte(m3Marker|l))
		} else {
			e.dst = append(e.dst, m3Marker)
			e.extend(l - 31)
		}
		e.statePos = len(e.dst)
		e.dst = append(e.dst, byte(d<<2), byte(d>>6))
	default:
		d := dist - 0x4000
		l := n - 2
		hi := (d & 0x4000) >> 11
		if l <= 7 {
			e.dst = append(e.dst, byte(m4Marker|hi|l))
		} else {
			e.dst = append(e.dst, byte(m4Marker|hi))
			e.extend(l - 7)
		}
		d &= 0x3fff
		e.statePos = len(e.dst)
		e.dst = append(e.dst, byte(d<<2), byte(d>>6))
	}
}

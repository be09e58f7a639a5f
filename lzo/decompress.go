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
	"fmt"
)

// Decompress decompresses src, which must
// decompress to exactly size bytes.
func Decompress(src []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("lzo: invalid size %d", size)
	}
	dst := make([]byte, size)
	n, err := DecompressInto(dst, src)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("lzo: expected %d bytes decompressed; got %d", size, n)
	}
	return dst, nil
}

// DecompressInto decompresses src into dst
// and returns the number of bytes written.
// It returns ErrOutputOverrun if dst is too small.
func DecompressInto(dst, src []byte) (int, error) {
	d := decoder{src: src, dst: dst}
	ec := d.run()
	return d.op, errs[ec]
}

type decoder struct {
	src []byte
	dst []byte
	ip  int
	op  int
}

func (d *decoder) byte() (int, errorCode) {
	if d.ip >= len(d.src) {
		return 0, ecInputOverrun
	}
	b := d.src[d.ip]
	d.ip++
	return int(b), ecOK
}

// extend reads the zero-byte run length
// extension used by long literal runs and
// long M3/M4 matches
func (d *decoder) extend(base int) (int, errorCode) {
	t := 0
	for {
		if d.ip >= len(d.src) {
			return 0, ecInputOverrun
		}
		if d.src[d.ip] != 0 {
			break
		}
		t += 255
		d.ip++
	}
	b, ec := d.byte()
	return t + base + b, ec
}

func (d *decoder) le16() (int, errorCode) {
	if d.ip+2 > len(d.src) {
		return 0, ecInputOverrun
	}
	v := binary.LittleEndian.Uint16(d.src[d.ip:])
	d.ip += 2
	return int(v), ecOK
}

func (d *decoder) literals(n int) errorCode {
	if d.ip+n > len(d.src) {
		return ecInputOverrun
	}
	if d.op+n > len(d.dst) {
		return ecOutputOverrun
	}
	copy(d.dst[d.op:], d.src[d.ip:d.ip+n])
	d.ip += n
	d.op += n
	return ecOK
}

// match copies n bytes starting at mpos;
// the regions may overlap, in which case the
// copy repeats the most recently written bytes
func (d *decoder) match(mpos, n int) errorCode {
	if mpos < 0 || mpos >= d.op {
		return ecLookbehindOverrun
	}
	if d.op+n > len(d.dst) {
		return ecOutputOverrun
	}
	if d.op-mpos >= n {
		copy(d.dst[d.op:], d.dst[mpos:mpos+n])
		d.op += n
		return ecOK
	}
	for i := 0; i < n; i++ {
		d.dst[d.op] = d.dst[mpos+i]
		d.op++
	}
	return ecOK
}

// the decoder states; these correspond to the
// labels in the reference lzo1x_decompress_safe
const (
	stLiteralRun = iota // expecting a token at the top of the loop
	stFirstLiteral      // just copied a run of 4+ literals
	stMatch             // t holds a match token
	stMatchNext         // copy t (1..3) trailing literals, then read a match token
)

func (d *decoder) run() errorCode {
	var t int
	var ec errorCode
	state := stLiteralRun
	if len(d.src) == 0 {
		return ecInputOverrun
	}
	if d.src[0] > 17 {
		t = int(d.src[0]) - 17
		d.ip = 1
		if t < 4 {
			state = stMatchNext
		} else {
			if ec = d.literals(t); ec != ecOK {
				return ec
			}
			state = stFirstLiteral
		}
	}
	for {
		switch state {
		case stLiteralRun:
			if d.ip == len(d.src) {
				return ecEOFNotFound
			}
			if t, ec = d.byte(); ec != ecOK {
				return ec
			}
			if t >= 16 {
				state = stMatch
				continue
			}
			if t == 0 {
				if t, ec = d.extend(15); ec != ecOK {
					return ec
				}
			}
			if ec = d.literals(t + 3); ec != ecOK {
				return ec
			}
			state = stFirstLiteral
		case stFirstLiteral:
			if t, ec = d.byte(); ec != ecOK {
				return ec
			}
			if t >= 16 {
				state = stMatch
				continue
			}
			// M1 following a literal run: 3 bytes at
			// a distance of at least 1+M2_MAX_OFFSET
			b, ec := d.byte()
			if ec != ecOK {
				return ec
			}
			mpos := d.op - (1 + m2MaxOffset) - (t >> 2) - (b << 2)
			if ec = d.match(mpos, 3); ec != ecOK {
				return ec
			}
			state = d.next()
			t = int(d.src[d.ip-2]) & 3
		case stMatchNext:
			if ec = d.literals(t); ec != ecOK {
				return ec
			}
			if t, ec = d.byte(); ec != ecOK {
				return ec
			}
			state = stMatch
		case stMatch:
			var mpos, n int
			switch {
			case t >= 64:
				// M2
				b, ec := d.byte()
				if ec != ecOK {
					return ec
				}
				mpos = d.op - 1 - ((t >> 2) & 7) - (b << 3)
				n = (t >> 5) + 1
			case t >= 32:
				// M3
				t &= 31
				if t == 0 {
					if t, ec = d.extend(31); ec != ecOK {
						return ec
					}
				}
				off, ec := d.le16()
				if ec != ecOK {
					return ec
				}
				mpos = d.op - 1 - (off >> 2)
				n = t + 2
			case t >= 16:
				// M4
				mpos = d.op - ((t & 8) << 11)
				t &= 7
				if t == 0 {
					if t, ec = d.extend(7); ec != ecOK {
						return ec
					}
				}
				off, ec := d.le16()
				if ec != ecOK {
					return ec
				}
				mpos -= off >> 2
				if mpos == d.op {
					if d.ip != len(d.src) {
						return ecInputNotConsumed
					}
					return ecOK
				}
				mpos -= 0x4000
				n = t + 2
			default:
				// M1 following a short literal run
				b, ec := d.byte()
				if ec != ecOK {
					return ec
				}
				mpos = d.op - 1 - (t >> 2) - (b << 2)
				n = 2
			}
			if ec = d.match(mpos, n); ec != ecOK {
				return ec
			}
			state = d.next()
			t = int(d.src[d.ip-2]) & 3
		}
	}
}

// next picks the state following a match
// from the two low bits of the second-to-last
// byte consumed: zero means a literal run
// or another match follows
func (d *decoder) next() int {
	if d.src[d.ip-2]&3 == 0 {
		return stLiteralRun
	}
	return stMatchNext
}

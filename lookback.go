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

package gbx

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

const (
	lookbackVersion = 3

	lookbackUnassigned = 0xffffffff
	lookbackFlagMask   = 0xc0000000
	lookbackFlagNew    = 0x40000000
)

// LookbackKind distinguishes the encodings
// of an interned string.
type LookbackKind uint8

const (
	// LookbackInterned is an interned string,
	// written inline on first use and as a
	// back-reference afterwards.
	LookbackInterned LookbackKind = iota
	// LookbackEmpty is the reserved empty value (0).
	LookbackEmpty
	// LookbackUnassigned is the reserved
	// "unassigned" value (0xffffffff).
	LookbackUnassigned
	// LookbackCollection is one of the well-known
	// collection identifiers.
	LookbackCollection
)

// Lookback is a decoded interned string.
type Lookback struct {
	Str  string
	Kind LookbackKind
	// ID is the collection number when Kind is LookbackCollection.
	ID uint32
	// Flags holds the flag bits seen on the wire
	// (0x40000000 or 0x80000000); zero selects 0x40000000.
	Flags uint32
}

// NewLookback returns an interned string value for s.
func NewLookback(s string) Lookback {
	return Lookback{Str: s}
}

// Collection returns the well-known
// collection value for id.
func Collection(id uint32) Lookback {
	return Lookback{Kind: LookbackCollection, ID: id, Str: collectionName(id)}
}

func (l Lookback) String() string { return l.Str }

// collections are the well-known identifiers
// stored as plain numbers instead of strings
var collections = map[uint32]string{
	11:    "Valley",
	12:    "Canyon",
	13:    "Lagoon",
	17:    "TMCommon",
	25:    "Stadium256",
	26:    "Stadium",
	100:   "History",
	101:   "Society",
	102:   "Galaxy",
	103:   "Gothic",
	202:   "Storm",
	299:   "SMCommon",
	10003: "Common",
}

func collectionName(id uint32) string {
	if s, ok := collections[id]; ok {
		return s
	}
	return strconv.FormatUint(uint64(id), 10)
}

// lookbackTable is one scope of interned strings.
type lookbackTable struct {
	strs    []string       // index -> string, in order of appearance
	toindex map[string]int // string -> first index
	version bool           // version word already read or written
}

func (t *lookbackTable) append(s string) {
	if t.toindex == nil {
		t.toindex = make(map[string]int)
	}
	if _, ok := t.toindex[s]; !ok {
		t.toindex[s] = len(t.strs)
	}
	t.strs = append(t.strs, s)
}

// truncate drops every string at index n or above
func (t *lookbackTable) truncate(n int) {
	for i := n; i < len(t.strs); i++ {
		if j, ok := t.toindex[t.strs[i]]; ok && j >= n {
			delete(t.toindex, t.strs[i])
		}
	}
	t.strs = t.strs[:n]
}

// Lookbacks is a stack of interned-string scopes.
// The zero value has one implicit empty scope.
//
// Push enters a fresh scope that shadows its
// parent; Pop discards it and restores the
// parent exactly as it was.
type Lookbacks struct {
	scopes []*lookbackTable
}

// Push enters a fresh, empty scope.
func (l *Lookbacks) Push() {
	l.scopes = append(l.scopes, &lookbackTable{})
}

// Pop leaves the current scope.
func (l *Lookbacks) Pop() {
	if len(l.scopes) > 0 {
		l.scopes[len(l.scopes)-1] = nil
		l.scopes = l.scopes[:len(l.scopes)-1]
	}
}

// Depth returns the number of scopes pushed.
func (l *Lookbacks) Depth() int { return len(l.scopes) }

func (l *Lookbacks) top() *lookbackTable {
	if len(l.scopes) == 0 {
		l.Push()
	}
	return l.scopes[len(l.scopes)-1]
}

// Strings returns a copy of the strings interned
// in the current scope, in index order.
func (l *Lookbacks) Strings() []string {
	return slices.Clone(l.top().strs)
}

// Resolve reads an interned string reference
// from r, interning new strings into the current scope.
func (l *Lookbacks) Resolve(r *Reader) (Lookback, error) {
	t := l.top()
	if !t.version {
		off := r.Tell()
		v, err := r.ReadUint32()
		if err != nil {
			return Lookback{}, err
		}
		if v != lookbackVersion {
			return Lookback{}, fmt.Errorf("gbx: unsupported lookback version %d at offset %d", v, off)
		}
		t.version = true
	}
	off := r.Tell()
	raw, err := r.ReadUint32()
	if err != nil {
		return Lookback{}, err
	}
	switch {
	case raw == lookbackUnassigned:
		return Lookback{Kind: LookbackUnassigned}, nil
	case raw == 0:
		return Lookback{Kind: LookbackEmpty}, nil
	case raw&lookbackFlagMask == 0:
		return Collection(raw), nil
	}
	flags := raw & lookbackFlagMask
	idx := int(raw &^ lookbackFlagMask)
	if idx == 0 {
		s, err := r.ReadString()
		if err != nil {
			return Lookback{}, err
		}
		t.append(s)
		return Lookback{Str: s, Flags: flags}, nil
	}
	if idx > len(t.strs) {
		return Lookback{}, fmt.Errorf("gbx: lookback index %d at offset %d out of range (%d entries)", idx, off, len(t.strs))
	}
	return Lookback{Str: t.strs[idx-1], Flags: flags}, nil
}

// Encode writes v to w, interning it into the
// current scope if it has not been seen before.
func (l *Lookbacks) Encode(w *Writer, v Lookback) error {
	t := l.top()
	if !t.version {
		w.WriteUint32(lookbackVersion)
		t.version = true
	}
	switch v.Kind {
	case LookbackUnassigned:
		w.WriteUint32(lookbackUnassigned)
		return nil
	case LookbackEmpty:
		w.WriteUint32(0)
		return nil
	case LookbackCollection:
		if v.ID == 0 || v.ID&lookbackFlagMask != 0 {
			return fmt.Errorf("gbx: invalid collection id %#x", v.ID)
		}
		w.WriteUint32(v.ID)
		return nil
	}
	flags := v.Flags & lookbackFlagMask
	if flags == 0 {
		flags = lookbackFlagNew
	}
	if i, ok := t.toindex[v.Str]; ok {
		w.WriteUint32(flags | uint32(i+1))
		return nil
	}
	w.WriteUint32(flags)
	w.WriteString(v.Str)
	t.append(v.Str)
	return nil
}

// lookbackMark records the state of the
// current scope so it can be rewound
type lookbackMark struct {
	depth   int
	n       int
	version bool
}

func (l *Lookbacks) mark() lookbackMark {
	t := l.top()
	return lookbackMark{depth: len(l.scopes), n: len(t.strs), version: t.version}
}

func (l *Lookbacks) rewind(m lookbackMark) {
	for len(l.scopes) > m.depth {
		l.Pop()
	}
	t := l.top()
	t.truncate(m.n)
	t.version = m.version
}

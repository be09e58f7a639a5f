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
	"bytes"
	"errors"
	"testing"
)

func plainFile(body []byte) []byte {
	f := &testFile{class: 0x1000, body: body}
	return f.bytes()
}

func TestUnknownChunkBoundary(t *testing.T) {
	reg := NewRegistry()
	reg.Register(0x1003, Uint32)
	src := plainFile(le(
		ChunkID(0x1001), []byte{1, 2, 3, 4, 5},
		ChunkID(0x1003), 9,
		Terminator,
	))
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	if len(c.Main.Chunks) != 2 {
		t.Fatalf("%d chunks", len(c.Main.Chunks))
	}
	unk := c.Main.Chunks[0]
	if !unk.Opaque || !bytes.Equal(unk.Raw, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("unknown chunk %+v", unk)
	}
	if c.Get(0x1003) != uint32(9) {
		t.Fatalf("chunk after unknown: %v", c.Get(0x1003))
	}
	if countWarnings(c, UnknownChunkID) != 1 {
		t.Fatalf("warnings %v", c.Warnings)
	}
}

func TestUnknownChunkOtherClass(t *testing.T) {
	reg := NewRegistry()
	reg.Register(0x1003, Uint32)
	reg.Register(0x2001, Uint32)
	// bodies mix chunks of parent classes, so any
	// registered chunk can end an unknown one
	src := plainFile(le(
		ChunkID(0x1001), []byte{1, 2, 3, 4, 5},
		ChunkID(0x2001), 7,
		ChunkID(0x1003), 9,
		Terminator,
	))
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	if len(c.Main.Chunks) != 3 {
		t.Fatalf("%d chunks", len(c.Main.Chunks))
	}
	if raw := c.Main.Chunks[0].Raw; !bytes.Equal(raw, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("unknown chunk raw %x", raw)
	}
	if c.Get(0x2001) != uint32(7) || c.Get(0x1003) != uint32(9) {
		t.Fatalf("got %v %v", c.Get(0x2001), c.Get(0x1003))
	}

	// a lower identifier of the same class
	reg = NewRegistry()
	reg.Register(0x1000, Uint32)
	src = plainFile(le(
		ChunkID(0x1005), []byte{9, 9},
		ChunkID(0x1000), 7,
		Terminator,
	))
	c = checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	if len(c.Main.Chunks) != 2 || c.Get(0x1000) != uint32(7) {
		t.Fatalf("chunks %+v", c.Main.Chunks)
	}
}

func TestUnknownChunkImplausibleFollower(t *testing.T) {
	reg := NewRegistry()
	reg.Register(0x2001, Uint32)
	// 0x2001 decodes inside the unknown payload, but what
	// follows it is neither a chunk nor the terminator
	src := plainFile(le(
		ChunkID(0x1001), ChunkID(0x2001), 7, []byte{0xaa, 0xbb, 0xcc, 0xdd},
		Terminator,
	))
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	if len(c.Main.Chunks) != 1 || len(c.Main.Chunks[0].Raw) != 12 {
		t.Fatalf("chunks %+v", c.Main.Chunks)
	}
}

func TestDecodeFailureRollback(t *testing.T) {
	reg := NewRegistry()
	reg.Register(0x1001, Struct(F("name", LookbackString), F("flag", Bool)))
	reg.Register(0x1003, LookbackString)
	failing := le(lookbackVersion, lookbackFlagNew, "abc", 7)
	src := plainFile(le(
		ChunkID(0x1001), failing,
		ChunkID(0x1003), lookbackVersion, lookbackFlagNew, "xyz",
		Terminator,
	))
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	bad := c.Main.Chunk(0x1001)
	if !bad.Opaque || !bytes.Equal(bad.Raw, failing) {
		t.Fatalf("failed chunk %+v", bad)
	}
	if bad.Err == nil || bad.Err.Kind != ChunkDecodeFailure {
		t.Fatalf("failed chunk error %v", bad.Err)
	}
	// the string interned by the failed attempt was
	// discarded, so the next chunk starts a new table
	lb, ok := c.Get(0x1003).(Lookback)
	if !ok || lb.Str != "xyz" {
		t.Fatalf("next chunk %v", c.Get(0x1003))
	}
	if len(c.Main.Warnings) != 1 {
		t.Fatalf("node warnings %v", c.Main.Warnings)
	}
}

func TestSkippableChunks(t *testing.T) {
	reg := NewRegistry()
	reg.Register(0x1002, Uint32, Skippable())
	reg.Register(0x1005, Uint8)
	src := plainFile(le(
		ChunkID(0x1002), skipMarker, 4, 7,
		ChunkID(0x1004), skipMarker, 3, []byte{1, 2, 3},
		ChunkID(0x1005), skipMarker, 4, 1,
		Terminator,
	))
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	known := c.Main.Chunk(0x1002)
	if !known.Skippable || known.Value != uint32(7) {
		t.Fatalf("known %+v", known)
	}
	unk := c.Main.Chunk(0x1004)
	if !unk.Skippable || !unk.Opaque || !bytes.Equal(unk.Raw, []byte{1, 2, 3}) {
		t.Fatalf("unknown %+v", unk)
	}
	// a uint8 leaves three bytes of the payload unread
	short := c.Main.Chunk(0x1005)
	if !short.Opaque || short.Err == nil || short.Err.Kind != ChunkDecodeFailure {
		t.Fatalf("short %+v", short)
	}

	// new chunks take their framing from the registry
	c.Main.Chunks = []*Chunk{reg.NewChunk(0x1002, uint32(8))}
	out := mustEncode(t, c, nil)
	want := plainFile(le(ChunkID(0x1002), skipMarker, 4, 8, Terminator))
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x\nwant %x", out, want)
	}
}

func TestNestedBody(t *testing.T) {
	reg := NewRegistry()
	reg.Register(0x1001, Struct(F("count", Uint32), F("inner", Body)))
	reg.Register(0x1002, LookbackString)
	src := plainFile(le(
		ChunkID(0x1001), 1,
		ChunkID(0x1002), lookbackVersion, lookbackFlagNew, "a", Terminator,
		ChunkID(0x1002), lookbackVersion, lookbackFlagNew, "a",
		Terminator,
	))
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	rec := c.Get(0x1001).(*Record)
	inner, ok := rec.Get("inner").([]*Chunk)
	if !ok || len(inner) != 1 || inner[0].Value.(Lookback).Str != "a" {
		t.Fatalf("inner %v", rec.Get("inner"))
	}
}

func TestEncodeNoSchema(t *testing.T) {
	c := NewContainer(0x1000)
	c.Main.Set(0x1001, uint32(1))
	_, err := Encode(c, nil)
	if !errors.Is(err, ErrNoSchema) {
		t.Fatalf("got %v", err)
	}
}

func TestRepeatUntil(t *testing.T) {
	in := []int{3, 2, 0, 5}
	i := 0
	next := func() (int, error) {
		v := in[i]
		i++
		return v, nil
	}
	isZero := func(v int) bool { return v == 0 }
	got, err := RepeatUntil(next, isZero)
	if err != nil || len(got) != 3 || got[2] != 0 {
		t.Fatalf("got %v %v", got, err)
	}

	var out []int
	enc := func(v int) error {
		out = append(out, v)
		return nil
	}
	if err := EncodeUntil(in, enc, isZero); err != nil || len(out) != 3 {
		t.Fatalf("encoded %v %v", out, err)
	}
	if err := EncodeUntil([]int{1, 2}, enc, isZero); !errors.Is(err, ErrNoTerminator) {
		t.Fatalf("got %v", err)
	}

	oops := errors.New("oops")
	_, err = RepeatUntil(func() (int, error) { return 0, oops }, isZero)
	if err != oops {
		t.Fatalf("got %v", err)
	}
}

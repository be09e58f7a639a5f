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

package catalog

import (
	"bytes"
	"testing"

	"github.com/SnellerInc/gbx"
)

func testMap(t *testing.T) *gbx.Container {
	c := NewMap("uid0123456789", "Mini", "player")

	info := &gbx.Record{}
	for _, kv := range []struct {
		name string
		v    any
	}{
		{"version", uint8(13)},
		{"locked", uint32(0)},
		{"bronze", uint32(60000)},
		{"silver", uint32(50000)},
		{"gold", uint32(45000)},
		{"authorTime", uint32(42123)},
		{"cost", uint32(1200)},
		{"multilap", true},
		{"trackType", uint32(1)},
		{"unknown9", uint32(0)},
		{"authorScore", uint32(42123)},
		{"editorMode", uint32(0)},
		{"unknown12", false},
		{"checkpoints", uint32(3)},
		{"laps", uint32(2)},
	} {
		info.Set(kv.name, kv.v)
	}
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0xff, 0xd9}
	thumb := &gbx.Record{}
	thumb.Set("version", uint32(1))
	thumb.Set("size", uint32(len(jpeg)))
	thumb.Set("open", []byte(thumbOpen))
	thumb.Set("jpeg", jpeg)
	thumb.Set("close", []byte(thumbClose))
	thumb.Set("commentsOpen", []byte(commentsOpen))
	thumb.Set("comments", "two laps")
	thumb.Set("commentsClose", []byte(commentsClose))
	c.Headers = append([]*gbx.HeaderChunk{{ID: MapInfo, Value: info}}, c.Headers...)
	c.Headers = append(c.Headers, &gbx.HeaderChunk{ID: MapThumbnail, Value: thumb})

	block := func(name string, n uint32) any {
		r := &gbx.Record{}
		r.Set("block", gbx.Meta{ID: gbx.NewLookback(name), Collection: gbx.Collection(26), Author: gbx.NewLookback("Nadeo")})
		r.Set("count", n)
		return r
	}
	list := gbx.NewNode(CollectorList, gbx.NewChunk(Collectors, []any{
		block("StadiumRoadMain", 12),
		block("StadiumCircuitBase", 3),
		block("StadiumRoadMain", 1),
	}))
	params := gbx.NewNode(ChallengeParameters, gbx.NewChunk(Tips, []any{"", "go fast", "", ""}))

	reg := NewRegistry()
	c.Main.Set(MapVehicle, gbx.Meta{ID: gbx.NewLookback("StadiumCar"), Collection: gbx.Collection(26), Author: gbx.NewLookback("Nadeo")})
	p := &gbx.Record{}
	p.Set("collectors", gbx.RefTo(list))
	p.Set("parameters", gbx.RefTo(params))
	p.Set("kind", uint32(6))
	c.Main.Set(MapParameters, p)
	laps := &gbx.Record{}
	laps.Set("lapRace", true)
	laps.Set("laps", uint32(2))
	c.Main.Insert(reg.NewChunk(MapLaps, laps))
	return c
}

func TestMapRoundTrip(t *testing.T) {
	reg := NewRegistry()
	buf, err := gbx.Encode(testMap(t), &gbx.EncodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	c, err := gbx.Decode(buf, &gbx.DecodeOptions{Registry: reg, Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Warnings) != 0 {
		t.Fatalf("warnings: %v", c.Warnings)
	}
	info, err := Describe(c)
	if err != nil {
		t.Fatal(err)
	}
	want := Info{
		UID:        "uid0123456789",
		Name:       "Mini",
		Collection: "Stadium",
		Author:     "player",
		Nick:       "player",
		MapType:    "TrackMania\\TM_Race",
		AuthorTime: 42123,
		Laps:       2,
		Comments:   "two laps",
		Thumbnail:  12,
	}
	if *info != want {
		t.Fatalf("got %+v\nwant %+v", *info, want)
	}

	p := c.Get(MapParameters).(*gbx.Record)
	list := p.Get("collectors").(gbx.Ref).Node
	if list.Class != CollectorList {
		t.Fatalf("collector list class %s", list.Class)
	}
	blocks := list.Get(Collectors).([]any)
	if len(blocks) != 3 {
		t.Fatalf("%d collectors", len(blocks))
	}
	// interned within the node body
	if m := blocks[2].(*gbx.Record).Get("block").(gbx.Meta); m.ID.Str != "StadiumRoadMain" {
		t.Fatalf("third block %q", m.ID.Str)
	}
	tips := p.Get("parameters").(gbx.Ref).Node.Get(Tips).([]any)
	if tips[1] != "go fast" {
		t.Fatalf("tips %v", tips)
	}
	if ch := c.Main.Chunk(MapLaps); ch == nil || !ch.Skippable {
		t.Fatal("laps chunk not skippable")
	}

	out, err := gbx.Encode(c, &gbx.EncodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, buf) {
		t.Fatal("re-encoding changed the file")
	}

	// without the catalog every chunk is opaque
	// and the bytes are still preserved
	raw, err := gbx.Decode(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err = gbx.Encode(raw, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, buf) {
		t.Fatal("opaque re-encoding changed the file")
	}
}

func TestMapInfoVersions(t *testing.T) {
	reg := NewRegistry()
	for _, tc := range []struct {
		version uint8
		present []string
		absent  []string
	}{
		{0, []string{"meta", "name", "locked"}, []string{"bronze", "cost", "laps"}},
		{2, []string{"meta", "bronze", "unknown2"}, []string{"cost"}},
		{5, []string{"bronze", "cost", "multilap"}, []string{"meta", "name", "unknown2", "unknown6", "trackType"}},
		{6, []string{"unknown6"}, []string{"trackType"}},
		{13, []string{"editorMode", "checkpoints", "laps"}, []string{"meta", "unknown6"}},
	} {
		var w gbx.Writer
		w.WriteUint8(tc.version)
		if tc.version < 3 {
			w.WriteUint32(3) // lookback version
			for _, s := range []string{"uid", "", "author"} {
				w.WriteUint32(0x40000000)
				w.WriteString(s)
			}
			w.WriteString("name")
		}
		w.WriteUint32(0)
		if tc.version >= 1 {
			for i := 0; i < 4; i++ {
				w.WriteUint32(uint32(1000 * (4 - i)))
			}
		}
		if tc.version == 2 {
			w.WriteUint8(0)
		}
		if tc.version >= 4 {
			w.WriteUint32(100)
		}
		if tc.version >= 5 {
			w.WriteBool(false)
		}
		if tc.version == 6 {
			w.WriteBool(true)
		}
		for v := uint8(7); v <= 13; v++ {
			if tc.version < v {
				break
			}
			switch v {
			case 7, 9, 10, 11:
				w.WriteUint32(uint32(v))
			case 12:
				w.WriteBool(false)
			case 13:
				w.WriteUint32(2)
				w.WriteUint32(1)
			}
		}
		c := NewMap("uid", "name", "author")
		c.Headers = append(c.Headers, &gbx.HeaderChunk{ID: MapInfo, Raw: w.Bytes(), Opaque: true})
		buf, err := gbx.Encode(c, &gbx.EncodeOptions{Registry: reg})
		if err != nil {
			t.Fatal(err)
		}
		d, err := gbx.Decode(buf, &gbx.DecodeOptions{Registry: reg})
		if err != nil {
			t.Fatal(err)
		}
		h := d.Header(MapInfo)
		if h.Opaque {
			t.Fatalf("version %d: %v", tc.version, h.Err)
		}
		rec := h.Value.(*gbx.Record)
		for _, f := range tc.present {
			if !rec.Has(f) {
				t.Errorf("version %d: missing %s", tc.version, f)
			}
		}
		for _, f := range tc.absent {
			if rec.Has(f) {
				t.Errorf("version %d: unexpected %s", tc.version, f)
			}
		}
		out, err := gbx.Encode(d, &gbx.EncodeOptions{Registry: reg})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, buf) {
			t.Errorf("version %d: round trip changed the file", tc.version)
		}
	}
}

func TestThumbnailTruncated(t *testing.T) {
	reg := NewRegistry()
	var w gbx.Writer
	w.WriteUint32(1)
	w.WriteUint32(1 << 20) // larger than the payload
	w.WriteBytes([]byte(thumbOpen))
	w.WriteBytes([]byte{1, 2, 3})
	c := NewMap("uid", "name", "author")
	c.Headers = append(c.Headers, &gbx.HeaderChunk{ID: MapThumbnail, Raw: w.Bytes(), Opaque: true})
	buf, err := gbx.Encode(c, &gbx.EncodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	d, err := gbx.Decode(buf, &gbx.DecodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	h := d.Header(MapThumbnail)
	if !h.Opaque || h.Err == nil || h.Err.Kind != gbx.ChunkDecodeFailure {
		t.Fatalf("thumbnail header: opaque=%v err=%v", h.Opaque, h.Err)
	}
	if !bytes.Equal(h.Raw, w.Bytes()) {
		t.Fatal("raw payload not preserved")
	}
	info, err := Describe(d)
	if err != nil {
		t.Fatal(err)
	}
	if info.Thumbnail != 0 || info.UID != "uid" {
		t.Fatalf("%+v", info)
	}
}

func TestDescribeNotMap(t *testing.T) {
	if _, err := Describe(gbx.NewContainer(CollectorList)); err == nil {
		t.Fatal("expected an error")
	}
	if ClassName(Map) != "Map" || ClassName(0x2e001000) != "2E001000" {
		t.Fatal("class names")
	}
}

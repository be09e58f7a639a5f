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

// Package catalog describes the layout of a few
// chunks of map files and registers them with a
// gbx.Registry.
//
// The catalog is deliberately small; chunks
// that are not listed here are preserved as
// opaque bytes by the decoder.
package catalog

import (
	"fmt"

	"github.com/SnellerInc/gbx"
)

// Classes described by the catalog.
const (
	Map                 gbx.ClassID = 0x03043000
	CollectorList       gbx.ClassID = 0x0301b000
	ChallengeParameters gbx.ClassID = 0x0305b000
)

// Header chunks of Map.
const (
	MapInfo      gbx.ChunkID = 0x03043002
	MapCommon    gbx.ChunkID = 0x03043003
	MapVersion   gbx.ChunkID = 0x03043004
	MapCommunity gbx.ChunkID = 0x03043005
	MapThumbnail gbx.ChunkID = 0x03043007
	MapAuthor    gbx.ChunkID = 0x03043008
)

// Body chunks.
const (
	MapVehicle    gbx.ChunkID = 0x0304300d
	MapParameters gbx.ChunkID = 0x03043011
	MapLaps       gbx.ChunkID = 0x03043018
	Collectors    gbx.ChunkID = 0x0301b000
	Tips          gbx.ChunkID = 0x0305b001
)

// Names maps the classes of the catalog
// to human-readable names.
var Names = map[gbx.ClassID]string{
	Map:                 "Map",
	CollectorList:       "CollectorList",
	ChallengeParameters: "ChallengeParameters",
}

// ClassName returns the name of class c,
// or its hexadecimal identifier.
func ClassName(c gbx.ClassID) string {
	if s, ok := Names[c]; ok {
		return s
	}
	return c.String()
}

func eq(field string, v uint64) func(rec *gbx.Record) bool {
	return func(rec *gbx.Record) bool { return rec.Has(field) && rec.Uint(field) == v }
}

var (
	mapInfo = gbx.Struct(
		gbx.F("version", gbx.Uint8),
		gbx.F("meta", gbx.MetaSchema).Until("version", 3),
		gbx.F("name", gbx.String).Until("version", 3),
		gbx.F("locked", gbx.Uint32),
		gbx.F("bronze", gbx.Uint32).Since("version", 1),
		gbx.F("silver", gbx.Uint32).Since("version", 1),
		gbx.F("gold", gbx.Uint32).Since("version", 1),
		gbx.F("authorTime", gbx.Uint32).Since("version", 1),
		gbx.F("unknown2", gbx.Uint8).When(eq("version", 2)),
		gbx.F("cost", gbx.Uint32).Since("version", 4),
		gbx.F("multilap", gbx.Bool).Since("version", 5),
		gbx.F("unknown6", gbx.Bool).When(eq("version", 6)),
		gbx.F("trackType", gbx.Uint32).Since("version", 7),
		gbx.F("unknown9", gbx.Uint32).Since("version", 9),
		gbx.F("authorScore", gbx.Uint32).Since("version", 10),
		gbx.F("editorMode", gbx.Uint32).Since("version", 11),
		gbx.F("unknown12", gbx.Bool).Since("version", 12),
		gbx.F("checkpoints", gbx.Uint32).Since("version", 13),
		gbx.F("laps", gbx.Uint32).Since("version", 13),
	)

	mapCommon = gbx.Struct(
		gbx.F("version", gbx.Uint8),
		gbx.F("meta", gbx.MetaSchema),
		gbx.F("name", gbx.String),
		gbx.F("kind", gbx.Uint8),
		gbx.F("locked", gbx.Uint32).Since("version", 1),
		gbx.F("password", gbx.String).Since("version", 1),
		gbx.F("decoration", gbx.MetaSchema).Since("version", 2),
		gbx.F("origin", gbx.Vec2).Since("version", 3),
		gbx.F("target", gbx.Vec2).Since("version", 4),
		gbx.F("unknown5", gbx.Bytes(16)).Since("version", 5),
		gbx.F("mapType", gbx.String).Since("version", 6),
		gbx.F("mapStyle", gbx.String).Since("version", 6),
		gbx.F("lightmapCache", gbx.Uint64).Until("version", 9),
		gbx.F("lightmapVersion", gbx.Uint8).Since("version", 9),
		gbx.F("title", gbx.LookbackString).Since("version", 11),
	)

	mapThumbnail = gbx.Struct(
		gbx.F("version", gbx.Uint32),
		gbx.F("size", gbx.Uint32).Since("version", 1),
		gbx.F("open", gbx.Bytes(len(thumbOpen))).Since("version", 1),
		gbx.Dyn("jpeg", func(rec *gbx.Record) gbx.Schema {
			return gbx.Bytes(int(rec.Uint("size")))
		}).Since("version", 1),
		gbx.F("close", gbx.Bytes(len(thumbClose))).Since("version", 1),
		gbx.F("commentsOpen", gbx.Bytes(len(commentsOpen))).Since("version", 1),
		gbx.F("comments", gbx.String).Since("version", 1),
		gbx.F("commentsClose", gbx.Bytes(len(commentsClose))).Since("version", 1),
	)

	mapAuthor = gbx.Struct(
		gbx.F("version", gbx.Uint32),
		gbx.F("authorVersion", gbx.Uint32),
		gbx.F("login", gbx.String),
		gbx.F("nick", gbx.String),
		gbx.F("zone", gbx.String),
		gbx.F("extra", gbx.String),
	)

	mapParameters = gbx.Struct(
		gbx.F("collectors", gbx.NodeRef),
		gbx.F("parameters", gbx.NodeRef),
		gbx.F("kind", gbx.Uint32),
	)

	mapLaps = gbx.Struct(
		gbx.F("lapRace", gbx.Bool),
		gbx.F("laps", gbx.Uint32),
	)

	collectors = gbx.List(gbx.Struct(
		gbx.F("block", gbx.MetaSchema),
		gbx.F("count", gbx.Uint32),
	))

	tips = gbx.Array(gbx.String, 4)
)

const (
	thumbOpen     = "<Thumbnail.jpg>"
	thumbClose    = "</Thumbnail.jpg>"
	commentsOpen  = "<Comments>"
	commentsClose = "</Comments>"
)

// Register adds the chunks of the catalog to r.
func Register(r *gbx.Registry) {
	r.RegisterHeader(MapInfo, mapInfo)
	r.RegisterHeader(MapCommon, mapCommon)
	r.RegisterHeader(MapVersion, gbx.Uint32)
	r.RegisterHeader(MapCommunity, gbx.String)
	r.RegisterHeader(MapThumbnail, mapThumbnail)
	r.RegisterHeader(MapAuthor, mapAuthor)

	r.Register(MapVehicle, gbx.MetaSchema)
	r.Register(MapParameters, mapParameters)
	r.Register(MapLaps, mapLaps, gbx.Skippable())
	r.Register(Collectors, collectors)
	r.Register(Tips, tips)
}

// NewRegistry returns a registry holding
// only the chunks of the catalog.
func NewRegistry() *gbx.Registry {
	r := gbx.NewRegistry()
	Register(r)
	return r
}

// Info is the identifying information
// found in the header of a map.
type Info struct {
	UID        string `json:"uid,omitempty"`
	Name       string `json:"name,omitempty"`
	Collection string `json:"collection,omitempty"`
	Author     string `json:"author,omitempty"`
	Nick       string `json:"nick,omitempty"`
	Zone       string `json:"zone,omitempty"`
	MapType    string `json:"mapType,omitempty"`
	AuthorTime uint32 `json:"authorTime,omitempty"`
	Laps       uint32 `json:"laps,omitempty"`
	Comments   string `json:"comments,omitempty"`
	Thumbnail  int    `json:"thumbnailBytes,omitempty"`
}

func str(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case gbx.Lookback:
		return v.Str
	}
	return ""
}

// Describe collects the Info of a map from the
// decoded header chunks of c. Chunks that are
// missing or opaque leave their fields empty.
func Describe(c *gbx.Container) (*Info, error) {
	if c.Class != Map {
		return nil, fmt.Errorf("catalog: class %s is not a map", c.Class)
	}
	info := &Info{}
	if rec, ok := c.HeaderValue(MapCommon).(*gbx.Record); ok {
		if m, ok := rec.Get("meta").(gbx.Meta); ok {
			info.UID = m.ID.Str
			info.Collection = m.Collection.Str
			info.Author = m.Author.Str
		}
		info.Name = str(rec.Get("name"))
		info.MapType = str(rec.Get("mapType"))
	}
	if rec, ok := c.HeaderValue(MapInfo).(*gbx.Record); ok {
		info.AuthorTime = uint32(rec.Uint("authorTime"))
		info.Laps = uint32(rec.Uint("laps"))
		if info.Name == "" {
			info.Name = str(rec.Get("name"))
		}
	}
	if rec, ok := c.HeaderValue(MapAuthor).(*gbx.Record); ok {
		if info.Author == "" {
			info.Author = str(rec.Get("login"))
		}
		info.Nick = str(rec.Get("nick"))
		info.Zone = str(rec.Get("zone"))
	}
	if rec, ok := c.HeaderValue(MapThumbnail).(*gbx.Record); ok {
		info.Comments = str(rec.Get("comments"))
		if b, ok := rec.Get("jpeg").([]byte); ok {
			info.Thumbnail = len(b)
		}
	}
	return info, nil
}

// NewMap returns an empty map container with
// the common and author header chunks set.
func NewMap(uid, name, author string) *gbx.Container {
	c := gbx.NewContainer(Map)
	common := &gbx.Record{}
	common.Set("version", uint8(11))
	common.Set("meta", gbx.Meta{
		ID:         gbx.NewLookback(uid),
		Collection: gbx.Collection(26),
		Author:     gbx.NewLookback(author),
	})
	common.Set("name", name)
	common.Set("kind", uint8(6))
	common.Set("locked", uint32(0))
	common.Set("password", "")
	common.Set("decoration", gbx.Meta{
		ID:         gbx.NewLookback("48x48Day"),
		Collection: gbx.Collection(26),
		Author:     gbx.NewLookback("Nadeo"),
	})
	common.Set("origin", [2]float32{})
	common.Set("target", [2]float32{})
	common.Set("unknown5", make([]byte, 16))
	common.Set("mapType", "TrackMania\\TM_Race")
	common.Set("mapStyle", "")
	common.Set("lightmapVersion", uint8(8))
	common.Set("title", gbx.NewLookback("TMStadium"))

	auth := &gbx.Record{}
	auth.Set("version", uint32(1))
	auth.Set("authorVersion", uint32(0))
	auth.Set("login", author)
	auth.Set("nick", author)
	auth.Set("zone", "")
	auth.Set("extra", "")

	c.Headers = append(c.Headers,
		&gbx.HeaderChunk{ID: MapCommon, Value: common},
		&gbx.HeaderChunk{ID: MapAuthor, Value: auth},
	)
	return c
}

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
	"io/fs"
	"testing"
)

const (
	pairID    ChunkID = 0x00001001
	valID     ChunkID = 0x02000001
	refID     ChunkID = 0x02000002
	nodeClass ClassID = 0x02000000
)

func nodeRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(pairID, Struct(F("a", NodeRef), F("b", NodeRef)))
	reg.Register(valID, Uint32)
	reg.Register(refID, NodeRef)
	reg.Register(testValueID, Uint32)
	return reg
}

func pair(t *testing.T, n *Node) (a, b Ref) {
	t.Helper()
	rec, ok := n.Get(pairID).(*Record)
	if !ok {
		t.Fatalf("%s has no pair chunk", n)
	}
	return rec.Get("a").(Ref), rec.Get("b").(Ref)
}

func TestNodeIdentity(t *testing.T) {
	reg := nodeRegistry()
	f := &testFile{
		class: 0x1000,
		nodes: 2,
		body: le(
			pairID,
			int32(1), nodeClass, valID, 5, Terminator,
			int32(1),
			Terminator,
		),
		compress: true,
	}
	src := f.bytes()
	c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg})
	a, b := pair(t, c.Main)
	if a.Node == nil || a.Node != b.Node {
		t.Fatalf("references resolved to %v and %v", a.Node, b.Node)
	}
	if a.Node.Class != nodeClass || a.Node.Get(valID) != uint32(5) {
		t.Fatalf("node %s value %v", a.Node, a.Node.Get(valID))
	}
	if c.Nodes.Get(1) != a.Node || c.Nodes.Get(0) != c.Main {
		t.Fatal("node table does not match the references")
	}
	if out := mustEncode(t, c, &EncodeOptions{Reindex: true}); !bytes.Equal(out, src) {
		t.Fatalf("dense indices changed on reindex:\n got %x\nwant %x", out, src)
	}
}

func TestDanglingReference(t *testing.T) {
	reg := nodeRegistry()
	f := &testFile{class: 0x1000, nodes: 2, body: le(pairID, int32(5), int32(-1), Terminator)}
	c := checkRoundTrip(t, f.bytes(), &DecodeOptions{Registry: reg})
	a, b := pair(t, c.Main)
	if a.Node == nil || a.Node.Kind != NodeDangling || a.Index != 5 || !a.IsNull() {
		t.Fatalf("a = %+v", a)
	}
	if !b.IsNull() || b.Index != NullIndex {
		t.Fatalf("b = %+v", b)
	}
	if countWarnings(c, NodeIndexError) != 1 || len(c.Main.Warnings) != 1 {
		t.Fatalf("warnings %v", c.Warnings)
	}
	// reindexing drops the dangling index
	c2 := mustDecode(t, mustEncode(t, c, &EncodeOptions{Reindex: true}), &DecodeOptions{Registry: reg})
	if a, _ := pair(t, c2.Main); a.Node != nil || a.Index != NullIndex {
		t.Fatalf("reindexed a = %+v", a)
	}
}

func TestReentrantReference(t *testing.T) {
	reg := nodeRegistry()
	f := &testFile{
		class: 0x1000,
		nodes: 2,
		body: le(
			pairID,
			int32(1), nodeClass, refID, int32(1), Terminator,
			int32(1),
			Terminator,
		),
	}
	c := checkRoundTrip(t, f.bytes(), &DecodeOptions{Registry: reg})
	a, b := pair(t, c.Main)
	if a.Node != b.Node || a.Node.Kind != NodeBody {
		t.Fatalf("a = %v, b = %v", a.Node, b.Node)
	}
	self := a.Node.Get(refID).(Ref)
	if self.Node.Kind != NodeDangling || self.Index != 1 {
		t.Fatalf("self reference %+v", self)
	}
	if len(a.Node.Warnings) != 1 || a.Node.Warnings[0].Kind != NodeIndexError {
		t.Fatalf("node warnings %v", a.Node.Warnings)
	}
}

func TestReindexSparse(t *testing.T) {
	reg := nodeRegistry()
	f := &testFile{
		class: 0x1000,
		nodes: 4,
		body: le(
			pairID,
			int32(3), nodeClass, valID, 5, Terminator,
			int32(3),
			Terminator,
		),
	}
	c := checkRoundTrip(t, f.bytes(), &DecodeOptions{Registry: reg})
	c2 := mustDecode(t, mustEncode(t, c, &EncodeOptions{Reindex: true}), &DecodeOptions{Registry: reg})
	if c2.NumNodes != 2 {
		t.Fatalf("%d nodes after reindex", c2.NumNodes)
	}
	a, b := pair(t, c2.Main)
	if a.Index != 1 || a.Node != b.Node || a.Node.Get(valID) != uint32(5) {
		t.Fatalf("a = %+v, b = %+v", a, b)
	}
}

func TestPreserveCollision(t *testing.T) {
	reg := nodeRegistry()
	c := NewContainer(0x1000)
	n1 := NewNode(nodeClass, NewChunk(valID, uint32(1)))
	n2 := NewNode(nodeClass, NewChunk(valID, uint32(2)))
	n1.Index, n2.Index = 1, 1
	rec := &Record{}
	rec.Set("a", RefTo(n1))
	rec.Set("b", RefTo(n2))
	c.Main.Set(pairID, rec)
	_, err := Encode(c, &EncodeOptions{Registry: reg})
	if !errors.Is(err, ErrNodeCollision) {
		t.Fatalf("got %v", err)
	}

	out := mustEncode(t, c, &EncodeOptions{Registry: reg, Reindex: true})
	c2 := mustDecode(t, out, &DecodeOptions{Registry: reg})
	a, b := pair(t, c2.Main)
	if a.Index != 1 || b.Index != 2 || c2.NumNodes != 3 {
		t.Fatalf("indices %d %d of %d", a.Index, b.Index, c2.NumNodes)
	}
	if a.Node.Get(valID) != uint32(1) || b.Node.Get(valID) != uint32(2) {
		t.Fatal("node bodies swapped")
	}
}

func TestFreshIndices(t *testing.T) {
	reg := nodeRegistry()
	c := NewContainer(0x1000)
	shared := NewNode(nodeClass, NewChunk(valID, uint32(1)))
	rec := &Record{}
	rec.Set("a", shared)
	rec.Set("b", RefTo(shared))
	c.Main.Set(pairID, rec)
	out := mustEncode(t, c, &EncodeOptions{Registry: reg})
	c2 := mustDecode(t, out, &DecodeOptions{Registry: reg})
	a, b := pair(t, c2.Main)
	if a.Index != 1 || a.Node != b.Node || c2.NumNodes != 2 {
		t.Fatalf("a = %+v, b = %+v, %d nodes", a, b, c2.NumNodes)
	}
}

type mapLoader struct {
	files map[string][]byte
	calls map[string]int
}

func newMapLoader(files map[string][]byte) *mapLoader {
	return &mapLoader{files: files, calls: make(map[string]int)}
}

func (m *mapLoader) Load(p string) ([]byte, error) {
	m.calls[p]++
	b, ok := m.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return b, nil
}

func refEntry(name string, idx int32, folder uint32) []byte {
	return le(0, name, idx, 1, folder)
}

// diamond returns a container whose two external
// references both point at b.gbx
func diamond() []byte {
	f := &testFile{
		class: 0x1000,
		nodes: 3,
		refs: le(2, 0, 0,
			refEntry("b.gbx", 1, 0),
			refEntry("b.gbx", 2, 0)),
		body:     le(pairID, int32(1), int32(2), Terminator),
		compress: true,
	}
	return f.bytes()
}

func TestExternalDiamond(t *testing.T) {
	reg := nodeRegistry()
	ld := newMapLoader(map[string][]byte{"b.gbx": exampleFile().bytes()})
	opts := &DecodeOptions{Registry: reg, Loader: ld, Path: "a.gbx"}
	src := diamond()
	c := checkRoundTrip(t, src, opts)
	if ld.calls["b.gbx"] != 1 {
		t.Fatalf("loader calls %v", ld.calls)
	}
	a, b := pair(t, c.Main)
	if a.Node != b.Node || a.Node.Kind != NodeExternal || a.Index != 1 || b.Index != 2 {
		t.Fatalf("a = %+v, b = %+v", a, b)
	}
	if a.Node.External.Get(testValueID) != uint32(7) {
		t.Fatalf("external value %v", a.Node.External.Get(testValueID))
	}
	if c.Refs.Entries[0].Node != c.Refs.Entries[1].Node {
		t.Fatal("entries resolved to different nodes")
	}

	// reindexing collapses the duplicate entry
	out := mustEncode(t, c, &EncodeOptions{Reindex: true})
	ld = newMapLoader(ld.files)
	opts.Loader = ld
	c2 := mustDecode(t, out, opts)
	if len(c2.Refs.Entries) != 1 || c2.NumNodes != 2 {
		t.Fatalf("%d entries, %d nodes", len(c2.Refs.Entries), c2.NumNodes)
	}
	a, b = pair(t, c2.Main)
	if a.Node != b.Node || a.Index != 1 {
		t.Fatalf("a = %+v, b = %+v", a, b)
	}
}

func TestStripExternal(t *testing.T) {
	reg := nodeRegistry()
	ld := newMapLoader(map[string][]byte{"b.gbx": exampleFile().bytes()})
	c := mustDecode(t, diamond(), &DecodeOptions{Registry: reg, Loader: ld, Path: "a.gbx"})
	out := mustEncode(t, c, &EncodeOptions{StripExternal: true})
	c2 := mustDecode(t, out, &DecodeOptions{Registry: reg})
	if len(c2.Refs.Entries) != 0 || len(c2.Warnings) != 0 {
		t.Fatalf("entries %v warnings %v", c2.Refs.Entries, c2.Warnings)
	}
	a, b := pair(t, c2.Main)
	if a.Node != b.Node || a.Node.Kind != NodeBody || a.Node.Class != 1 {
		t.Fatalf("a = %v, b = %v", a.Node, b.Node)
	}
	if a.Node.Get(testValueID) != uint32(7) {
		t.Fatalf("inlined value %v", a.Node.Get(testValueID))
	}
}

func TestMissingExternal(t *testing.T) {
	reg := nodeRegistry()
	src := diamond()
	for _, ld := range []Loader{nil, newMapLoader(nil)} {
		c := checkRoundTrip(t, src, &DecodeOptions{Registry: reg, Loader: ld, Path: "a.gbx"})
		if countWarnings(c, MissingExternalFile) != 1 {
			t.Fatalf("warnings %v", c.Warnings)
		}
		a, b := pair(t, c.Main)
		if a.Node != b.Node || a.Node.Kind != NodeUnresolved || a.Node.Path != "b.gbx" {
			t.Fatalf("a = %v, b = %v", a.Node, b.Node)
		}
		if len(a.Node.Warnings) != 1 {
			t.Fatalf("node warnings %v", a.Node.Warnings)
		}
		_, err := Encode(c, &EncodeOptions{StripExternal: true})
		if !errors.Is(err, ErrUnresolvedExternal) {
			t.Fatalf("got %v", err)
		}
	}
}

func TestExternalCycle(t *testing.T) {
	reg := nodeRegistry()
	a := &testFile{
		class: 0x1000,
		nodes: 2,
		refs:  le(1, 0, 0, refEntry("b.gbx", 1, 0)),
		body:  le(pairID, int32(1), int32(-1), Terminator),
	}
	b := &testFile{
		class: 0x1000,
		nodes: 2,
		refs:  le(1, 0, 0, refEntry("a.gbx", 1, 0)),
		body:  le(pairID, int32(1), int32(-1), Terminator),
	}
	ld := newMapLoader(map[string][]byte{"a.gbx": a.bytes(), "b.gbx": b.bytes()})
	c := checkRoundTrip(t, a.bytes(), &DecodeOptions{Registry: reg, Loader: ld, Path: "a.gbx"})
	if ld.calls["a.gbx"] > 1 || ld.calls["b.gbx"] != 1 {
		t.Fatalf("loader calls %v", ld.calls)
	}
	toB, _ := pair(t, c.Main)
	toA, _ := pair(t, toB.Node.External.Main)
	back, _ := pair(t, toA.Node.External.Main)
	if back.Node != toB.Node {
		t.Fatal("cycle did not end at the cached node")
	}
	if _, err := Encode(c, &EncodeOptions{StripExternal: true}); err != nil {
		t.Fatal(err)
	}
}

func TestResourceReference(t *testing.T) {
	reg := nodeRegistry()
	f := &testFile{
		class: 0x1000,
		nodes: 2,
		refs:  le(1, 0, 0, le(refFlagResource, 7, int32(1), 1)),
		body:  le(pairID, int32(1), int32(-1), Terminator),
	}
	ld := newMapLoader(nil)
	c := checkRoundTrip(t, f.bytes(), &DecodeOptions{Registry: reg, Loader: ld})
	a, _ := pair(t, c.Main)
	if a.Node.Kind != NodeUnresolved || a.Node.Path != "resource:7" {
		t.Fatalf("a = %v", a.Node)
	}
	if len(ld.calls) != 0 || countWarnings(c, MissingExternalFile) != 1 {
		t.Fatalf("calls %v warnings %v", ld.calls, c.Warnings)
	}
}

func TestRefTableResolve(t *testing.T) {
	tab := &RefTable{
		AncestorLevel: 1,
		Folders: []*Folder{
			{Name: "Media", Sub: []*Folder{{Name: "Tex"}}},
			{Name: "Other"},
		},
	}
	tests := []struct {
		folder uint32
		file   string
		want   string
	}{
		{0, "x.gbx", "x.gbx"},
		{1, "x.gbx", "Media/x.gbx"},
		{2, "x.gbx", "Media/Tex/x.gbx"},
		{3, "x.gbx", "Other/x.gbx"},
		{3, `sub\y.gbx`, "Other/sub/y.gbx"},
	}
	for _, tc := range tests {
		got, err := tab.Resolve("maps/a.gbx", &ExternalRef{FileName: tc.file, FolderIndex: tc.folder})
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("folder %d %q: got %q want %q", tc.folder, tc.file, got, tc.want)
		}
	}
	if _, err := tab.Resolve("a.gbx", &ExternalRef{FileName: "x", FolderIndex: 4}); err == nil {
		t.Fatal("folder index past the tree accepted")
	}
	got, _ := tab.Resolve("a.gbx", &ExternalRef{FileName: "x.gbx"})
	if got != "../x.gbx" {
		t.Fatalf("got %q", got)
	}
}

func TestFolderTreeRoundTrip(t *testing.T) {
	reg := nodeRegistry()
	f := &testFile{
		class: 0x1000,
		nodes: 2,
		refs: le(1, 1, 2,
			"Media", 1, "Tex", 0,
			"Other", 0,
			refEntry("x.gbx", 1, 2)),
		body: le(pairID, int32(1), int32(-1), Terminator),
	}
	ld := newMapLoader(nil)
	c := checkRoundTrip(t, f.bytes(), &DecodeOptions{Registry: reg, Loader: ld, Path: "maps/a.gbx"})
	if ld.calls["Media/Tex/x.gbx"] != 1 {
		t.Fatalf("loader calls %v", ld.calls)
	}
	if paths := c.Refs.FolderPaths(); len(paths) != 3 || paths[1] != "Media/Tex/" {
		t.Fatalf("folders %q", paths)
	}
}

func TestNewExternalRelative(t *testing.T) {
	reg := nodeRegistry()
	tests := []struct {
		container string
		ancestor  uint32
		path      string
		file      string
	}{
		{"", 0, "Items/b.gbx", "Items/b.gbx"},
		{"a.gbx", 0, "Items/b.gbx", "Items/b.gbx"},
		{"Maps/a.gbx", 0, "Items/b.gbx", "../Items/b.gbx"},
		{"Maps/Race/a.gbx", 0, "Maps/b.gbx", "../b.gbx"},
		{"Maps/Race/a.gbx", 0, "Maps/Race/Sub/b.gbx", "Sub/b.gbx"},
		{"Maps/Race/a.gbx", 1, "Items/b.gbx", "../Items/b.gbx"},
	}
	for _, tc := range tests {
		c := NewContainer(0x1000)
		c.Path = tc.container
		c.Refs.AncestorLevel = tc.ancestor
		c.Main.Set(refID, RefTo(&Node{Kind: NodeUnresolved, Path: tc.path}))
		out := mustEncode(t, c, &EncodeOptions{Registry: reg})
		ld := newMapLoader(nil)
		c2 := mustDecode(t, out, &DecodeOptions{Registry: reg, Loader: ld, Path: tc.container})
		if len(c2.Refs.Entries) != 1 || c2.Refs.Entries[0].FileName != tc.file {
			t.Errorf("%q: entries %+v", tc.container, c2.Refs.Entries)
			continue
		}
		if ld.calls[tc.path] != 1 {
			t.Errorf("%q: loader calls %v", tc.container, ld.calls)
		}
	}
}

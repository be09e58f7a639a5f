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

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/gbx"
	"github.com/SnellerInc/gbx/catalog"
)

type chunkSummary struct {
	ID        string `json:"id"`
	Skippable bool   `json:"skippable,omitempty"`
	Heavy     bool   `json:"heavy,omitempty"`
	Opaque    bool   `json:"opaque,omitempty"`
	Size      int    `json:"size,omitempty"`
	Error     string `json:"error,omitempty"`
}

type externalSummary struct {
	File  string `json:"file"`
	Node  int32  `json:"node"`
	Path  string `json:"path,omitempty"`
	Kind  string `json:"kind"`
	Class string `json:"class,omitempty"`
}

type nodeSummary struct {
	Index  int32          `json:"index"`
	Kind   string         `json:"kind"`
	Class  string         `json:"class,omitempty"`
	Chunks []chunkSummary `json:"chunks,omitempty"`
}

type summary struct {
	File       string            `json:"file"`
	Size       int               `json:"size"`
	Digest     string            `json:"blake3"`
	Class      string            `json:"class"`
	Version    uint16            `json:"version"`
	Compressed bool              `json:"compressed"`
	Status     string            `json:"status"`
	NumNodes   uint32            `json:"nodes"`
	Headers    []chunkSummary    `json:"headers,omitempty"`
	Externals  []externalSummary `json:"externals,omitempty"`
	Nodes      []nodeSummary     `json:"body,omitempty"`
	Trailing   int               `json:"trailing,omitempty"`
	Map        *catalog.Info     `json:"map,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

func summarizeChunks(chunks []*gbx.Chunk) []chunkSummary {
	out := make([]chunkSummary, 0, len(chunks))
	for _, c := range chunks {
		s := chunkSummary{
			ID:        c.ID.String(),
			Skippable: c.Skippable,
			Opaque:    c.Opaque,
			Size:      len(c.Raw),
		}
		if c.Err != nil {
			s.Error = c.Err.Err.Error()
		}
		out = append(out, s)
	}
	return out
}

// summarize describes c, which was decoded from buf
func summarize(name string, buf []byte, c *gbx.Container) *summary {
	sum := blake3.Sum256(buf)
	s := &summary{
		File:       name,
		Size:       len(buf),
		Digest:     hex.EncodeToString(sum[:]),
		Class:      catalog.ClassName(c.Class),
		Version:    c.Version,
		Compressed: c.Compressed,
		Status:     string(rune(c.Status)),
		NumNodes:   c.NumNodes,
		Trailing:   len(c.Trailing),
	}
	for _, h := range c.Headers {
		cs := chunkSummary{
			ID:     h.ID.String(),
			Heavy:  h.Heavy,
			Opaque: h.Opaque,
			Size:   len(h.Raw),
		}
		if h.Err != nil {
			cs.Error = h.Err.Err.Error()
		}
		s.Headers = append(s.Headers, cs)
	}
	for _, e := range c.Refs.Entries {
		es := externalSummary{File: e.FileName, Node: e.NodeIndex}
		if e.IsResource() {
			es.File = fmt.Sprintf("resource %d", e.ResourceIndex)
		}
		if n := e.Node; n != nil {
			es.Path = n.Path
			es.Kind = n.Kind.String()
			if n.Kind == gbx.NodeExternal {
				es.Class = catalog.ClassName(n.Class)
			}
		}
		s.Externals = append(s.Externals, es)
	}
	if c.Nodes != nil {
		for _, n := range c.Nodes.Nodes() {
			if n.Kind != gbx.NodeBody {
				continue
			}
			s.Nodes = append(s.Nodes, nodeSummary{
				Index:  n.Index,
				Kind:   n.Kind.String(),
				Class:  catalog.ClassName(n.Class),
				Chunks: summarizeChunks(n.Chunks),
			})
		}
	}
	if info, err := catalog.Describe(c); err == nil {
		s.Map = info
	}
	for _, w := range c.Warnings {
		s.Warnings = append(s.Warnings, w.Error())
	}
	return s
}

var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("gbxdump: cbor encoder: " + err.Error())
	}
}

// marshal encodes v in the named format
func marshal(format string, v any) ([]byte, error) {
	switch format {
	case "", "yaml":
		return yaml.Marshal(v)
	case "json":
		buf, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(buf, '\n'), nil
	case "cbor":
		return cborMode.Marshal(v)
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

func writeSummaries(w io.Writer, format string, all []*summary) error {
	var v any = all
	if len(all) == 1 {
		v = all[0]
	}
	buf, err := marshal(format, v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

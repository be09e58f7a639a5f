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
)

// NodeKind describes what a Node holds.
type NodeKind uint8

const (
	// NodeBody is a node with a class and chunk body.
	NodeBody NodeKind = iota
	// NodeUnresolved is a placeholder for an
	// external file that could not be loaded.
	NodeUnresolved
	// NodeExternal is a node whose content
	// is a Container loaded from another file.
	NodeExternal
	// NodeDangling stands in for a reference
	// that could not be resolved; it keeps
	// the index that was read.
	NodeDangling
)

func (k NodeKind) String() string {
	switch k {
	case NodeBody:
		return "body"
	case NodeUnresolved:
		return "unresolved"
	case NodeExternal:
		return "external"
	case NodeDangling:
		return "dangling"
	default:
		return fmt.Sprintf("NodeKind(%d)", uint8(k))
	}
}

const (
	// NullIndex is the index of the null reference.
	NullIndex int32 = -1
	// RootIndex is the index of a container's main node.
	RootIndex int32 = 0
)

// Node is an addressable record of the node graph.
type Node struct {
	Kind  NodeKind
	Class ClassID
	// Chunks is the body of a NodeBody node.
	Chunks []*Chunk
	// Index is the index the node was decoded
	// from, or zero for newly created nodes.
	Index int32
	// Path is the resolved path of an
	// external or unresolved node.
	Path string
	// External is the loaded container of
	// a NodeExternal node.
	External *Container
	// Warnings holds the non-fatal conditions
	// encountered while decoding this node.
	Warnings []*Warning
}

// NewNode returns a body node with the given chunks.
func NewNode(class ClassID, chunks ...*Chunk) *Node {
	return &Node{Kind: NodeBody, Class: class, Chunks: chunks}
}

func (n *Node) String() string {
	switch n.Kind {
	case NodeBody:
		return fmt.Sprintf("node %d (%s)", n.Index, n.Class)
	case NodeDangling:
		return fmt.Sprintf("dangling node %d", n.Index)
	default:
		return fmt.Sprintf("%s node %q", n.Kind, n.Path)
	}
}

// Chunk returns the first chunk with the
// given identifier, or nil.
func (n *Node) Chunk(id ChunkID) *Chunk {
	for _, c := range n.Chunks {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Get returns the decoded value of chunk id,
// or nil if the node has no such chunk or
// the chunk is opaque.
func (n *Node) Get(id ChunkID) any {
	c := n.Chunk(id)
	if c == nil || c.Opaque {
		return nil
	}
	return c.Value
}

// Set replaces the value of chunk id, or inserts
// a new chunk before the first chunk with a greater
// identifier. It returns the affected chunk.
func (n *Node) Set(id ChunkID, v any) *Chunk {
	if c := n.Chunk(id); c != nil {
		c.Value = v
		c.Opaque = false
		c.Raw = nil
		c.Err = nil
		return c
	}
	c := NewChunk(id, v)
	n.Insert(c)
	return c
}

// Insert adds c before the first chunk
// with a greater identifier.
func (n *Node) Insert(c *Chunk) {
	i := 0
	for i < len(n.Chunks) && n.Chunks[i].ID <= c.ID {
		i++
	}
	n.Chunks = append(n.Chunks, nil)
	copy(n.Chunks[i+1:], n.Chunks[i:])
	n.Chunks[i] = c
}

// Remove deletes every chunk with the given
// identifier and reports whether any was removed.
func (n *Node) Remove(id ChunkID) bool {
	out := n.Chunks[:0]
	for _, c := range n.Chunks {
		if c.ID != id {
			out = append(out, c)
		}
	}
	removed := len(out) != len(n.Chunks)
	for i := len(out); i < len(n.Chunks); i++ {
		n.Chunks[i] = nil
	}
	n.Chunks = out
	return removed
}

// Ref is a reference to a node
// from inside a chunk payload.
type Ref struct {
	// Index is the index the reference was
	// decoded with (NullIndex for none).
	Index int32
	Node  *Node
}

// RefTo returns a reference to n.
func RefTo(n *Node) Ref {
	if n == nil {
		return Ref{Index: NullIndex}
	}
	return Ref{Index: n.Index, Node: n}
}

// IsNull reports whether the reference points nowhere.
func (r Ref) IsNull() bool {
	return r.Node == nil || r.Node.Kind == NodeDangling
}

// NodeTable is the index-addressed node array
// shared by one decode session. Slot 0 is the
// main node of the container.
type NodeTable struct {
	slots   []*Node
	busy    map[int32]bool // bodies currently being decoded
	journal []int32        // slots filled, in order
}

// NewNodeTable returns a table with n empty slots.
func NewNodeTable(n int) *NodeTable {
	return &NodeTable{
		slots: make([]*Node, n),
		busy:  make(map[int32]bool),
	}
}

// Len returns the number of slots.
func (t *NodeTable) Len() int { return len(t.slots) }

func (t *NodeTable) inRange(i int32) bool {
	return i >= 0 && int(i) < len(t.slots)
}

// Get returns the node at index i, or nil
// if the slot is empty or out of range.
func (t *NodeTable) Get(i int32) *Node {
	if !t.inRange(i) {
		return nil
	}
	return t.slots[i]
}

// Declare binds n to index i.
func (t *NodeTable) Declare(i int32, n *Node) error {
	if !t.inRange(i) {
		return fmt.Errorf("gbx: node index %d out of range [0, %d)", i, len(t.slots))
	}
	if t.slots[i] != nil && t.slots[i] != n {
		return fmt.Errorf("gbx: node index %d declared twice", i)
	}
	if t.slots[i] == nil {
		t.slots[i] = n
		t.journal = append(t.journal, i)
	}
	return nil
}

// Nodes returns the nodes in index order,
// skipping empty slots.
func (t *NodeTable) Nodes() []*Node {
	var out []*Node
	for _, n := range t.slots {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (t *NodeTable) save() int { return len(t.journal) }

// restore empties every slot filled
// since the matching call to save
func (t *NodeTable) restore(mark int) {
	for _, i := range t.journal[mark:] {
		t.slots[i] = nil
		delete(t.busy, i)
	}
	t.journal = t.journal[:mark]
}

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

// Loader loads the contents of the files
// that external references point to.
//
// Paths are slash-separated and relative
// to the root the top-level container was
// loaded from.
type Loader interface {
	Load(path string) ([]byte, error)
}

// RootedLoader is a Loader whose paths are
// relative to a directory on the local file system.
type RootedLoader interface {
	Loader
	RootDir() string
}

// LoaderFunc adapts a function to a Loader.
type LoaderFunc func(path string) ([]byte, error)

func (f LoaderFunc) Load(path string) ([]byte, error) { return f(path) }

// DecodeContext carries the state of one
// container decode. Schemas use it to read
// node references and interned strings.
//
// A DecodeContext is not safe for
// concurrent use.
type DecodeContext struct {
	Registry  *Registry
	Nodes     *NodeTable
	Lookbacks Lookbacks

	sess     *session
	path     string
	cur      *Node // node whose body is being decoded
	warnings []*Warning
}

// Path returns the path of the container being decoded.
func (ctx *DecodeContext) Path() string { return ctx.path }

func (ctx *DecodeContext) where() string {
	if ctx.cur == nil {
		return ctx.path
	}
	if ctx.path == "" {
		return ctx.cur.String()
	}
	return ctx.path + ": " + ctx.cur.String()
}

func (ctx *DecodeContext) warn(kind WarningKind, err error) *Warning {
	w := &Warning{Kind: kind, Where: ctx.where(), Err: err}
	ctx.warnings = append(ctx.warnings, w)
	if ctx.cur != nil {
		ctx.cur.Warnings = append(ctx.cur.Warnings, w)
	}
	return w
}

// mark is a snapshot of everything a
// speculative decode can change
type mark struct {
	off      int
	nodes    int
	look     lookbackMark
	warns    int
	cur      *Node
	curWarns int
}

func (ctx *DecodeContext) save(r *Reader) mark {
	m := mark{
		off:   r.Tell(),
		look:  ctx.Lookbacks.mark(),
		warns: len(ctx.warnings),
		cur:   ctx.cur,
	}
	if ctx.Nodes != nil {
		m.nodes = ctx.Nodes.save()
	}
	if ctx.cur != nil {
		m.curWarns = len(ctx.cur.Warnings)
	}
	return m
}

func (ctx *DecodeContext) restore(r *Reader, m mark) {
	r.Seek(m.off)
	if ctx.Nodes != nil {
		ctx.Nodes.restore(m.nodes)
	}
	ctx.Lookbacks.rewind(m.look)
	ctx.warnings = ctx.warnings[:m.warns]
	ctx.cur = m.cur
	if m.cur != nil {
		m.cur.Warnings = m.cur.Warnings[:m.curWarns]
	}
}

// Speculate calls fn and, if it returns an error,
// rewinds r along with the node table, the interned
// strings and the warnings to their state before
// the call.
func (ctx *DecodeContext) Speculate(r *Reader, fn func() error) error {
	m := ctx.save(r)
	err := fn()
	if err != nil {
		ctx.restore(r, m)
	}
	return err
}

// ReadRef reads a node reference. The first
// reference to an index is followed by the
// class and body of the node, which are decoded
// and memoized; later references return the
// same *Node.
//
// References that are out of range or that
// point at a node whose body is still being
// decoded produce a NodeIndexError warning and
// a NodeDangling node that keeps the index.
func (ctx *DecodeContext) ReadRef(r *Reader) (Ref, error) {
	off := r.Tell()
	idx, err := r.ReadInt32()
	if err != nil {
		return Ref{}, err
	}
	if idx == NullIndex {
		return Ref{Index: NullIndex}, nil
	}
	if ctx.Nodes == nil {
		return Ref{}, fmt.Errorf("gbx: node reference at offset %d outside of a node body", off)
	}
	if !ctx.Nodes.inRange(idx) {
		err := fmt.Errorf("node index %d at offset %d out of range [0, %d)", idx, off, ctx.Nodes.Len())
		return ctx.dangling(idx, err), nil
	}
	if n := ctx.Nodes.Get(idx); n != nil {
		if ctx.Nodes.busy[idx] {
			err := fmt.Errorf("re-entrant reference to node %d at offset %d", idx, off)
			return ctx.dangling(idx, err), nil
		}
		return Ref{Index: idx, Node: n}, nil
	}
	class, err := r.ReadUint32()
	if err != nil {
		return Ref{}, err
	}
	n := &Node{Kind: NodeBody, Class: ClassID(class), Index: idx}
	if err := ctx.Nodes.Declare(idx, n); err != nil {
		return Ref{}, err
	}
	ctx.Nodes.busy[idx] = true
	err = ctx.decodeNodeBody(r, n)
	delete(ctx.Nodes.busy, idx)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Index: idx, Node: n}, nil
}

func (ctx *DecodeContext) dangling(idx int32, err error) Ref {
	w := ctx.warn(NodeIndexError, err)
	n := &Node{Kind: NodeDangling, Index: idx, Warnings: []*Warning{w}}
	return Ref{Index: idx, Node: n}
}

func (ctx *DecodeContext) decodeNodeBody(r *Reader, n *Node) error {
	prev := ctx.cur
	ctx.cur = n
	defer func() { ctx.cur = prev }()
	chunks, err := ctx.decodeSequence(r)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", n, err)
	}
	n.Chunks = chunks
	return nil
}

// session is the state shared by a top-level
// decode and every external file it loads
type session struct {
	registry *Registry
	loader   Loader
	logf     func(f string, args ...any)
	maxDepth int
	depth    int
	loaded   map[string]*Node
}

func (s *session) log(f string, args ...any) {
	if s.logf != nil {
		s.logf(f, args...)
	}
}

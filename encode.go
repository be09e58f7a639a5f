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

// EncodeContext carries the state of one
// container encode. Schemas use it to write
// node references and interned strings.
type EncodeContext struct {
	Registry  *Registry
	Lookbacks Lookbacks

	reindex bool
	strip   bool
	next    int32
	byIndex map[int32]*Node
	indexOf map[*Node]int32
	emitted map[int32]bool
	// external nodes in the order they were bound
	externals []*Node
}

func newEncodeContext(reg *Registry, reindex, strip bool) *EncodeContext {
	return &EncodeContext{
		Registry: reg,
		reindex:  reindex || strip,
		strip:    strip,
		byIndex:  make(map[int32]*Node),
		indexOf:  make(map[*Node]int32),
		emitted:  make(map[int32]bool),
	}
}

func isExternal(n *Node) bool {
	return n.Kind == NodeExternal || n.Kind == NodeUnresolved
}

func (ctx *EncodeContext) bind(i int32, n *Node) error {
	if other, ok := ctx.byIndex[i]; ok && other != n {
		return fmt.Errorf("%w: index %d used by %s and %s", ErrNodeCollision, i, other, n)
	}
	ctx.byIndex[i] = n
	if _, ok := ctx.indexOf[n]; !ok {
		ctx.indexOf[n] = i
		if isExternal(n) {
			ctx.externals = append(ctx.externals, n)
		}
	}
	if i >= ctx.next {
		ctx.next = i + 1
	}
	return nil
}

func (ctx *EncodeContext) fresh() int32 {
	i := ctx.next
	ctx.next++
	return i
}

// indexFor returns the index ref is written with
func (ctx *EncodeContext) indexFor(ref Ref) (int32, error) {
	n := ref.Node
	if !ctx.reindex && ref.Index > RootIndex && ctx.byIndex[ref.Index] == n {
		return ref.Index, nil
	}
	if i, ok := ctx.indexOf[n]; ok && (ctx.reindex || ref.Index <= RootIndex || isExternal(n)) {
		return i, nil
	}
	if ctx.reindex {
		i := ctx.fresh()
		return i, ctx.bind(i, n)
	}
	idx := ref.Index
	if idx <= RootIndex {
		idx = ctx.fresh()
	}
	if i, ok := ctx.indexOf[n]; ok && i != idx {
		return 0, fmt.Errorf("%w: %s referenced as %d and %d", ErrNodeCollision, n, i, idx)
	}
	return idx, ctx.bind(idx, n)
}

// WriteRef writes a node reference. The first
// reference to a body node is followed by its
// class and body; later references write only
// the index.
func (ctx *EncodeContext) WriteRef(w *Writer, ref Ref) error {
	n := ref.Node
	if n == nil {
		w.WriteInt32(NullIndex)
		return nil
	}
	if ctx.indexOf == nil {
		return fmt.Errorf("gbx: node reference outside of a node body")
	}
	if n.Kind == NodeDangling {
		if ctx.reindex {
			w.WriteInt32(NullIndex)
		} else {
			w.WriteInt32(ref.Index)
		}
		return nil
	}
	if n.Kind == NodeUnresolved && ctx.strip {
		return fmt.Errorf("%w: %q", ErrUnresolvedExternal, n.Path)
	}
	idx, err := ctx.indexFor(ref)
	if err != nil {
		return err
	}
	w.WriteInt32(idx)
	if ctx.emitted[idx] {
		return nil
	}
	ctx.emitted[idx] = true
	body := n
	switch n.Kind {
	case NodeUnresolved:
		return nil
	case NodeExternal:
		if !ctx.strip {
			return nil
		}
		if n.External == nil || n.External.Main == nil {
			return fmt.Errorf("%w: %q", ErrUnresolvedExternal, n.Path)
		}
		body = n.External.Main
	}
	w.WriteUint32(uint32(body.Class))
	return ctx.encodeNodeBody(w, body)
}

func (ctx *EncodeContext) encodeNodeBody(w *Writer, n *Node) error {
	if err := ctx.encodeSequence(w, n.Chunks); err != nil {
		return fmt.Errorf("encoding %s: %w", n, err)
	}
	return nil
}

// refTable builds the reference table that
// matches the indices assigned while encoding
func (ctx *EncodeContext) refTable(orig *RefTable, container string) (*RefTable, error) {
	if ctx.strip {
		return &RefTable{}, nil
	}
	out := &RefTable{AncestorLevel: orig.AncestorLevel, Folders: orig.Folders}
	byNode := make(map[*Node]*ExternalRef)
	for _, e := range orig.Entries {
		if e.Node != nil {
			if _, ok := byNode[e.Node]; !ok {
				byNode[e.Node] = e
			}
		}
	}
	if !ctx.reindex {
		out.Entries = append(out.Entries, orig.Entries...)
		for _, n := range ctx.externals {
			if _, ok := byNode[n]; !ok {
				out.Entries = append(out.Entries, newExternalRef(n, ctx.indexOf[n], orig.relative(container, n.Path)))
			}
		}
		return out, nil
	}
	for _, e := range orig.Entries {
		if e.Node == nil {
			continue
		}
		if _, ok := ctx.indexOf[e.Node]; !ok {
			if err := ctx.bind(ctx.fresh(), e.Node); err != nil {
				return nil, err
			}
		}
	}
	for _, n := range ctx.externals {
		var e ExternalRef
		if prev := byNode[n]; prev != nil {
			e = *prev
		} else {
			e = *newExternalRef(n, 0, orig.relative(container, n.Path))
		}
		e.NodeIndex = ctx.indexOf[n]
		e.Node = n
		out.Entries = append(out.Entries, &e)
	}
	return out, nil
}

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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SnellerInc/gbx/compr"
	"golang.org/x/exp/slices"
)

const (
	// Version is the only container version supported.
	Version = 6

	compressed   = 'C'
	uncompressed = 'U'

	// DefaultMaxDepth is the default limit on
	// nested external container loads.
	DefaultMaxDepth = 32

	maxNodes    = 1 << 20
	maxBodySize = 1 << 30
)

var magic = [3]byte{'G', 'B', 'X'}

// Container is a decoded file.
type Container struct {
	Version    uint16
	Compressed bool
	// Status is the last byte of the format
	// descriptor ('R' in every known file).
	Status byte
	Class  ClassID
	// Headers are the header chunks in file order.
	Headers []*HeaderChunk
	// HeaderPad holds bytes after the last header
	// chunk that are still part of the header section.
	HeaderPad []byte
	// NumNodes is the node count stored in the file.
	NumNodes uint32
	Refs     RefTable
	Main     *Node
	// BodyTrailing holds bytes of the decompressed
	// body after the main node's terminator.
	BodyTrailing []byte
	// Trailing holds bytes after the body.
	Trailing []byte
	// Nodes is the node table built while decoding.
	Nodes *NodeTable
	// Warnings holds every non-fatal condition
	// encountered while decoding, in order.
	Warnings []*Warning
	// Path is the path the container was decoded from.
	Path string

	registry *Registry
}

// NewContainer returns an empty compressed
// container with a main node of the given class.
func NewContainer(class ClassID) *Container {
	return &Container{
		Version:    Version,
		Compressed: true,
		Status:     'R',
		Class:      class,
		Main:       NewNode(class),
	}
}

// Body returns the main node.
func (c *Container) Body() *Node { return c.Main }

// Get returns the decoded value of a chunk
// of the main node.
func (c *Container) Get(id ChunkID) any {
	if c.Main == nil {
		return nil
	}
	return c.Main.Get(id)
}

// DecodeOptions configures Decode.
type DecodeOptions struct {
	// Registry provides the chunk schemas.
	// Chunks without a schema are kept opaque.
	Registry *Registry
	// Loader loads external references.
	// When nil, external references are
	// left unresolved.
	Loader Loader
	// Path is the slash-separated path of the
	// container relative to the loader's root.
	Path string
	// Logf, if non-nil, is called with
	// each warning as decoding finishes.
	Logf func(f string, args ...any)
	// MaxDepth limits nested external loads.
	// Zero means DefaultMaxDepth.
	MaxDepth int
}

// Decode decodes a container from src.
// Structural problems return a *FormatError
// and body decompression failures return a
// *CompressionError; everything else is
// recorded as a Warning on the result.
func Decode(src []byte, opts *DecodeOptions) (*Container, error) {
	var o DecodeOptions
	if opts != nil {
		o = *opts
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	s := &session{
		registry: o.Registry,
		loader:   o.Loader,
		logf:     o.Logf,
		maxDepth: o.MaxDepth,
		loaded:   make(map[string]*Node),
	}
	return s.decode(src, o.Path)
}

// DecodeFile reads and decodes the named file.
// Unless opts supplies a Loader, external
// references are loaded from the file's directory.
func DecodeFile(name string, opts *DecodeOptions) (*Container, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var o DecodeOptions
	if opts != nil {
		o = *opts
	}
	if o.Loader == nil {
		dir := filepath.Dir(name)
		o.Loader = LoaderFunc(func(p string) ([]byte, error) {
			return os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		})
		o.Path = filepath.Base(name)
	} else if o.Path == "" {
		o.Path = loaderPath(o.Loader, name)
	}
	return Decode(buf, &o)
}

// loaderPath returns the path of the file name
// relative to the root of l, or its base name
// when l has no root or name lies outside of it
func loaderPath(l Loader, name string) string {
	if rl, ok := l.(RootedLoader); ok {
		root, err1 := filepath.Abs(rl.RootDir())
		abs, err2 := filepath.Abs(name)
		if err1 == nil && err2 == nil {
			rel, err := filepath.Rel(root, abs)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return filepath.ToSlash(rel)
			}
		}
	}
	return filepath.Base(name)
}

func (s *session) decode(src []byte, p string) (*Container, error) {
	r := NewReader(src)
	c := &Container{Path: p, registry: s.registry}
	if err := c.decodeShell(r); err != nil {
		return nil, err
	}
	ctx := &DecodeContext{Registry: s.registry, sess: s, path: p}
	if err := c.decodeHeader(r, ctx); err != nil {
		return nil, err
	}
	off := r.Tell()
	n, err := r.ReadUint32()
	if err != nil {
		return nil, formatErr(off, "reading node count: %v", err)
	}
	if n > maxNodes {
		return nil, formatErr(off, "%d nodes (limit %d)", n, maxNodes)
	}
	c.NumNodes = n
	c.Nodes = NewNodeTable(max(int(n), 1))
	ctx.Nodes = c.Nodes
	if err := c.Refs.decode(r); err != nil {
		return nil, asFormatError(r, err)
	}
	s.resolveAll(c, ctx)

	body := r
	if c.Compressed {
		body, err = c.decompress(r)
		if err != nil {
			return nil, err
		}
	}
	c.Main = &Node{Kind: NodeBody, Class: c.Class, Index: RootIndex}
	c.Nodes.Declare(RootIndex, c.Main)
	c.Nodes.busy[RootIndex] = true
	err = ctx.decodeNodeBody(body, c.Main)
	delete(c.Nodes.busy, RootIndex)
	if err != nil {
		return nil, asFormatError(body, err)
	}
	if c.Compressed {
		if body.Len() > 0 {
			c.BodyTrailing = slices.Clone(body.Rest())
		}
	} else {
		r = body
	}
	if r.Len() > 0 {
		c.Trailing = slices.Clone(r.Rest())
	}
	c.Warnings = ctx.warnings
	for _, w := range c.Warnings {
		s.log("%s", w)
	}
	return c, nil
}

// asFormatError turns a structural decoding
// error into a *FormatError at r's offset
func asFormatError(r *Reader, err error) error {
	var fe *FormatError
	if errors.As(err, &fe) {
		return err
	}
	return &FormatError{Off: r.Tell(), Msg: err.Error(), Err: err}
}

func (c *Container) decodeShell(r *Reader) error {
	m, err := r.ReadBytes(3)
	if err != nil || [3]byte(m) != magic {
		return formatErr(0, "bad magic")
	}
	if c.Version, err = r.ReadUint16(); err != nil {
		return formatErr(3, "reading version: %v", err)
	}
	if c.Version != Version {
		return formatErr(3, "unsupported version %d", c.Version)
	}
	desc, err := r.ReadBytes(4)
	if err != nil {
		return formatErr(5, "reading format descriptor: %v", err)
	}
	if desc[0] != 'B' || desc[1] != 'U' {
		return formatErr(5, "unsupported format %q", desc[:2])
	}
	switch desc[2] {
	case compressed:
		c.Compressed = true
	case uncompressed:
	default:
		return formatErr(7, "unknown compression flag %q", desc[2])
	}
	c.Status = desc[3]
	class, err := r.ReadUint32()
	if err != nil {
		return formatErr(9, "reading class: %v", err)
	}
	c.Class = ClassID(class)
	return nil
}

func (c *Container) decompress(r *Reader) (*Reader, error) {
	off := r.Tell()
	usize, err := r.ReadUint32()
	if err != nil {
		return nil, formatErr(off, "reading body size: %v", err)
	}
	csize, err := r.ReadUint32()
	if err != nil {
		return nil, formatErr(off+4, "reading compressed body size: %v", err)
	}
	// a compressed stream cannot expand by more
	// than 255 bytes per input byte
	if usize > maxBodySize || uint64(usize) > uint64(csize)*256+64 {
		return nil, formatErr(off, "body of %d bytes from %d compressed bytes", usize, csize)
	}
	comp, err := r.ReadBytes(int(csize))
	if err != nil {
		return nil, formatErr(off+8, "compressed body of %d bytes: %v", csize, err)
	}
	body := make([]byte, usize)
	if err := compr.Decompression("lzo").Decompress(comp, body); err != nil {
		return nil, &CompressionError{Err: err}
	}
	return NewReader(body), nil
}

func (s *session) resolveAll(c *Container, ctx *DecodeContext) {
	for _, e := range c.Refs.Entries {
		e.Node = s.resolve(c, e, ctx)
		if e.NodeIndex == RootIndex {
			ctx.warn(NodeIndexError, fmt.Errorf("external reference %q bound to the main node index", e.FileName))
			continue
		}
		if err := c.Nodes.Declare(e.NodeIndex, e.Node); err != nil {
			ctx.warn(NodeIndexError, fmt.Errorf("external reference %q: %w", e.FileName, err))
		}
	}
}

// resolve returns the node for an external
// reference. Every path is loaded at most once
// per session, and the node is cached before
// its file is decoded so that cycles end at
// the cached node.
func (s *session) resolve(c *Container, e *ExternalRef, ctx *DecodeContext) *Node {
	n := &Node{Kind: NodeUnresolved, Index: e.NodeIndex}
	missing := func(err error) *Node {
		n.Kind = NodeUnresolved
		n.Warnings = append(n.Warnings, ctx.warn(MissingExternalFile, err))
		return n
	}
	if e.IsResource() {
		n.Path = fmt.Sprintf("resource:%d", e.ResourceIndex)
		return missing(fmt.Errorf("resource %d: resources cannot be loaded", e.ResourceIndex))
	}
	p, err := c.Refs.Resolve(c.Path, e)
	if err != nil {
		n.Path = e.FileName
		return missing(err)
	}
	if cached, ok := s.loaded[p]; ok {
		return cached
	}
	n.Kind = NodeExternal
	n.Path = p
	s.loaded[p] = n
	if s.loader == nil {
		return missing(fmt.Errorf("%s: no loader", p))
	}
	if s.depth >= s.maxDepth {
		return missing(fmt.Errorf("%s: external files nested deeper than %d", p, s.maxDepth))
	}
	buf, err := s.loader.Load(p)
	if err != nil {
		return missing(fmt.Errorf("%s: %w", p, err))
	}
	s.depth++
	sub, err := s.decode(buf, p)
	s.depth--
	if err != nil {
		return missing(fmt.Errorf("%s: %w", p, err))
	}
	n.External = sub
	n.Class = sub.Class
	return n
}

// EncodeOptions configures Encode.
type EncodeOptions struct {
	// Registry provides the chunk schemas. When
	// nil, the registry the container was decoded
	// with is used.
	Registry *Registry
	// Reindex assigns node indices densely in
	// the order nodes are first referenced,
	// instead of preserving decoded indices.
	Reindex bool
	// StripExternal inlines every external node
	// and writes an empty reference table.
	// It implies Reindex.
	StripExternal bool
}

// Encode serializes c. With default options a
// decoded container is written back byte for byte.
func Encode(c *Container, opts *EncodeOptions) ([]byte, error) {
	var o EncodeOptions
	if opts != nil {
		o = *opts
	}
	reg := o.Registry
	if reg == nil {
		reg = c.registry
	}
	ctx := newEncodeContext(reg, o.Reindex, o.StripExternal)
	main := c.Main
	if main == nil {
		main = NewNode(c.Class)
	}
	ctx.bind(RootIndex, main)
	ctx.emitted[RootIndex] = true
	if !ctx.reindex {
		ctx.next = max(int32(c.NumNodes), 1)
		for _, e := range c.Refs.Entries {
			if e.Node == nil || e.NodeIndex <= RootIndex {
				continue
			}
			// entries that lost their slot to an
			// earlier one were never declared
			if other, ok := ctx.byIndex[e.NodeIndex]; ok && other != e.Node {
				continue
			}
			ctx.bind(e.NodeIndex, e.Node)
		}
	}
	var body Writer
	if err := ctx.encodeNodeBody(&body, main); err != nil {
		return nil, err
	}
	body.WriteBytes(c.BodyTrailing)
	refs, err := ctx.refTable(&c.Refs, c.Path)
	if err != nil {
		return nil, err
	}

	var w Writer
	w.WriteBytes(magic[:])
	version := c.Version
	if version == 0 {
		version = Version
	}
	w.WriteUint16(version)
	w.WriteUint8('B')
	w.WriteUint8('U')
	if c.Compressed {
		w.WriteUint8(compressed)
	} else {
		w.WriteUint8(uncompressed)
	}
	status := c.Status
	if status == 0 {
		status = 'R'
	}
	w.WriteUint8(status)
	w.WriteUint32(uint32(c.Class))
	if err := c.encodeHeader(&w, reg); err != nil {
		return nil, err
	}
	w.WriteUint32(uint32(ctx.next))
	refs.encode(&w)
	if c.Compressed {
		w.WriteUint32(uint32(body.Len()))
		comp := compr.Compression("lzo").Compress(body.Bytes(), nil)
		w.WriteUint32(uint32(len(comp)))
		w.WriteBytes(comp)
	} else {
		w.WriteBytes(body.Bytes())
	}
	w.WriteBytes(c.Trailing)
	return w.Bytes(), nil
}

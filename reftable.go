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
	"path"
	"strings"
)

const (
	refFlagResource = 4
	maxFolderDepth  = 64
)

// RefTable lists the external files a
// container references.
type RefTable struct {
	// AncestorLevel is the number of directories
	// to climb from the container before
	// applying folder paths.
	AncestorLevel uint32
	Folders       []*Folder
	Entries       []*ExternalRef
}

// Folder is a node of the reference table's
// directory tree.
type Folder struct {
	Name string
	Sub  []*Folder
}

// ExternalRef is one external reference.
type ExternalRef struct {
	Flags uint32
	// FileName is set unless the entry
	// refers to a resource by index.
	FileName      string
	ResourceIndex uint32
	NodeIndex     int32
	UseFile       bool
	// FolderIndex is one-based in the pre-order
	// flattening of the folder tree; zero means
	// the container's own directory.
	FolderIndex uint32
	// Node is the node bound to NodeIndex.
	Node *Node
}

// IsResource reports whether e refers to
// a resource index instead of a file.
func (e *ExternalRef) IsResource() bool { return e.Flags&refFlagResource != 0 }

func newExternalRef(n *Node, idx int32, file string) *ExternalRef {
	return &ExternalRef{
		FileName:  file,
		NodeIndex: idx,
		UseFile:   true,
		Node:      n,
	}
}

// FolderPaths returns the slash-terminated path
// of every folder in pre-order.
func (t *RefTable) FolderPaths() []string {
	var out []string
	var walk func(prefix string, fs []*Folder)
	walk = func(prefix string, fs []*Folder) {
		for _, f := range fs {
			p := prefix + f.Name + "/"
			out = append(out, p)
			walk(p, f.Sub)
		}
	}
	walk("", t.Folders)
	return out
}

// Resolve returns the path of e relative to
// the directory the loader is rooted at, given
// the path of the container holding t.
func (t *RefTable) Resolve(container string, e *ExternalRef) (string, error) {
	var dir string
	if e.FolderIndex != 0 {
		paths := t.FolderPaths()
		if int(e.FolderIndex) > len(paths) {
			return "", fmt.Errorf("gbx: folder index %d out of range (%d folders)", e.FolderIndex, len(paths))
		}
		dir = paths[e.FolderIndex-1]
	}
	base := path.Dir(slashes(container))
	up := strings.Repeat("../", int(t.AncestorLevel))
	return path.Clean(path.Join(base, up, slashes(dir), slashes(e.FileName))), nil
}

// relative converts p, a path relative to the
// loader's root, into the file name of an entry
// without a folder in a container at container;
// it is the inverse of Resolve for such entries
func (t *RefTable) relative(container, p string) string {
	up := strings.Repeat("../", int(t.AncestorLevel))
	base := path.Clean(path.Join(path.Dir(slashes(container)), up))
	p = path.Clean(slashes(p))
	if base == "." || base == ".." || strings.HasPrefix(base, "../") {
		return p
	}
	bs := strings.Split(base, "/")
	ps := strings.Split(p, "/")
	i := 0
	for i < len(bs) && i < len(ps)-1 && bs[i] == ps[i] {
		i++
	}
	return strings.Repeat("../", len(bs)-i) + strings.Join(ps[i:], "/")
}

func slashes(s string) string { return strings.ReplaceAll(s, "\\", "/") }

func (t *RefTable) decode(r *Reader) error {
	off := r.Tell()
	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	// every entry takes at least 16 bytes
	if int64(count)*16 > int64(r.Len()) {
		return formatErr(off, "%d external references do not fit in %d bytes", count, r.Len())
	}
	if t.AncestorLevel, err = r.ReadUint32(); err != nil {
		return err
	}
	if t.Folders, err = readFolders(r, 0); err != nil {
		return err
	}
	t.Entries = make([]*ExternalRef, count)
	for i := range t.Entries {
		e := &ExternalRef{}
		if e.Flags, err = r.ReadUint32(); err != nil {
			return err
		}
		if e.IsResource() {
			e.ResourceIndex, err = r.ReadUint32()
		} else {
			e.FileName, err = r.ReadString()
		}
		if err != nil {
			return err
		}
		if e.NodeIndex, err = r.ReadInt32(); err != nil {
			return err
		}
		if e.UseFile, err = r.ReadBool(); err != nil {
			return err
		}
		if !e.IsResource() {
			if e.FolderIndex, err = r.ReadUint32(); err != nil {
				return err
			}
		}
		t.Entries[i] = e
	}
	return nil
}

func readFolders(r *Reader, depth int) ([]*Folder, error) {
	off := r.Tell()
	if depth > maxFolderDepth {
		return nil, formatErr(off, "folder tree deeper than %d", maxFolderDepth)
	}
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int64(n)*8 > int64(r.Len()) {
		return nil, formatErr(off, "%d folders do not fit in %d bytes", n, r.Len())
	}
	fs := make([]*Folder, n)
	for i := range fs {
		f := &Folder{}
		if f.Name, err = r.ReadString(); err != nil {
			return nil, err
		}
		if f.Sub, err = readFolders(r, depth+1); err != nil {
			return nil, err
		}
		fs[i] = f
	}
	return fs, nil
}

func writeFolders(w *Writer, fs []*Folder) {
	w.WriteUint32(uint32(len(fs)))
	for _, f := range fs {
		w.WriteString(f.Name)
		writeFolders(w, f.Sub)
	}
}

func (t *RefTable) encode(w *Writer) {
	w.WriteUint32(uint32(len(t.Entries)))
	if len(t.Entries) == 0 {
		return
	}
	w.WriteUint32(t.AncestorLevel)
	writeFolders(w, t.Folders)
	for _, e := range t.Entries {
		w.WriteUint32(e.Flags)
		if e.IsResource() {
			w.WriteUint32(e.ResourceIndex)
		} else {
			w.WriteString(e.FileName)
		}
		w.WriteInt32(e.NodeIndex)
		w.WriteBool(e.UseFile)
		if !e.IsResource() {
			w.WriteUint32(e.FolderIndex)
		}
	}
}

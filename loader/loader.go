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

// Package loader provides file loaders for
// the external references of gbx containers.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SnellerInc/gbx/compr"
	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"
)

// ErrEscapesRoot is returned for paths
// that point outside of every search root.
var ErrEscapesRoot = errors.New("loader: path escapes root")

// cache key derivation constants
const (
	k0 = 0x6762785f6c6f6164
	k1 = 0x65725f6361636865
)

// Dir loads files below one or more root
// directories. Loaded files are kept in a
// compressed cache so that repeated decodes
// sharing external files do not read them again.
//
// A Dir is safe for concurrent use.
type Dir struct {
	// Root is the directory paths are
	// resolved against first.
	Root string
	// Search lists further roots tried in
	// order when a file is missing from Root.
	Search []string
	// MaxCache is the number of compressed bytes
	// kept in the cache. Zero disables caching.
	MaxCache int
	// Codec names the compr algorithm used for
	// cached files; the default is "s2".
	Codec string
	// Logf, if non-nil, is a callback
	// used for logging cache activity.
	Logf func(f string, args ...any)

	mu      sync.Mutex
	cache   map[[2]uint64]*entry
	order   [][2]uint64 // insertion order, oldest first
	size    int
	hits    int
	misses  int
	evicted int
}

type entry struct {
	comp []byte
	size int
	sum  [blake2b.Size256]byte
}

func (d *Dir) codec() string {
	if d.Codec == "" {
		return "s2"
	}
	return d.Codec
}

// NewDir returns a Dir rooted at root
// with a cache of maxCache bytes.
func NewDir(root string, maxCache int) *Dir {
	return &Dir{Root: root, MaxCache: maxCache}
}

// RootDir implements gbx.RootedLoader.
func (d *Dir) RootDir() string { return d.Root }

func (d *Dir) logf(f string, args ...any) {
	if d.Logf != nil {
		d.Logf(f, args...)
	}
}

// Stats reports cache hits, misses and evictions.
func (d *Dir) Stats() (hits, misses, evicted int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits, d.misses, d.evicted
}

// clean converts p to a path that is valid
// for fs.ValidPath, rejecting escapes
func clean(p string) (string, error) {
	c := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if !fs.ValidPath(c) || c == "." {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, p)
	}
	return c, nil
}

func key(p string) [2]uint64 {
	lo, hi := siphash.Hash128(k0, k1, []byte(p))
	return [2]uint64{lo, hi}
}

// Load implements gbx.Loader.
func (d *Dir) Load(p string) ([]byte, error) {
	c, err := clean(p)
	if err != nil {
		return nil, err
	}
	k := key(c)
	if buf, ok := d.cached(k); ok {
		return buf, nil
	}
	return d.read(k, c)
}

// read loads p from the first root holding it,
// filling the cache from the file mapping
func (d *Dir) read(k [2]uint64, p string) ([]byte, error) {
	roots := append([]string{d.Root}, d.Search...)
	var firstErr error
	for _, root := range roots {
		var buf []byte
		err := mapFile(filepath.Join(root, filepath.FromSlash(p)), func(mem []byte) error {
			d.store(k, p, mem)
			buf = make([]byte, len(mem))
			copy(buf, mem)
			return nil
		})
		if err == nil {
			return buf, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return nil, firstErr
}

func (d *Dir) cached(k [2]uint64) ([]byte, bool) {
	d.mu.Lock()
	e, ok := d.cache[k]
	if ok {
		d.hits++
	} else {
		d.misses++
	}
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	buf := make([]byte, e.size)
	if err := compr.Decompression(d.codec()).Decompress(e.comp, buf); err != nil {
		d.logf("loader: dropping corrupt cache entry: %s", err)
		d.drop(k)
		return nil, false
	}
	if blake2b.Sum256(buf) != e.sum {
		d.logf("loader: dropping cache entry with a bad checksum")
		d.drop(k)
		return nil, false
	}
	return buf, true
}

// store adds buf to the cache; buf
// may be a file mapping and is not retained
func (d *Dir) store(k [2]uint64, p string, buf []byte) {
	if d.MaxCache <= 0 {
		return
	}
	c := compr.Compression(d.codec())
	if c == nil {
		d.logf("loader: unknown cache codec %q", d.Codec)
		return
	}
	comp := c.Compress(buf, nil)
	if len(comp) > d.MaxCache {
		d.logf("loader: %s (%d bytes compressed) exceeds the cache", p, len(comp))
		return
	}
	sum := blake2b.Sum256(buf)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache == nil {
		d.cache = make(map[[2]uint64]*entry)
	}
	if _, ok := d.cache[k]; ok {
		return
	}
	for d.size+len(comp) > d.MaxCache && len(d.order) > 0 {
		old := d.order[0]
		d.order = d.order[1:]
		if e, ok := d.cache[old]; ok {
			d.size -= len(e.comp)
			delete(d.cache, old)
			d.evicted++
		}
	}
	d.cache[k] = &entry{comp: comp, size: len(buf), sum: sum}
	d.order = append(d.order, k)
	d.size += len(comp)
	d.logf("loader: cached %s (%d -> %d bytes)", p, len(buf), len(comp))
}

func (d *Dir) drop(k [2]uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache[k]; ok {
		d.size -= len(e.comp)
		delete(d.cache, k)
	}
	if i := slices.Index(d.order, k); i >= 0 {
		d.order = slices.Delete(d.order, i, i+1)
	}
}

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
	"bytes"
	"fmt"
	"io"

	"github.com/SnellerInc/gbx"
	"github.com/SnellerInc/gbx/compr"
)

// entry point for 'gbxdump info ...'
func (e *env) info(w io.Writer, files []string) error {
	var all []*summary
	for _, name := range files {
		c, buf, err := e.decode(name)
		if err != nil {
			return err
		}
		all = append(all, summarize(name, buf, c))
	}
	return writeSummaries(w, e.conf.Format, all)
}

// result of comparing a re-encoded file
const (
	identical      = "identical"
	sameBody       = "identical after decompression"
	differentBytes = "differs"
)

// compare re-encodes c and compares the result
// with orig. Files that only differ in how the
// body was compressed are reported as sameBody,
// together with the first differing offset.
func (e *env) compare(c *gbx.Container, orig []byte) (string, int, error) {
	out, err := gbx.Encode(c, e.encodeOptions())
	if err != nil {
		return "", 0, err
	}
	if bytes.Equal(out, orig) {
		return identical, -1, nil
	}
	off := mismatch(out, orig)
	if !c.Compressed {
		return differentBytes, off, nil
	}
	a, err := e.uncompressed(orig)
	if err != nil {
		return "", 0, err
	}
	b, err := e.uncompressed(out)
	if err != nil {
		return "", 0, fmt.Errorf("decoding re-encoded file: %w", err)
	}
	if bytes.Equal(a, b) {
		return sameBody, off, nil
	}
	return differentBytes, mismatch(a, b), nil
}

// uncompressed returns buf with its body
// stored without compression
func (e *env) uncompressed(buf []byte) ([]byte, error) {
	c, err := gbx.Decode(buf, nil)
	if err != nil {
		return nil, err
	}
	c.Compressed = false
	return gbx.Encode(c, nil)
}

func mismatch(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// entry point for 'gbxdump roundtrip ...'
func (e *env) roundtrip(w io.Writer, files []string) error {
	failed := 0
	for _, name := range files {
		c, orig, err := e.decode(name)
		if err != nil {
			return err
		}
		res, off, err := e.compare(c, orig)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		switch res {
		case identical:
			fmt.Fprintf(w, "%s: %s\n", name, res)
		case sameBody:
			fmt.Fprintf(w, "%s: %s (compressed bytes differ at offset %d)\n", name, res, off)
		default:
			failed++
			fmt.Fprintf(w, "%s: %s at offset %d\n", name, res, off)
		}
		if n := len(c.Warnings); n > 0 {
			fmt.Fprintf(w, "%s: %d warnings\n", name, n)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files did not round-trip", failed, len(files))
	}
	return nil
}

// entry point for 'gbxdump export ...'
func (e *env) export(w io.Writer, name string) error {
	c, _, err := e.decode(name)
	if err != nil {
		return err
	}
	c.Compressed = false
	out, err := gbx.Encode(c, e.encodeOptions())
	if err != nil {
		return err
	}
	if dashzstd {
		out = compr.Compression("zstd").Compress(out, nil)
	}
	e.logf("%s: exported %d bytes", name, len(out))
	_, err = w.Write(out)
	return err
}

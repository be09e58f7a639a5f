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
)

var (
	// ErrNodeCollision is returned by Encode when
	// two distinct nodes claim the same index
	// while original indices are being preserved.
	ErrNodeCollision = errors.New("gbx: node index collision")
	// ErrUnresolvedExternal is returned by Encode
	// when external references are being stripped
	// but one of them was never loaded.
	ErrUnresolvedExternal = errors.New("gbx: cannot inline unresolved external node")
	// ErrNoTerminator is returned when a sequence
	// ends without its terminating item.
	ErrNoTerminator = errors.New("gbx: sequence ended without terminator")
	// ErrNoSchema is returned when encoding a chunk
	// that has neither a registered schema nor raw bytes.
	ErrNoSchema = errors.New("gbx: no schema registered")
)

// FormatError is returned when the
// container structure itself is invalid
// (bad magic, unsupported version, impossible sizes).
// A FormatError aborts decoding.
type FormatError struct {
	Off int    // offset of the offending data
	Msg string // description
	Err error  // underlying error, if any
}

func (f *FormatError) Unwrap() error { return f.Err }

func (f *FormatError) Error() string {
	return fmt.Sprintf("gbx: format error at offset %d: %s", f.Off, f.Msg)
}

func formatErr(off int, f string, args ...any) *FormatError {
	return &FormatError{Off: off, Msg: fmt.Sprintf(f, args...)}
}

// CompressionError wraps a failure to
// decompress the body of a container.
// A CompressionError aborts decoding.
type CompressionError struct {
	Err error
}

func (c *CompressionError) Error() string {
	return "gbx: decompressing body: " + c.Err.Error()
}

func (c *CompressionError) Unwrap() error { return c.Err }

// WarningKind classifies a non-fatal
// decoding condition.
type WarningKind uint8

const (
	// UnknownChunkID means a chunk had no registered
	// schema and was kept as opaque bytes.
	UnknownChunkID WarningKind = iota
	// ChunkDecodeFailure means a registered schema
	// failed and the chunk was kept as opaque bytes.
	ChunkDecodeFailure
	// MissingExternalFile means an external reference
	// could not be loaded and was replaced by a placeholder.
	MissingExternalFile
	// NodeIndexError means a node reference was out of
	// range or re-entrant and was treated as absent.
	NodeIndexError
	// CorruptHeaderSize means the header section size
	// was inconsistent and was recomputed from its entries.
	CorruptHeaderSize
)

func (k WarningKind) String() string {
	switch k {
	case UnknownChunkID:
		return "unknown chunk"
	case ChunkDecodeFailure:
		return "chunk decode failure"
	case MissingExternalFile:
		return "missing external file"
	case NodeIndexError:
		return "node index error"
	case CorruptHeaderSize:
		return "corrupt header size"
	default:
		return fmt.Sprintf("WarningKind(%d)", uint8(k))
	}
}

// Warning describes a non-fatal condition
// encountered while decoding. Warnings are
// attached to the affected Chunk or Node and
// collected in Container.Warnings.
type Warning struct {
	Kind  WarningKind
	Where string // file path and chunk or node that produced the warning
	Err   error
}

func (w *Warning) Error() string {
	if w.Where == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Err)
	}
	return fmt.Sprintf("%s: %s: %s", w.Where, w.Kind, w.Err)
}

func (w *Warning) Unwrap() error { return w.Err }

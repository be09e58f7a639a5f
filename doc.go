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

// Package gbx reads and writes GBX containers,
// the chunked binary format used for game assets.
//
// A container holds a small header section of
// independently decodable chunks, a table of
// references to external files, and a body:
// the chunk sequence of the main node, usually
// LZO-compressed. Chunk payloads are described
// by Schemas registered in a Registry. Chunks
// without a schema, or whose schema fails, are
// kept as opaque bytes so that decoding and
// re-encoding an unmodified container reproduces
// the input exactly.
//
// Nodes referenced from chunk payloads are
// decoded once and shared: every reference to
// the same index yields the same *Node, so
// shared and cyclic structures survive a
// round trip.
package gbx

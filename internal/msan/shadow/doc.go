// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shadow maps simulated kernel addresses to their shadow and origin
// metadata.
//
// # Overview
//
// Every tracked data byte has one shadow byte (a set bit means the matching
// data bit is uninitialized) and every 4-byte-aligned chunk has one 4-byte
// origin slot. Metadata lives in Arenas and is addressed with Ptr values.
//
// # Backing Stores
//
// A Space classifies an address into one of the backing kinds and routes the
// lookup accordingly:
//
//   - KindPhys:     direct map; each page frame has shadow/origin pointers
//     attached by SetupMeta. Pages set up by one call share one
//     contiguous arena; unrelated pages do not.
//   - KindVmalloc,
//     KindModule:   linear metadata at a fixed offset from the region
//     start. Only pages mapped with MapLinear/MapFresh resolve.
//   - KindCPUEntry: fixed per-CPU arrays, always present.
//   - KindUser,
//     KindUnknown:  never tracked.
//
// Locate returns NilPtr when no metadata exists. Callers that must write or
// read something anyway use DummyLoad/DummyStore.
//
// # Contiguity
//
// A multi-page range is describable by one metadata pointer only if the
// metadata of every page follows the previous one in the same arena, or if
// no page has metadata at all. IsContiguous checks that and logs the first
// violation.
//
// # Thread Safety
//
// Lookups are safe for concurrent use. SetupMeta/ClearMeta for a page must
// not race with other metadata setup for the same page; the host allocator
// serializes those.
package shadow

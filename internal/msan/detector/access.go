// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"encoding/binary"

	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/shadow"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// MaxAccessSize is the widest access Load and Store model.
const MaxAccessSize = 8

// MetadataForLoad returns the shadow and origin of a load of size bytes at
// addr. The origin pointer is for addr rounded down to the origin slot.
//
// Before the engine is ready, inside the runtime, and for untracked memory
// the dummy load region is returned: it reads as initialized.
//
// Panics if size exceeds the page size or the access straddles
// non-contiguous metadata.
func (d *Detector) MetadataForLoad(ctx *taskctx.Context, addr, size uint64) (sh, or shadow.Ptr) {
	return d.metadataForAccess(ctx, addr, size, false)
}

// MetadataForStore is MetadataForLoad for stores. The fallback is the dummy
// store region, which absorbs writes.
func (d *Detector) MetadataForStore(ctx *taskctx.Context, addr, size uint64) (sh, or shadow.Ptr) {
	return d.metadataForAccess(ctx, addr, size, true)
}

func (d *Detector) metadataForAccess(ctx *taskctx.Context, addr, size uint64, store bool) (shadow.Ptr, shadow.Ptr) {
	if size > d.space.PageSize() {
		d.fatal("access", addr, size, "access is larger than a page")
	}
	if !d.Ready() || ctx.InRuntime() {
		return d.dummy(store)
	}
	if !d.IsContiguous(addr, size) {
		d.fatal("access", addr, size, "metadata is not contiguous")
	}
	sh := d.space.Locate(addr, false)
	if sh.IsNil() {
		return d.dummy(store)
	}
	return sh, d.space.Locate(addr, true)
}

func (d *Detector) dummy(store bool) (shadow.Ptr, shadow.Ptr) {
	if store {
		p := d.space.DummyStore()
		return p, p
	}
	p := d.space.DummyLoad()
	return p, p
}

// Load returns the shadow of an instrumented load of size (1 to 8) bytes,
// little-endian, and the origin of its first uninitialized byte.
//
// Parameters:
//   - ctx: context of the access; in-runtime contexts read the dummy region
//   - addr: address of the load
//   - size: 1 to 8 bytes; other sizes are fatal
//
// Returns: the shadow (0 when fully initialized) and, if it is non-zero,
// the origin of the lowest uninitialized byte.
//
// Thread Safety: Safe for concurrent calls.
//
// Performance: two Locate calls and one read into a stack buffer. See
// BenchmarkLoadStore.
func (d *Detector) Load(ctx *taskctx.Context, addr, size uint64) (uint64, origin.Handle) {
	d.checkAccessSize("load", addr, size)
	sh, or := d.MetadataForLoad(ctx, addr, size)

	var buf [MaxAccessSize]byte
	sh.Read(buf[:size])
	s := binary.LittleEndian.Uint64(buf[:])
	if s == 0 {
		return 0, 0
	}
	base := addr &^ (shadow.OriginSize - 1)
	for i := uint64(0); i < size; i++ {
		if buf[i] != 0 {
			slot := (addr + i) &^ (shadow.OriginSize - 1)
			return s, origin.Handle(or.Add(slot - base).Load32())
		}
	}
	return s, 0
}

// Store writes the shadow s of an instrumented store of size (1 to 8)
// bytes. Origin slots the store touches are set to o only where the stored
// shadow is non-zero: an initialized store leaves the origin of the rest
// of a shared slot alone.
//
// Store does not chain o; instrumentation passes an already chained
// origin (see ChainOrigin).
//
// Parameters:
//   - ctx: context of the access; in-runtime contexts write the dummy region
//   - addr: address of the store
//   - size: 1 to 8 bytes; other sizes are fatal
//   - s: shadow of the stored value, little-endian
//   - o: origin written to the slots s poisons
//
// Thread Safety: Safe for concurrent calls on disjoint slots.
//
// Performance: two Locate calls and one origin write per slot touched.
func (d *Detector) Store(ctx *taskctx.Context, addr, size uint64, s uint64, o origin.Handle) {
	d.checkAccessSize("store", addr, size)
	sh, or := d.MetadataForStore(ctx, addr, size)

	var buf [MaxAccessSize]byte
	binary.LittleEndian.PutUint64(buf[:], s)
	sh.Write(buf[:size])
	if s == 0 {
		return
	}

	base := addr &^ (shadow.OriginSize - 1)
	for i := uint64(0); i < size; {
		slot := (addr + i) &^ (shadow.OriginSize - 1)
		poisoned := false
		for ; i < size && (addr+i)&^(shadow.OriginSize-1) == slot; i++ {
			poisoned = poisoned || buf[i] != 0
		}
		if poisoned {
			or.Add(slot - base).Store32(uint32(o))
		}
	}
}

func (d *Detector) checkAccessSize(op string, addr, size uint64) {
	if size == 0 || size > MaxAccessSize {
		d.fatal(op, addr, size, "access size must be 1 to %d bytes", MaxAccessSize)
	}
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hooks

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/shadow"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// Hooks is the set of subsystem entry points bound to one detector.
type Hooks struct {
	d     *detector.Detector
	space *shadow.Space
	log   logrus.FieldLogger

	asmWarn sync.Once
}

// New returns hooks for d.
func New(d *detector.Detector) *Hooks {
	return &Hooks{
		d:     d,
		space: d.Space(),
		log:   d.Log().WithField("component", "hooks"),
	}
}

// Detector returns the underlying detector.
func (h *Hooks) Detector() *detector.Detector {
	return h.d
}

// active reports whether a gated hook should run for ctx.
func (h *Hooks) active(ctx *taskctx.Context) bool {
	return h.d.Ready() && !ctx.InRuntime()
}

// TaskCreate initializes the context of a new task. parent is the context
// of the creating task.
func (h *Hooks) TaskCreate(parent *taskctx.Context, t *taskctx.Task) {
	tok := parent.EnterRuntime()
	defer tok.Leave()
	t.Create()
}

// TaskExit disables reporting for an exiting task.
func (h *Hooks) TaskExit(t *taskctx.Task) {
	if !h.d.Ready() || t.Context().InRuntime() {
		return
	}
	t.Exit()
}

// Cache describes a slab cache.
type Cache struct {
	Name       string
	ObjectSize uint64

	// Ctor is set for caches whose objects are constructed once per slab
	// page rather than on every allocation.
	Ctor bool

	// TypesafeByRCU objects may be used after free within an RCU period.
	TypesafeByRCU bool

	// Poison caches are debug-poisoned by the allocator itself.
	Poison bool
}

// SlabAlloc handles allocation of obj from c.
//
// Objects from caches with a constructor or with RCU lifetime keep their
// state from the previous use.
func (h *Hooks) SlabAlloc(ctx *taskctx.Context, c *Cache, obj uint64, gfp detector.GFP) {
	if obj == 0 || !h.active(ctx) {
		return
	}
	if c.Ctor || c.TypesafeByRCU {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	if gfp&detector.GFPZero != 0 {
		h.d.UnpoisonMemory(obj, c.ObjectSize, true)
	} else {
		h.d.PoisonMemory(obj, c.ObjectSize, gfp, detector.PoisonCheck)
	}
}

// SlabFree handles freeing of obj to c. The object is poisoned with a
// freed-memory origin.
func (h *Hooks) SlabFree(ctx *taskctx.Context, c *Cache, obj uint64) {
	if !h.active(ctx) {
		return
	}
	if c.TypesafeByRCU || c.Poison || c.Ctor {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.PoisonMemory(obj, c.ObjectSize, detector.GFPKernel, detector.PoisonCheck|detector.PoisonFree)
}

// KmallocLarge handles a page-backed kmalloc of size bytes at ptr.
func (h *Hooks) KmallocLarge(ctx *taskctx.Context, ptr, size uint64, gfp detector.GFP) {
	if ptr == 0 || !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	if gfp&detector.GFPZero != 0 {
		h.d.UnpoisonMemory(ptr, size, true)
	} else {
		h.d.PoisonMemory(ptr, size, gfp, detector.PoisonCheck)
	}
}

// KfreeLarge handles freeing of a page-backed kmalloc of 1<<order pages.
// ptr must be the start of the allocation.
func (h *Hooks) KfreeLarge(ctx *taskctx.Context, ptr uint64, order int) {
	if !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	ps := h.space.PageSize()
	if ptr%ps != 0 {
		h.d.Fatal("kfree_large", ptr, 0, "pointer is not the start of its page")
	}
	h.d.PoisonMemory(ptr, ps<<order, detector.GFPKernel, detector.PoisonCheck|detector.PoisonFree)
}

// AllocPage handles allocation of 1<<order pages at the direct-map address
// addr. Zeroed allocations, and every allocation made before the engine is
// ready, get initialized metadata. Other allocations are poisoned with one
// origin for the whole range.
func (h *Hooks) AllocPage(ctx *taskctx.Context, addr uint64, order int, gfp detector.GFP) {
	if addr == 0 || !h.space.PageHasMetadata(addr) {
		return
	}
	size := h.space.PageSize() << order
	if gfp&detector.GFPZero != 0 || !h.d.Ready() {
		h.d.SetShadowOrigin(addr, size, 0, 0, false)
		return
	}
	// Pages the runtime allocates for itself are never used uninitialized.
	if ctx.InRuntime() {
		return
	}
	tok := ctx.EnterRuntime()
	handle := h.d.SaveStack(gfp, 0)
	tok.Leave()
	h.d.SetShadowOrigin(addr, size, 0xff, handle, false)
}

// FreePage handles freeing of 1<<order pages at addr. Metadata is left in
// place unless the detector is configured to poison freed pages.
func (h *Hooks) FreePage(ctx *taskctx.Context, addr uint64, order int) {
	if !h.d.Config().PoisonFreedPages || !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.PoisonMemory(addr, h.space.PageSize()<<order, detector.GFPKernel, detector.PoisonNoCheck|detector.PoisonFree)
}

// CopyPageMeta copies the metadata of page src to page dst. A source
// without metadata yields an initialized destination.
func (h *Hooks) CopyPageMeta(ctx *taskctx.Context, dst, src uint64) {
	if !h.active(ctx) {
		return
	}
	if dst == 0 || !h.space.PageHasMetadata(dst) {
		return
	}
	ps := h.space.PageSize()
	if src == 0 || !h.space.PageHasMetadata(src) {
		h.d.UnpoisonMemory(dst, ps, false)
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	shadow.Move(h.space.Locate(dst, false), h.space.Locate(src, false), ps)
	shadow.Move(h.space.Locate(dst, true), h.space.Locate(src, true), ps)
}

// GupPages handles pages pinned on behalf of user space. Pages whose
// address lies in user memory are unpoisoned.
func (h *Hooks) GupPages(ctx *taskctx.Context, pages []uint64) {
	ps := h.space.PageSize()
	taskSize := h.d.Config().TaskSize
	for _, p := range pages {
		if p < taskSize && p+ps < taskSize {
			h.UnpoisonMemory(ctx, p, ps)
		}
	}
}

// PoisonMemory marks [addr, addr+size) uninitialized. Untracked or
// inconsistent ranges are skipped.
func (h *Hooks) PoisonMemory(ctx *taskctx.Context, addr, size uint64, gfp detector.GFP) {
	if !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.PoisonMemory(addr, size, gfp, detector.PoisonNoCheck)
}

// UnpoisonMemory marks [addr, addr+size) initialized. Untracked or
// inconsistent ranges are skipped.
func (h *Hooks) UnpoisonMemory(ctx *taskctx.Context, addr, size uint64) {
	if !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.UnpoisonMemory(addr, size, false)
}

// CheckMemory reports uninitialized bytes in [addr, addr+size) and returns
// the number of runs found.
func (h *Hooks) CheckMemory(ctx *taskctx.Context, addr, size uint64) int {
	if !h.active(ctx) {
		return 0
	}
	return h.d.CheckMemory(ctx, addr, size, 0, detector.ReasonAny)
}

// ChainOrigin links o to the current stack, or returns 0 when the hook is
// inactive.
func (h *Hooks) ChainOrigin(ctx *taskctx.Context, o origin.Handle) origin.Handle {
	if !h.active(ctx) {
		return 0
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	return h.d.ChainOrigin(o)
}

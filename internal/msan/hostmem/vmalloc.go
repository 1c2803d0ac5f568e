// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostmem

import (
	"fmt"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// area is a virtual mapping in the vmalloc or module region.
type area struct {
	alloc *extentAllocator
	base  uint64
	index uint64
	pages []uint64
	n     uint64
	io    bool
}

func (a *area) start(ps uint64) uint64 {
	return a.base + a.index*ps
}

// Vmalloc allocates size bytes of virtually contiguous memory backed by
// separately allocated pages.
func (h *Host) Vmalloc(ctx *taskctx.Context, size uint64, gfp detector.GFP) (uint64, error) {
	cfg := h.d.Config()
	return h.mapPages(ctx, h.vmalloc, cfg.VmallocStart, size, gfp)
}

// ModuleAlloc allocates size bytes in the module area.
func (h *Host) ModuleAlloc(ctx *taskctx.Context, size uint64) (uint64, error) {
	cfg := h.d.Config()
	return h.mapPages(ctx, h.modules, cfg.ModulesStart, size, detector.GFPKernel)
}

func (h *Host) reserve(alloc *extentAllocator, base, size uint64) (*area, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-size mapping")
	}
	ps := h.space.PageSize()
	n := (size + ps - 1) / ps
	// One guard page follows every area.
	idx, ok := alloc.alloc(n + 1)
	if !ok {
		return nil, fmt.Errorf("mapping of %d pages: %w", n, ErrNoMemory)
	}
	return &area{alloc: alloc, base: base, index: idx, n: n}, nil
}

func (h *Host) mapPages(ctx *taskctx.Context, alloc *extentAllocator, base, size uint64, gfp detector.GFP) (uint64, error) {
	a, err := h.reserve(alloc, base, size)
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < a.n; i++ {
		p, err := h.AllocPages(ctx, 0, gfp)
		if err != nil {
			_ = h.release(ctx, a)
			return 0, err
		}
		a.pages = append(a.pages, p)
	}

	ps := h.space.PageSize()
	start := a.start(ps)
	if err := h.hooks.VmapPagesRange(ctx, start, start+a.n*ps, a.pages); err != nil {
		_ = h.release(ctx, a)
		return 0, err
	}
	h.mu.Lock()
	h.areas[start] = a
	h.mu.Unlock()
	return start, nil
}

// Ioremap maps size bytes of device memory into the vmalloc area. The
// mapping gets its own initialized metadata.
func (h *Host) Ioremap(ctx *taskctx.Context, size uint64) (uint64, error) {
	a, err := h.reserve(h.vmalloc, h.d.Config().VmallocStart, size)
	if err != nil {
		return 0, err
	}
	a.io = true
	ps := h.space.PageSize()
	start := a.start(ps)
	if err := h.hooks.IoremapPageRange(ctx, start, start+a.n*ps); err != nil {
		_ = h.release(ctx, a)
		return 0, err
	}
	h.mu.Lock()
	h.areas[start] = a
	h.mu.Unlock()
	return start, nil
}

// Vfree unmaps and frees a mapping made by Vmalloc, ModuleAlloc or
// Ioremap.
func (h *Host) Vfree(ctx *taskctx.Context, addr uint64) error {
	h.mu.Lock()
	a, ok := h.areas[addr]
	delete(h.areas, addr)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("vfree %#x: %w", addr, ErrBadFree)
	}

	ps := h.space.PageSize()
	var err error
	if a.io {
		err = h.hooks.IounmapPageRange(addr, addr+a.n*ps)
	} else {
		err = h.hooks.VunmapRange(addr, addr+a.n*ps)
	}
	if rerr := h.release(ctx, a); err == nil {
		err = rerr
	}
	return err
}

// release frees the pages and the address range of a.
func (h *Host) release(ctx *taskctx.Context, a *area) error {
	var first error
	for _, p := range a.pages {
		if err := h.FreePages(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	if err := a.alloc.release(a.index, a.n+1); err != nil && first == nil {
		first = err
	}
	return first
}

// VmallocPages returns the physical pages backing a Vmalloc or
// ModuleAlloc mapping.
func (h *Host) VmallocPages(addr uint64) ([]uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.areas[addr]
	if !ok {
		return nil, false
	}
	return append([]uint64(nil), a.pages...), true
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hostmem simulates the memory management of a host kernel.
//
// It owns the simulated physical pages and the vmalloc and module areas,
// and calls the hooks at the same points a real kernel would: after page
// allocation, on slab allocation and free, when building and tearing down
// virtual mappings, and when tasks are created and exit. No data bytes
// are stored; only metadata is tracked.
//
// Each page allocation gets fresh metadata covering all of its pages, so
// multi-page allocations have contiguous metadata while separate
// allocations, even physically adjacent ones, do not.
package hostmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/hooks"
	"github.com/kolkov/uninitdetector/internal/msan/shadow"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// ErrNoMemory is returned when an allocator is exhausted.
var ErrNoMemory = errors.New("out of memory")

// ErrBadFree is returned for frees of addresses that were not allocated.
var ErrBadFree = errors.New("free of unallocated address")

// DefaultBootPages is the default amount of boot memory.
const DefaultBootPages = 64

// Options configures a Host.
type Options struct {
	// BootPages at the start of physical memory are reserved at boot and
	// get metadata in one piece. 0 means DefaultBootPages.
	BootPages uint64
}

type pageAlloc struct {
	order   int
	tracked bool
}

// Host is a simulated kernel memory manager.
type Host struct {
	hooks *hooks.Hooks
	d     *detector.Detector
	space *shadow.Space
	log   logrus.FieldLogger

	phys     *extentAllocator
	vmalloc  *extentAllocator
	modules  *extentAllocator
	bootEnd  uint64
	kmalloc  []*Cache
	registry *Registry

	mu        sync.Mutex
	pages     map[uint64]pageAlloc
	large     map[uint64]int
	slabOwner map[uint64]*Cache
	areas     map[uint64]*area
}

// New creates a Host over the layout of h's detector. Boot memory gets
// metadata immediately; the rest of physical memory is free.
func New(h *hooks.Hooks, opts Options) (*Host, error) {
	d := h.Detector()
	space := d.Space()
	cfg := d.Config()

	boot := opts.BootPages
	if boot == 0 {
		boot = DefaultBootPages
	}
	if boot > cfg.PhysPages {
		return nil, fmt.Errorf("boot memory of %d pages exceeds %d physical pages", boot, cfg.PhysPages)
	}
	ps := space.PageSize()
	if err := space.InitMetaForRange(cfg.PhysBase, cfg.PhysBase+boot*ps); err != nil {
		return nil, fmt.Errorf("boot metadata: %w", err)
	}

	host := &Host{
		hooks:     h,
		d:         d,
		space:     space,
		log:       d.Log().WithField("component", "hostmem"),
		phys:      newExtentAllocator(boot, cfg.PhysPages-boot),
		vmalloc:   newExtentAllocator(0, cfg.VmallocSize/ps),
		modules:   newExtentAllocator(0, cfg.ModulesSize/ps),
		bootEnd:   cfg.PhysBase + boot*ps,
		pages:     make(map[uint64]pageAlloc),
		large:     make(map[uint64]int),
		slabOwner: make(map[uint64]*Cache),
		areas:     make(map[uint64]*area),
	}
	for size := uint64(8); size <= ps/2; size *= 2 {
		host.kmalloc = append(host.kmalloc, host.NewCache(hooks.Cache{
			Name:       fmt.Sprintf("kmalloc-%d", size),
			ObjectSize: size,
		}))
	}
	host.registry = newRegistry(h, cfg.NumCPUs)
	return host, nil
}

// Hooks returns the hooks the host calls.
func (h *Host) Hooks() *hooks.Hooks {
	return h.hooks
}

// Tasks returns the task and CPU registry.
func (h *Host) Tasks() *Registry {
	return h.registry
}

// BootMemory returns the direct-map range reserved at boot.
func (h *Host) BootMemory() (start, end uint64) {
	return h.d.Config().PhysBase, h.bootEnd
}

// AllocPages allocates 1<<order physical pages with fresh metadata and
// returns their direct-map address.
func (h *Host) AllocPages(ctx *taskctx.Context, order int, gfp detector.GFP) (uint64, error) {
	addr, err := h.allocPhys(order, true)
	if err != nil {
		return 0, err
	}
	h.hooks.AllocPage(ctx, addr, order, gfp)
	return addr, nil
}

// AllocPagesUntracked allocates 1<<order pages without metadata, the way
// memory handed out before the detector owns the page allocator is.
func (h *Host) AllocPagesUntracked(order int) (uint64, error) {
	return h.allocPhys(order, false)
}

func (h *Host) allocPhys(order int, tracked bool) (uint64, error) {
	if order < 0 || order > 20 {
		return 0, fmt.Errorf("alloc_pages: bad order %d", order)
	}
	n := uint64(1) << order
	pfn, ok := h.phys.alloc(n)
	if !ok {
		return 0, fmt.Errorf("alloc_pages order %d: %w", order, ErrNoMemory)
	}
	addr := h.space.PhysAddr(pfn)
	var err error
	if tracked {
		err = h.space.SetupMeta(addr, order)
	} else {
		err = h.space.ClearMeta(addr, order)
	}
	if err != nil {
		_ = h.phys.release(pfn, n)
		return 0, err
	}

	h.mu.Lock()
	h.pages[addr] = pageAlloc{order: order, tracked: tracked}
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{
		"addr":    fmt.Sprintf("%#x", addr),
		"order":   order,
		"tracked": tracked,
	}).Debug("alloc_pages")
	return addr, nil
}

// FreePages frees an allocation made by AllocPages or AllocPagesUntracked.
func (h *Host) FreePages(ctx *taskctx.Context, addr uint64) error {
	h.mu.Lock()
	pa, ok := h.pages[addr]
	delete(h.pages, addr)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("free_pages %#x: %w", addr, ErrBadFree)
	}
	if pa.tracked {
		h.hooks.FreePage(ctx, addr, pa.order)
	}
	pfn, _ := h.space.PFN(addr)
	return h.phys.release(pfn, uint64(1)<<pa.order)
}

// CopyPage models copy_highpage: the metadata of page src moves to dst.
func (h *Host) CopyPage(ctx *taskctx.Context, dst, src uint64) {
	h.hooks.CopyPageMeta(ctx, dst, src)
}

// FreePhysPages returns the number of free physical pages and the number
// of free runs they form.
func (h *Host) FreePhysPages() (pages uint64, runs int) {
	return h.phys.available()
}

func orderFor(pages uint64) int {
	order := 0
	for uint64(1)<<order < pages {
		order++
	}
	return order
}

// Kmalloc allocates size bytes from the smallest fitting kmalloc cache, or
// directly from the page allocator for sizes above half a page.
func (h *Host) Kmalloc(ctx *taskctx.Context, size uint64, gfp detector.GFP) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("kmalloc: zero size")
	}
	for _, c := range h.kmalloc {
		if size <= c.ObjectSize {
			return c.Alloc(ctx, gfp)
		}
	}
	ps := h.space.PageSize()
	order := orderFor((size + ps - 1) / ps)
	addr, err := h.AllocPages(ctx, order, gfp)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.large[addr] = order
	h.mu.Unlock()
	h.hooks.KmallocLarge(ctx, addr, size, gfp)
	return addr, nil
}

// Kfree frees memory returned by Kmalloc.
func (h *Host) Kfree(ctx *taskctx.Context, ptr uint64) error {
	h.mu.Lock()
	order, large := h.large[ptr]
	delete(h.large, ptr)
	owner := h.slabOwner[ptr&^(h.space.PageSize()-1)]
	h.mu.Unlock()

	if large {
		h.hooks.KfreeLarge(ctx, ptr, order)
		return h.FreePages(ctx, ptr)
	}
	if owner == nil {
		return fmt.Errorf("kfree %#x: %w", ptr, ErrBadFree)
	}
	return owner.Free(ctx, ptr)
}

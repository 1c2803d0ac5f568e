// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostmem

import (
	"fmt"
	"sync"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/hooks"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// Cache is a slab cache of fixed-size objects carved out of page
// allocations.
type Cache struct {
	hooks.Cache

	host  *Host
	order int

	mu    sync.Mutex
	free  []uint64
	inUse map[uint64]bool
	slabs []uint64
}

// NewCache creates a slab cache. Objects are 8-byte aligned; a slab holds
// at least one object.
func (h *Host) NewCache(c hooks.Cache) *Cache {
	c.ObjectSize = (max(c.ObjectSize, 1) + 7) &^ 7
	ps := h.space.PageSize()
	return &Cache{
		Cache: c,
		host:  h,
		order: orderFor((c.ObjectSize + ps - 1) / ps),
		inUse: make(map[uint64]bool),
	}
}

// Alloc returns a free object.
func (c *Cache) Alloc(ctx *taskctx.Context, gfp detector.GFP) (uint64, error) {
	c.mu.Lock()
	if len(c.free) == 0 {
		if err := c.grow(ctx, gfp); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	obj := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.inUse[obj] = true
	c.mu.Unlock()

	c.host.hooks.SlabAlloc(ctx, &c.Cache, obj, gfp)
	// The allocator zeroes objects the hook leaves alone.
	if gfp&detector.GFPZero != 0 && (c.Ctor || c.TypesafeByRCU) {
		c.host.hooks.Memset(ctx, obj, c.ObjectSize)
	}
	return obj, nil
}

// grow adds a slab. c.mu must be held.
func (c *Cache) grow(ctx *taskctx.Context, gfp detector.GFP) error {
	page, err := c.host.AllocPages(ctx, c.order, gfp&^detector.GFPZero)
	if err != nil {
		return fmt.Errorf("cache %s: %w", c.Name, err)
	}
	ps := c.host.space.PageSize()
	slabSize := ps << c.order
	if c.Ctor {
		// The constructor runs once per object when the slab is created.
		c.host.hooks.Memset(ctx, page, slabSize)
	}

	c.host.mu.Lock()
	for off := uint64(0); off < slabSize; off += ps {
		c.host.slabOwner[page+off] = c
	}
	c.host.mu.Unlock()

	// Hand out low addresses first.
	for off := (slabSize/c.ObjectSize - 1) * c.ObjectSize; ; off -= c.ObjectSize {
		c.free = append(c.free, page+off)
		if off == 0 {
			break
		}
	}
	c.slabs = append(c.slabs, page)
	return nil
}

// Free returns obj to the cache.
func (c *Cache) Free(ctx *taskctx.Context, obj uint64) error {
	c.mu.Lock()
	if !c.inUse[obj] {
		c.mu.Unlock()
		return fmt.Errorf("cache %s: free %#x: %w", c.Name, obj, ErrBadFree)
	}
	delete(c.inUse, obj)
	c.mu.Unlock()

	c.host.hooks.SlabFree(ctx, &c.Cache, obj)

	c.mu.Lock()
	c.free = append(c.free, obj)
	c.mu.Unlock()
	return nil
}

// Stats returns the number of slabs and of objects in use.
func (c *Cache) Stats() (slabs, inUse int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slabs), len(c.inUse)
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// extent is a run of free units.
type extent struct {
	start, n uint64
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// extentAllocator hands out runs of units first-fit. Adjacent free runs
// are merged on release.
type extentAllocator struct {
	mu   sync.Mutex
	free *btree.BTreeG[extent]
	size uint64
}

func newExtentAllocator(start, n uint64) *extentAllocator {
	a := &extentAllocator{free: btree.NewG(8, extentLess), size: n}
	if n > 0 {
		a.free.ReplaceOrInsert(extent{start, n})
	}
	return a
}

// alloc returns the first free run of n units.
func (a *extentAllocator) alloc(n uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var found extent
	ok := false
	a.free.Ascend(func(e extent) bool {
		if e.n >= n {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	a.free.Delete(found)
	if found.n > n {
		a.free.ReplaceOrInsert(extent{found.start + n, found.n - n})
	}
	return found.start, true
}

// release returns [start, start+n) to the free set.
func (a *extentAllocator) release(start, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := extent{start, n}
	var prev, next extent
	hasPrev, hasNext := false, false
	a.free.DescendLessOrEqual(extent{start: start}, func(p extent) bool {
		prev, hasPrev = p, true
		return false
	})
	a.free.AscendGreaterOrEqual(extent{start: start}, func(x extent) bool {
		next, hasNext = x, true
		return false
	})
	if hasPrev && prev.start+prev.n > start || hasNext && next.start < start+n {
		return fmt.Errorf("release of [%d, +%d) overlaps free units", start, n)
	}

	if hasPrev && prev.start+prev.n == start {
		a.free.Delete(prev)
		e = extent{prev.start, prev.n + e.n}
	}
	if hasNext && next.start == start+n {
		a.free.Delete(next)
		e.n += next.n
	}
	a.free.ReplaceOrInsert(e)
	return nil
}

// available returns the number of free units and the number of free runs.
func (a *extentAllocator) available() (units uint64, runs int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.Ascend(func(e extent) bool {
		units += e.n
		return true
	})
	return units, a.free.Len()
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stackdepot implements deduplicated storage of stack traces.
//
// A Depot stores each distinct sequence of entries (usually program
// counters, but origin chains store handles and magic markers too) exactly
// once and hands out a small 32-bit Handle for it.
//
// Handle layout:
//
//	bits  0..26  record index + 1 (0 means "no stack")
//	bits 27..31  extra bits chosen by the caller
//
// The extra bits are not part of the stored record: saving the same entries
// with different extra bits returns handles that point at the same record
// but decode to different extra bits.
//
// Usage:
//
//	d := stackdepot.New(1 << 20)
//	h := d.Save(stackdepot.CaptureStack(1, 64), 0)
//	fmt.Print(stackdepot.FormatStack(d.Fetch(h)))
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Handle identifies a stored stack. The zero Handle means "no stack".
type Handle uint32

const (
	// ExtraBits is the number of handle bits left for callers.
	ExtraBits = 5

	indexBits = 32 - ExtraBits
	indexMask = 1<<indexBits - 1

	// MaxRecords is the hard upper bound on records in any depot.
	MaxRecords = indexMask - 1
)

// Extra returns the caller-provided extra bits of h.
func (h Handle) Extra() uint32 {
	return uint32(h) >> indexBits
}

// Valid reports whether h refers to a stored record.
func (h Handle) Valid() bool {
	return h&indexMask != 0
}

func (h Handle) index() int {
	return int(h&indexMask) - 1
}

func makeHandle(index int, extra uint32) Handle {
	return Handle(uint32(index+1)&indexMask | (extra&(1<<ExtraBits-1))<<indexBits)
}

// Depot is a concurrency-safe deduplicating stack store.
//
// Records are append-only; a Depot never forgets a stack until Reset.
type Depot struct {
	mu       sync.RWMutex
	records  [][]uintptr
	index    map[uint64][]int // content hash -> record indices
	capacity int
	failures uint64
}

// New creates a depot holding at most capacity records.
func New(capacity int) *Depot {
	if capacity <= 0 || capacity > MaxRecords {
		capacity = MaxRecords
	}
	return &Depot{
		index:    make(map[uint64][]int),
		capacity: capacity,
	}
}

// Save stores entries (deduplicated) and returns a handle carrying extra.
//
// Returns 0 when entries is empty or the depot is full. Callers treat 0 as
// "no origin available".
func (d *Depot) Save(entries []uintptr, extra uint32) Handle {
	if len(entries) == 0 {
		return 0
	}
	hash := hashEntries(entries)

	d.mu.RLock()
	if idx, ok := d.lookup(hash, entries); ok {
		d.mu.RUnlock()
		return makeHandle(idx, extra)
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another caller may have stored it between the locks.
	if idx, ok := d.lookup(hash, entries); ok {
		return makeHandle(idx, extra)
	}
	if len(d.records) >= d.capacity {
		d.failures++
		return 0
	}
	idx := len(d.records)
	d.records = append(d.records, slices.Clone(entries))
	d.index[hash] = append(d.index[hash], idx)
	return makeHandle(idx, extra)
}

// lookup must be called with d.mu held.
func (d *Depot) lookup(hash uint64, entries []uintptr) (int, bool) {
	for _, idx := range d.index[hash] {
		if slices.Equal(d.records[idx], entries) {
			return idx, true
		}
	}
	return 0, false
}

// Fetch returns the entries stored for h, or nil for an unknown handle.
// The returned slice must not be modified.
func (d *Depot) Fetch(h Handle) []uintptr {
	if !h.Valid() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx := h.index()
	if idx >= len(d.records) {
		return nil
	}
	return d.records[idx]
}

// ExtraBits returns the extra bits encoded in h.
func (d *Depot) ExtraBits(h Handle) uint32 {
	return h.Extra()
}

// Stats returns the number of unique records and failed saves.
func (d *Depot) Stats() (records int, failures uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records), d.failures
}

// Reset drops all records. Handles issued before Reset become invalid.
//
// Thread Safety: NOT safe while other goroutines use handles from d.
func (d *Depot) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = nil
	d.index = make(map[uint64][]int)
	d.failures = 0
}

func hashEntries(entries []uintptr) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[:], uint64(e))
		_, _ = h.Write(buf[:]) // xxhash.Digest.Write never fails.
	}
	return h.Sum64()
}

// CaptureStack returns up to depth program counters of the caller's stack.
//
// skip=0 starts at the caller of CaptureStack.
func CaptureStack(skip, depth int) []uintptr {
	if depth <= 0 {
		return nil
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

// FormatStack formats program counters the way reports print them:
//
//	pkg.function()
//	    /path/to/file.go:45
//
// Runtime frames are filtered out.
func FormatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  <unknown>\n"
	}
	frames := runtime.CallersFrames(pcs)

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/shadow"
)

// MoveMetadata copies the shadow and origin of n bytes from src to dst with
// memmove semantics.
//
// An untracked dst is left alone. An untracked src makes dst initialized.
// Otherwise both ranges must have contiguous metadata.
//
// Origin slot i of dst receives slot i of src, chained to the current
// stack. Runs of slots with the same source origin share one chained
// origin. Slots whose moved bytes are all initialized get origin 0; only
// bytes inside [src, src+n) count at the boundary slots.
//
// Parameters:
//   - dst, src: destination and source of the copy; they may overlap
//   - n: number of bytes moved; 0 does nothing
//
// Panics with a *FatalError when either range is tracked but its metadata
// is split across separately allocated pages.
//
// Thread Safety: Safe for concurrent calls on disjoint ranges. Concurrent
// moves into the same bytes race on the metadata the same way the copies
// race on the data.
//
// Performance: allocates a snapshot of n shadow bytes and n/OriginSize
// origins; chains at most once per run of equal source origins.
func (d *Detector) MoveMetadata(dst, src, n uint64) {
	if n == 0 {
		return
	}
	shDst := d.space.Locate(dst, false)
	if shDst.IsNil() {
		return
	}
	if !d.IsContiguous(dst, n) {
		d.fatal("move", dst, n, "destination metadata is not contiguous")
	}

	shSrc := d.space.Locate(src, false)
	if shSrc.IsNil() {
		shDst.Fill(n, 0)
		return
	}
	if !d.IsContiguous(src, n) {
		d.fatal("move", src, n, "source metadata is not contiguous")
	}

	const osz = shadow.OriginSize
	srcStart := src &^ (osz - 1)
	dstStart := dst &^ (osz - 1)
	srcSlots := ((src + n + osz - 1) &^ (osz - 1) - srcStart) / osz
	dstSlots := ((dst + n + osz - 1) &^ (osz - 1) - dstStart) / osz

	orDst := d.space.Locate(dstStart, true)
	orSrc := d.space.Locate(srcStart, true)
	if orDst.IsNil() || orSrc.IsNil() {
		d.fatal("move", dst, n, "shadow is present but origin is missing")
	}

	// Snapshot the source so overlapping moves see pre-move metadata.
	snap := make([]byte, n)
	shSrc.Read(snap)
	origins := make([]origin.Handle, srcSlots)
	for i := range origins {
		origins[i] = origin.Handle(orSrc.Add(uint64(i) * osz).Load32())
	}

	shDst.Write(snap)

	steps := min(srcSlots, dstSlots)
	i, iter := uint64(0), uint64(1)
	if dst > src {
		i, iter = steps-1, ^uint64(0)
	}

	var last, cur origin.Handle
	for step := uint64(0); step < steps; step, i = step+1, i+iter {
		poisoned := slotShadow(snap, srcStart+i*osz-src) != 0
		if o := origins[i]; o != 0 && o != last && poisoned {
			last = o
			if chained := d.chainer.Chain(o); chained != 0 {
				cur = chained
			} else {
				cur = o
			}
		}
		if poisoned {
			orDst.Add(i * osz).Store32(uint32(cur))
		} else {
			orDst.Add(i * osz).Store32(0)
		}
	}
}

// slotShadow ORs the snapshot bytes of the origin slot starting at offset
// rel relative to the snapshot. Bytes outside the snapshot do not count.
func slotShadow(snap []byte, rel uint64) byte {
	var s byte
	for k := uint64(0); k < shadow.OriginSize; k++ {
		j := rel + k // may wrap for the first slot of an unaligned src
		if j < uint64(len(snap)) {
			s |= snap[j]
		}
	}
	return s
}

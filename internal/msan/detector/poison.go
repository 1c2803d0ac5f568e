// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/shadow"
)

// PoisonMemory marks [addr, addr+size) uninitialized with a fresh origin
// for the current stack. The origin carries the freed-memory flag if flags
// has PoisonFree.
//
// With PoisonCheck, a region without metadata or with non-contiguous
// metadata is fatal; without it such regions are left alone.
func (d *Detector) PoisonMemory(addr, size uint64, gfp GFP, flags PoisonFlags) {
	extra := origin.ExtraBits(0, flags&PoisonFree != 0)
	h := d.SaveStack(gfp, extra)
	d.setShadowOrigin("poison", addr, size, 0xff, h, flags&PoisonCheck != 0)
}

// UnpoisonMemory marks [addr, addr+size) initialized and clears its
// origins. checked has the meaning of PoisonCheck.
func (d *Detector) UnpoisonMemory(addr, size uint64, checked bool) {
	d.setShadowOrigin("unpoison", addr, size, 0, 0, checked)
}

// PoisonAlloca poisons a local variable described by descr. pcs are up to
// two return addresses of the function owning the variable.
func (d *Detector) PoisonAlloca(addr, size uint64, descr string, pcs ...uintptr) {
	h := d.chainer.NewAlloca(descr, pcs...)
	d.setShadowOrigin("poison_alloca", addr, size, 0xff, h, true)
}

// UnpoisonAlloca unpoisons a local variable going out of scope.
func (d *Detector) UnpoisonAlloca(addr, size uint64) {
	d.setShadowOrigin("unpoison_alloca", addr, size, 0, 0, true)
}

// SetShadowOrigin fills the shadow of [addr, addr+size) with b and every
// origin slot the range touches with h.
func (d *Detector) SetShadowOrigin(addr, size uint64, b byte, h origin.Handle, checked bool) {
	d.setShadowOrigin("set_shadow_origin", addr, size, b, h, checked)
}

func (d *Detector) setShadowOrigin(op string, addr, size uint64, b byte, h origin.Handle, checked bool) {
	if size == 0 {
		return
	}
	if checked {
		if !d.IsContiguous(addr, size) {
			d.fatal(op, addr, size, "metadata is not contiguous")
		}
	} else if v := d.space.CheckContiguous(addr, size); v != nil {
		d.log.WithFields(v.Fields()).Debugf("%s skipped: %v", op, v)
		return
	}

	sh := d.space.Locate(addr, false)
	if sh.IsNil() {
		if checked {
			d.fatal(op, addr, size, "not setting %d bytes, the shadow is missing", size)
		}
		return
	}
	sh.Fill(size, b)

	start := addr &^ (shadow.OriginSize - 1)
	end := (addr + size + shadow.OriginSize - 1) &^ (shadow.OriginSize - 1)
	or := d.space.Locate(start, true)
	if or.IsNil() {
		d.fatal(op, addr, size, "shadow is present but origin is missing")
	}
	for off := uint64(0); off < end-start; off += shadow.OriginSize {
		or.Add(off).Store32(uint32(h))
	}
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/stackdepot"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// run is an open stretch of uninitialized bytes with one origin.
type run struct {
	open   bool
	origin origin.Handle
	start  uint64
}

// CheckMemory reports every maximal run of uninitialized bytes with one
// origin in [addr, addr+size). Runs end at initialized bytes, at origin
// changes and at untracked pages. Offsets in reports are relative to addr.
//
// It returns the number of runs found, delivered or not.
//
// Parameters:
//   - ctx: context the report is attributed to
//   - addr, size: the range to scan; size 0 reports nothing
//   - userAddr: destination of a copy to user space, or 0
//   - reason: selects the report title
//
// Returns: the number of uninitialized runs, including reports dropped by
// rate limiting or by ctx not allowing reports.
//
// Thread Safety: Safe for concurrent calls on different contexts. Callers
// hold ctx's runtime token.
//
// Performance: one Locate per page of the range, plus one origin lookup
// per poisoned byte. Allocates a page-sized scan buffer per call.
func (d *Detector) CheckMemory(ctx *taskctx.Context, addr, size, userAddr uint64, reason Reason) int {
	if size == 0 {
		return 0
	}
	ps := d.space.PageSize()
	found := 0
	var cur run
	closeRun := func(last uint64) {
		if !cur.open {
			return
		}
		found++
		d.report(ctx, &Report{
			Reason:   reason,
			Origin:   cur.origin,
			Addr:     addr,
			Size:     size,
			OffFirst: cur.start,
			OffLast:  last,
			UserAddr: userAddr,
		})
		cur = run{}
	}

	buf := make([]byte, ps)
	for pos := uint64(0); pos < size; {
		at := addr + pos
		chunk := min(size-pos, ps-at%ps)
		sh := d.space.Locate(at, false)
		if sh.IsNil() {
			// Untracked page: whatever was open ends before it.
			if pos > 0 {
				closeRun(pos - 1)
			}
			pos += chunk
			continue
		}
		sh.Read(buf[:chunk])
		for i := uint64(0); i < chunk; i++ {
			off := pos + i
			if buf[i] == 0 {
				if off > 0 {
					closeRun(off - 1)
				}
				continue
			}
			or := d.space.Locate(at+i, true)
			if or.IsNil() {
				d.fatal("check", addr, size, "shadow is present but origin is missing at %#x", at+i)
			}
			o := origin.Handle(or.Load32())
			if !cur.open || o != cur.origin {
				if off > 0 {
					closeRun(off - 1)
				}
				cur = run{open: true, origin: o, start: off}
			}
		}
		pos += chunk
	}
	closeRun(size - 1)
	return found
}

// Warning reports a use of an uninitialized value found by instrumentation
// rather than by a memory scan.
func (d *Detector) Warning(ctx *taskctx.Context, o origin.Handle) {
	d.report(ctx, &Report{Reason: ReasonAny, Origin: o})
}

// report fills in the context of rep and delivers it from inside the
// runtime of ctx.
func (d *Detector) report(ctx *taskctx.Context, rep *Report) {
	tok := ctx.EnterRuntime()
	defer tok.Leave()

	rep.Context = ctx.Name()
	rep.Stack = stackdepot.CaptureStack(2, d.cfg.StackDepth)
	if rep.Origin != 0 {
		rep.History = d.chainer.Walk(rep.Origin)
	}
	d.reporter.Report(ctx, rep)
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// collector is a Sink that keeps reports.
type collector struct {
	mu      sync.Mutex
	reports []*Report
}

func (c *collector) Emit(r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func (c *collector) take() []*Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.reports
	c.reports = nil
	return out
}

// testEnv is a ready detector with this physical layout:
//
//	pages 0-3  one allocation (contiguous metadata)
//	page  4    separate allocation
//	page  5    untracked
type testEnv struct {
	d    *Detector
	c    *collector
	task *taskctx.Task
	ctx  *taskctx.Context
	ps   uint64
}

func (e *testEnv) page(pfn uint64) uint64 {
	return e.d.Space().PhysAddr(pfn)
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	var n atomic.Uintptr
	c := &collector{}
	d := New(Options{
		Log:  log,
		Sink: c,
		Capture: func() []uintptr {
			return []uintptr{0x1000 + n.Add(1), 0x2000}
		},
	})
	s := d.Space()
	if err := s.SetupMeta(s.PhysAddr(0), 2); err != nil {
		t.Fatal(err)
	}
	if err := s.SetupMeta(s.PhysAddr(4), 0); err != nil {
		t.Fatal(err)
	}
	d.SetReady(true)
	task := taskctx.NewTask(1, "test")
	return &testEnv{d: d, c: c, task: task, ctx: task.Context(), ps: s.PageSize()}
}

// mustPanic runs fn and returns the *FatalError it panics with.
func mustPanic(t *testing.T, fn func()) (fe *FatalError) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal error, got none")
		}
		err, ok := r.(error)
		if !ok || !errors.As(err, &fe) {
			t.Fatalf("panic value %v is not a *FatalError", r)
		}
	}()
	fn()
	return nil
}

func verifyRun(t *testing.T, r *Report, first, last uint64, o origin.Handle) {
	t.Helper()
	if r.OffFirst != first || r.OffLast != last {
		t.Errorf("run = [%d, %d], want [%d, %d]", r.OffFirst, r.OffLast, first, last)
	}
	if o != 0 && r.Origin != o {
		t.Errorf("run origin = %#x, want %#x", r.Origin, o)
	}
}

// TestPoisonUnpoisonRoundTrip checks that a poisoned region is reported as
// one run and an unpoisoned one not at all.
func TestPoisonUnpoisonRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		addr uint64
		size uint64
	}{
		{"aligned word", e.page(0), 8},
		{"unaligned", e.page(0) + 13, 7},
		{"single byte", e.page(1) + 3, 1},
		{"multi-page", e.page(0) + 100, 2 * e.ps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.d.PoisonMemory(tt.addr, tt.size, GFPKernel, PoisonCheck)
			if n := e.d.CheckMemory(e.ctx, tt.addr, tt.size, 0, ReasonAny); n != 1 {
				t.Fatalf("CheckMemory() found %d runs, want 1", n)
			}
			reps := e.c.take()
			verifyRun(t, reps[0], 0, tt.size-1, 0)
			if reps[0].Origin == 0 {
				t.Error("poisoned run has no origin")
			}
			if reps[0].Size != tt.size || reps[0].Addr != tt.addr {
				t.Errorf("access = %#x+%d, want %#x+%d", reps[0].Addr, reps[0].Size, tt.addr, tt.size)
			}

			e.d.UnpoisonMemory(tt.addr, tt.size, true)
			if n := e.d.CheckMemory(e.ctx, tt.addr, tt.size, 0, ReasonAny); n != 0 {
				t.Errorf("CheckMemory() after unpoison found %d runs", n)
			}
			e.c.take()
		})
	}
}

// TestPoisonFreeFlag checks that freed-memory poisoning sets the UAF bit.
func TestPoisonFreeFlag(t *testing.T) {
	e := newTestEnv(t)
	addr := e.page(0)
	e.d.PoisonMemory(addr, 16, GFPAtomic, PoisonCheck|PoisonFree)
	_, o := e.d.Load(e.ctx, addr, 8)
	if !origin.UAFFromExtraBits(o.Extra()) {
		t.Errorf("origin %#x lacks the UAF flag", o)
	}
	if d := origin.DepthFromExtraBits(o.Extra()); d != 0 {
		t.Errorf("fresh origin depth = %d, want 0", d)
	}
}

// TestOriginRoundingOutward checks that unaligned poisoning writes whole
// origin slots.
func TestOriginRoundingOutward(t *testing.T) {
	e := newTestEnv(t)
	addr := e.page(0) + 64

	e.d.PoisonMemory(addr+3, 2, GFPKernel, PoisonCheck)
	_, o := e.d.Load(e.ctx, addr+3, 1)
	if o == 0 {
		t.Fatal("poisoned byte has no origin")
	}
	or := e.d.Space().Locate(addr, true)
	for slot := uint64(0); slot < 3; slot++ {
		got := origin.Handle(or.Add(slot * 4).Load32())
		want := origin.Handle(0)
		if slot < 2 {
			want = o
		}
		if got != want {
			t.Errorf("slot %d origin = %#x, want %#x", slot, got, want)
		}
	}
	// Shadow stays exact.
	if s, _ := e.d.Load(e.ctx, addr, 8); s != 0x000000ffff000000 {
		t.Errorf("shadow = %#016x, want 0x000000ffff000000", s)
	}
}

// TestOriginSlotSharing checks that two halves of one origin slot share a
// single origin.
func TestOriginSlotSharing(t *testing.T) {
	e := newTestEnv(t)
	addr := e.page(2) + 32
	a := e.d.SaveStack(GFPKernel, 0)
	b := e.d.SaveStack(GFPKernel, 0)

	// Initialized low half, uninitialized high half.
	e.d.Store(e.ctx, addr, 2, 0, a)
	e.d.Store(e.ctx, addr+2, 2, 0xffff, b)
	s, o := e.d.Load(e.ctx, addr, 4)
	if s != 0xffff0000 {
		t.Errorf("shadow = %#x, want 0xffff0000", s)
	}
	if o != b {
		t.Errorf("origin = %#x, want %#x", o, b)
	}

	// Both halves uninitialized: the second store's origin wins.
	e.d.Store(e.ctx, addr, 2, 0xffff, a)
	e.d.Store(e.ctx, addr+2, 2, 0xffff, b)
	s, o = e.d.Load(e.ctx, addr, 2)
	if s != 0xffff {
		t.Errorf("low shadow = %#x, want 0xffff", s)
	}
	if o != b {
		t.Errorf("low half origin = %#x, want %#x of the second store", o, b)
	}

	// An initialized store keeps the origin of the rest of the slot.
	e.d.Store(e.ctx, addr, 2, 0, 0)
	if _, o = e.d.Load(e.ctx, addr+2, 2); o != b {
		t.Errorf("origin after initialized store = %#x, want %#x", o, b)
	}
}

// TestContiguityBoundary checks that straddling ranges are fatal when
// checked and ignored when unchecked.
func TestContiguityBoundary(t *testing.T) {
	e := newTestEnv(t)
	split := e.page(4) - 8    // pages 3 and 4: separate allocations
	straddle := e.page(5) - 8 // page 4 tracked, page 5 untracked

	if e.d.IsContiguous(split, 16) {
		t.Fatal("IsContiguous() = true across allocations")
	}

	for _, addr := range []uint64{split, straddle} {
		fe := mustPanic(t, func() { e.d.PoisonMemory(addr, 16, GFPKernel, PoisonCheck) })
		if fe.Op != "poison" || fe.Addr != addr {
			t.Errorf("FatalError = %+v", fe)
		}
		mustPanic(t, func() { e.d.UnpoisonMemory(addr, 16, true) })

		e.d.PoisonMemory(addr, 16, GFPKernel, PoisonNoCheck)
		e.d.UnpoisonMemory(addr, 16, false)
		if s, _ := e.d.Load(e.ctx, addr, 8); s != 0 {
			t.Errorf("unchecked poison of %#x changed shadow to %#x", addr, s)
		}
	}

	// Untracked memory: checked is fatal, unchecked is a no-op.
	mustPanic(t, func() { e.d.PoisonMemory(e.page(5), 8, GFPKernel, PoisonCheck) })
	e.d.PoisonMemory(e.page(5), 8, GFPKernel, PoisonNoCheck)
}

// TestReportCoalescing checks one report per run of one origin.
func TestReportCoalescing(t *testing.T) {
	e := newTestEnv(t)
	buf := e.page(1) + 256
	a := e.d.SaveStack(GFPKernel, 0)
	b := e.d.SaveStack(GFPKernel, 0)

	// [init, init, A, A, B, init]
	e.d.SetShadowOrigin(buf+2, 2, 0xff, a, true)
	e.d.SetShadowOrigin(buf+4, 1, 0xff, b, true)

	if n := e.d.CheckMemory(e.ctx, buf, 6, 0, ReasonAny); n != 2 {
		t.Fatalf("CheckMemory() found %d runs, want 2", n)
	}
	reps := e.c.take()
	verifyRun(t, reps[0], 2, 3, a)
	verifyRun(t, reps[1], 4, 4, b)
}

// TestUntrackedBoundary checks that a run ends at an untracked page.
func TestUntrackedBoundary(t *testing.T) {
	e := newTestEnv(t)
	start := e.page(5) - 8

	e.d.PoisonMemory(start, 8, GFPKernel, PoisonCheck)
	if n := e.d.CheckMemory(e.ctx, start, 24, 0, ReasonAny); n != 1 {
		t.Fatalf("CheckMemory() found %d runs, want 1", n)
	}
	reps := e.c.take()
	verifyRun(t, reps[0], 0, 7, 0)
	if reps[0].Size != 24 {
		t.Errorf("access size = %d, want 24", reps[0].Size)
	}

	// Untracked memory followed by poisoned memory.
	e.d.PoisonMemory(e.page(0), 4, GFPKernel, PoisonCheck)
	if n := e.d.CheckMemory(e.ctx, e.page(0)-8, 12, 0, ReasonAny); n != 1 {
		t.Fatalf("CheckMemory() found %d runs, want 1", n)
	}
	verifyRun(t, e.c.take()[0], 8, 11, 0)
}

// TestCheckSuppressed checks that exited tasks produce no output.
func TestCheckSuppressed(t *testing.T) {
	e := newTestEnv(t)
	e.d.PoisonMemory(e.page(0), 4, GFPKernel, PoisonCheck)
	e.task.Exit()

	if n := e.d.CheckMemory(e.ctx, e.page(0), 4, 0, ReasonAny); n != 1 {
		t.Fatalf("CheckMemory() found %d runs, want 1", n)
	}
	if reps := e.c.take(); len(reps) != 0 {
		t.Errorf("exited task delivered %d reports", len(reps))
	}
	if _, suppressed := e.d.Reporter().Stats(); suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", suppressed)
	}
	if e.ctx.InRuntime() {
		t.Error("CheckMemory() left the context in runtime")
	}
}

// TestAccessFallbacks checks dummy metadata before ready and in runtime.
func TestAccessFallbacks(t *testing.T) {
	e := newTestEnv(t)
	addr := e.page(0) + 8
	e.d.PoisonMemory(addr, 8, GFPKernel, PoisonCheck)

	e.d.SetReady(false)
	if s, o := e.d.Load(e.ctx, addr, 8); s != 0 || o != 0 {
		t.Errorf("Load() before ready = %#x/%#x, want 0/0", s, o)
	}
	e.d.Store(e.ctx, addr, 8, 0, 0)
	e.d.SetReady(true)
	if s, _ := e.d.Load(e.ctx, addr, 8); s == 0 {
		t.Error("store before ready reached real metadata")
	}

	tok := e.ctx.EnterRuntime()
	if s, _ := e.d.Load(e.ctx, addr, 8); s != 0 {
		t.Errorf("Load() in runtime = %#x, want 0", s)
	}
	tok.Leave()

	// Untracked memory reads initialized and ignores stores.
	e.d.Store(e.ctx, e.page(5), 8, ^uint64(0), 1)
	if s, _ := e.d.Load(e.ctx, e.page(5), 8); s != 0 {
		t.Errorf("untracked Load() = %#x, want 0", s)
	}

	mustPanic(t, func() { e.d.MetadataForLoad(e.ctx, addr, e.ps+1) })
	mustPanic(t, func() { e.d.Load(e.ctx, addr, 9) })
	mustPanic(t, func() { e.d.MetadataForStore(e.ctx, e.page(4)-4, 8) })
}

// TestAlloca checks local variable origins.
func TestAlloca(t *testing.T) {
	e := newTestEnv(t)
	addr := e.page(3) + 40

	e.d.PoisonAlloca(addr, 8, "local_buf", 0x1234)
	_, o := e.d.Load(e.ctx, addr, 8)
	rec := e.d.Chainer().Decode(o)
	if rec.Kind != origin.KindAlloca || rec.Descr != "local_buf" {
		t.Errorf("alloca origin = %+v", rec)
	}

	e.d.UnpoisonAlloca(addr, 8)
	if s, _ := e.d.Load(e.ctx, addr, 8); s != 0 {
		t.Errorf("shadow after UnpoisonAlloca = %#x", s)
	}
	mustPanic(t, func() { e.d.PoisonAlloca(e.page(5), 8, "untracked") })
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostmem

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/hooks"
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

type env struct {
	host *Host
	d    *detector.Detector
	ctx  *taskctx.Context
	ps   uint64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	var n atomic.Uintptr
	d := detector.New(detector.Options{
		Log:  log,
		Sink: detector.SinkFunc(func(*detector.Report) {}),
		Capture: func() []uintptr {
			return []uintptr{0x1000 + n.Add(1)}
		},
	})
	d.SetReady(true)
	host, err := New(hooks.New(d), Options{BootPages: 16})
	if err != nil {
		t.Fatal(err)
	}
	return &env{host: host, d: d, ctx: host.Tasks().Boot().Context(), ps: d.Space().PageSize()}
}

func (e *env) runs(addr, size uint64) int {
	return e.d.CheckMemory(e.ctx, addr, size, 0, detector.ReasonAny)
}

func TestExtentAllocator(t *testing.T) {
	a := newExtentAllocator(10, 10)
	x, _ := a.alloc(3)
	y, _ := a.alloc(3)
	z, _ := a.alloc(4)
	if got := []uint64{x, y, z}; !cmp.Equal(got, []uint64{10, 13, 16}) {
		t.Fatalf("allocations = %v", got)
	}
	if _, ok := a.alloc(1); ok {
		t.Fatal("allocation from an exhausted allocator succeeded")
	}

	if err := a.release(y, 3); err != nil {
		t.Fatal(err)
	}
	if got, ok := a.alloc(2); !ok || got != 13 {
		t.Errorf("first fit = %d, %v; want 13", got, ok)
	}
	_ = a.release(13, 2)
	_ = a.release(x, 3)
	_ = a.release(z, 4)
	if units, runs := a.available(); units != 10 || runs != 1 {
		t.Errorf("available = %d units in %d runs, want 10 in 1", units, runs)
	}
	if err := a.release(12, 2); err == nil {
		t.Error("double release was accepted")
	}
}

// TestPageMetadataContiguity checks that only pages of one allocation have
// contiguous metadata.
func TestPageMetadataContiguity(t *testing.T) {
	e := newEnv(t)
	a, err := e.host.AllocPages(e.ctx, 0, detector.GFPZero)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.host.AllocPages(e.ctx, 0, detector.GFPZero)
	if err != nil {
		t.Fatal(err)
	}
	if b != a+e.ps {
		t.Fatalf("allocations are not adjacent: %#x, %#x", a, b)
	}
	if e.d.Space().IsContiguous(a+e.ps-8, 16) {
		t.Error("separate allocations have contiguous metadata")
	}

	big, err := e.host.AllocPages(e.ctx, 2, detector.GFPZero)
	if err != nil {
		t.Fatal(err)
	}
	if !e.d.Space().IsContiguous(big, 4*e.ps) {
		t.Error("one allocation has split metadata")
	}

	start, end := e.host.BootMemory()
	if !e.d.Space().IsContiguous(start, end-start) {
		t.Error("boot memory has split metadata")
	}
}

func TestAllocPages(t *testing.T) {
	e := newEnv(t)
	before, _ := e.host.FreePhysPages()

	p, err := e.host.AllocPages(e.ctx, 1, detector.GFPKernel)
	if err != nil {
		t.Fatal(err)
	}
	if n := e.runs(p, 2*e.ps); n != 1 {
		t.Errorf("new pages have %d runs, want 1", n)
	}
	if err := e.host.FreePages(e.ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := e.host.FreePages(e.ctx, p); !errors.Is(err, ErrBadFree) {
		t.Errorf("double free error = %v, want ErrBadFree", err)
	}
	if after, _ := e.host.FreePhysPages(); after != before {
		t.Errorf("free pages %d after free, want %d", after, before)
	}

	u, err := e.host.AllocPagesUntracked(0)
	if err != nil {
		t.Fatal(err)
	}
	if e.d.Space().PageHasMetadata(u) {
		t.Error("untracked page has metadata")
	}
	if err := e.host.FreePages(e.ctx, u); err != nil {
		t.Fatal(err)
	}

	if _, err := e.host.AllocPages(e.ctx, 30, detector.GFPKernel); err == nil {
		t.Error("huge order was accepted")
	}
}

func TestKmalloc(t *testing.T) {
	e := newEnv(t)

	obj, err := e.host.Kmalloc(e.ctx, 40, detector.GFPKernel)
	if err != nil {
		t.Fatal(err)
	}
	if n := e.runs(obj, 40); n != 1 {
		t.Errorf("kmalloc object has %d runs, want 1", n)
	}
	zobj, err := e.host.Kmalloc(e.ctx, 40, detector.GFPKernel|detector.GFPZero)
	if err != nil {
		t.Fatal(err)
	}
	if zobj != obj+64 {
		t.Errorf("second kmalloc-64 object at %#x, want %#x", zobj, obj+64)
	}
	if n := e.runs(zobj, 64); n != 0 {
		t.Errorf("zeroed object has %d runs", n)
	}

	if err := e.host.Kfree(e.ctx, zobj); err != nil {
		t.Fatal(err)
	}
	o := origin.Handle(e.d.Space().Locate(zobj, true).Load32())
	if !e.d.Chainer().Decode(o).UAF {
		t.Error("freed object is not poisoned as freed")
	}
	if err := e.host.Kfree(e.ctx, zobj); !errors.Is(err, ErrBadFree) {
		t.Errorf("double kfree error = %v", err)
	}

	large, err := e.host.Kmalloc(e.ctx, 3*e.ps, detector.GFPKernel)
	if err != nil {
		t.Fatal(err)
	}
	if !e.d.Space().IsContiguous(large, 4*e.ps) {
		t.Error("large kmalloc has split metadata")
	}
	if n := e.runs(large, 3*e.ps); n != 1 {
		t.Errorf("large object has %d runs, want 1", n)
	}
	if err := e.host.Kfree(e.ctx, large); err != nil {
		t.Fatal(err)
	}
	if _, err := e.host.Kmalloc(e.ctx, 0, detector.GFPKernel); err == nil {
		t.Error("zero-size kmalloc succeeded")
	}
}

func TestCacheFlags(t *testing.T) {
	e := newEnv(t)
	ctor := e.host.NewCache(hooks.Cache{Name: "inode", ObjectSize: 100, Ctor: true})
	obj, err := ctor.Alloc(e.ctx, detector.GFPKernel)
	if err != nil {
		t.Fatal(err)
	}
	if n := e.runs(obj, 104); n != 0 {
		t.Errorf("constructed object has %d runs", n)
	}
	if err := ctor.Free(e.ctx, obj); err != nil {
		t.Fatal(err)
	}
	if n := e.runs(obj, 104); n != 0 {
		t.Errorf("freed constructed object has %d runs", n)
	}
	if slabs, inUse := ctor.Stats(); slabs != 1 || inUse != 0 {
		t.Errorf("Stats() = %d, %d", slabs, inUse)
	}

	rcu := e.host.NewCache(hooks.Cache{Name: "rcu", ObjectSize: 32, TypesafeByRCU: true})
	obj, err = rcu.Alloc(e.ctx, detector.GFPZero)
	if err != nil {
		t.Fatal(err)
	}
	if n := e.runs(obj, 32); n != 0 {
		t.Errorf("zeroed RCU object has %d runs", n)
	}
	if err := rcu.Free(e.ctx, 0x10); !errors.Is(err, ErrBadFree) {
		t.Errorf("foreign free error = %v", err)
	}
}

func TestVmalloc(t *testing.T) {
	e := newEnv(t)
	before, _ := e.host.FreePhysPages()

	v, err := e.host.Vmalloc(e.ctx, 3*e.ps, detector.GFPZero)
	if err != nil {
		t.Fatal(err)
	}
	pages, ok := e.host.VmallocPages(v)
	if !ok || len(pages) != 3 {
		t.Fatalf("VmallocPages = %v, %v", pages, ok)
	}
	if !e.d.Space().IsContiguous(v, 3*e.ps) {
		t.Error("vmalloc metadata is split")
	}

	e.d.PoisonMemory(v+e.ps-4, 8, detector.GFPKernel, detector.PoisonCheck)
	if n := e.runs(v, 3*e.ps); n != 1 {
		t.Errorf("vmalloc area has %d runs, want 1", n)
	}
	if n := e.runs(pages[1], 4); n != 1 {
		t.Errorf("backing page does not see the poison: %d runs", n)
	}

	next, err := e.host.Vmalloc(e.ctx, 1, detector.GFPKernel)
	if err != nil {
		t.Fatal(err)
	}
	if next != v+4*e.ps {
		t.Errorf("next area at %#x, want after a guard page at %#x", next, v+4*e.ps)
	}

	for _, a := range []uint64{v, next} {
		if err := e.host.Vfree(e.ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if !e.d.Space().Locate(v, false).IsNil() {
		t.Error("vfree left metadata mapped")
	}
	if after, _ := e.host.FreePhysPages(); after != before {
		t.Errorf("free pages %d after vfree, want %d", after, before)
	}
	if err := e.host.Vfree(e.ctx, v); !errors.Is(err, ErrBadFree) {
		t.Errorf("double vfree error = %v", err)
	}
}

func TestModuleAndIoremap(t *testing.T) {
	e := newEnv(t)
	m, err := e.host.ModuleAlloc(e.ctx, 2*e.ps)
	if err != nil {
		t.Fatal(err)
	}
	if e.d.Space().Classify(m).String() != "module" {
		t.Errorf("module allocation classified as %v", e.d.Space().Classify(m))
	}
	if n := e.runs(m, 2*e.ps); n != 2 {
		t.Errorf("module area has %d runs, want one per backing page", n)
	}

	io, err := e.host.Ioremap(e.ctx, e.ps)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.host.VmallocPages(io); !ok {
		t.Error("ioremap area is not registered")
	}
	if n := e.runs(io, e.ps); n != 0 {
		t.Errorf("ioremap area has %d runs", n)
	}
	if err := e.host.Vfree(e.ctx, io); err != nil {
		t.Fatal(err)
	}
	if !e.d.Space().Locate(io, true).IsNil() {
		t.Error("iounmap left metadata mapped")
	}
	if err := e.host.Vfree(e.ctx, m); err != nil {
		t.Fatal(err)
	}
}

func TestCopyPage(t *testing.T) {
	e := newEnv(t)
	src, _ := e.host.AllocPages(e.ctx, 0, detector.GFPKernel)
	dst, _ := e.host.AllocPages(e.ctx, 0, detector.GFPZero)
	e.host.CopyPage(e.ctx, dst, src)
	if n := e.runs(dst, e.ps); n != 1 {
		t.Errorf("copied page has %d runs, want 1", n)
	}
}

func TestRegistry(t *testing.T) {
	e := newEnv(t)
	r := e.host.Tasks()
	a := r.Spawn(e.ctx, "init")
	b := r.Spawn(a.Context(), "sh")

	var ids []int
	for _, task := range r.Tasks() {
		ids = append(ids, task.ID)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, ids); diff != "" {
		t.Errorf("task ids (-want +got):\n%s", diff)
	}

	if err := r.Exit(b); err != nil {
		t.Fatal(err)
	}
	if b.Context().AllowReporting() {
		t.Error("exited task still reports")
	}
	if _, ok := r.Task(b.ID); ok {
		t.Error("exited task is still registered")
	}
	if err := r.Exit(b); err == nil {
		t.Error("second exit succeeded")
	}
	if err := r.Exit(r.Boot()); err == nil {
		t.Error("boot task exited")
	}

	if r.NumCPUs() != e.d.Config().NumCPUs || r.CPU(0) == nil || r.CPU(r.NumCPUs()) != nil {
		t.Errorf("CPU registry has %d CPUs", r.NumCPUs())
	}
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api is the process-wide runtime of the uninitialized memory
// detector.
//
// Init builds one detector, its hooks and a simulated host, and makes them
// the target of the package-level functions. Every goroutine that calls
// into the package is bound to its own task on first use, the way kernel
// threads each have their own task. Interrupt contexts are entered per
// goroutine with EnterInterrupt and left with ExitInterrupt. A CPU in
// interrupt context belongs to the goroutine that entered it, and a
// goroutine runs interrupts on at most one CPU at a time.
//
// Thread Safety: all functions are safe for concurrent use, except Init
// and Fini, which must not race with other calls.
package api

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/config"
	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/hooks"
	"github.com/kolkov/uninitdetector/internal/msan/hostmem"
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// ErrNotInitialized is returned by calls made before Init or after Fini.
var ErrNotInitialized = errors.New("msan: runtime is not initialized")

// Options configures Init.
type Options struct {
	// Config is the layout and engine configuration. The zero Config means
	// config.Default().
	Config config.Config

	// Output receives reports and the Fini summary. Defaults to os.Stderr.
	Output io.Writer

	// Log receives diagnostics. Defaults to a logger on Output at the
	// configured level.
	Log *logrus.Logger

	// Sink overrides report delivery.
	Sink detector.Sink

	// BootPages is passed to the host. 0 means the host default.
	BootPages uint64
}

// state is everything Init builds.
type state struct {
	det   *detector.Detector
	hooks *hooks.Hooks
	host  *hostmem.Host
	out   io.Writer

	// tasks maps goroutine IDs to tasks.
	tasks sync.Map
	// irqs maps goroutine IDs to the CPU whose interrupt they are running.
	irqs sync.Map
}

var (
	// enabled gates every entry point.
	enabled atomic.Bool

	// rt is replaced only by Init.
	rt atomic.Pointer[state]
)

// Init creates a fresh runtime. The calling goroutine is bound to the boot
// task. Calling Init again discards all previous state.
func Init(opts Options) error {
	cfg := opts.Config
	if cfg.PageSize == 0 {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	log := opts.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(out)
		log.SetLevel(cfg.Level())
	}

	det := detector.New(detector.Options{Config: cfg, Log: log, Sink: opts.Sink, Output: out})
	h := hooks.New(det)
	host, err := hostmem.New(h, hostmem.Options{BootPages: opts.BootPages})
	if err != nil {
		return fmt.Errorf("msan: %w", err)
	}
	s := &state{det: det, hooks: h, host: host, out: out}
	s.tasks.Store(getGoroutineID(), host.Tasks().Boot())

	det.SetReady(true)
	rt.Store(s)
	enabled.Store(true)
	log.WithFields(logrus.Fields{
		"phys_pages": cfg.PhysPages,
		"page_size":  cfg.PageSize,
		"cpus":       cfg.NumCPUs,
	}).Debug("msan runtime initialized")
	return nil
}

// Stats summarizes the runtime.
type Stats struct {
	Reports       int64
	Suppressed    int64
	ChainsDropped int64
	DepotRecords  int
	DepotFailures uint64
	LiveTasks     int
	FreePhysPages uint64
}

// CurrentStats returns the runtime statistics.
func CurrentStats() (Stats, error) {
	s := current()
	if s == nil {
		return Stats{}, ErrNotInitialized
	}
	var st Stats
	st.Reports, st.Suppressed = s.det.Reporter().Stats()
	st.ChainsDropped = s.det.Chainer().Skipped()
	st.DepotRecords, st.DepotFailures = s.det.Chainer().Depot().Stats()
	st.LiveTasks = len(s.host.Tasks().Tasks())
	st.FreePhysPages, _ = s.host.FreePhysPages()
	return st, nil
}

// Fini disables the runtime and prints a summary. It returns the final
// statistics.
func Fini() (Stats, error) {
	st, err := CurrentStats()
	if err != nil {
		return st, err
	}
	enabled.Store(false)
	s := rt.Swap(nil)
	s.det.SetReady(false)

	w := s.out
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "KMSAN Summary\n")
	fmt.Fprintf(w, "==================\n")
	if st.Reports == 0 {
		fmt.Fprintf(w, "No uses of uninitialized memory detected.\n")
	} else {
		fmt.Fprintf(w, "WARNING: %d report(s) of uninitialized memory use!\n", st.Reports)
	}
	if st.Suppressed > 0 {
		fmt.Fprintf(w, "%d report(s) suppressed.\n", st.Suppressed)
	}
	if st.ChainsDropped > 0 {
		fmt.Fprintf(w, "%d origin chain(s) dropped at maximum depth.\n", st.ChainsDropped)
	}
	fmt.Fprintf(w, "==================\n\n")
	return st, nil
}

// Enable resumes tracking after Disable.
func Enable() {
	if current() != nil {
		enabled.Store(true)
	}
}

// Disable turns every entry point into a no-op.
func Disable() {
	enabled.Store(false)
}

// Enabled reports whether the runtime is active.
func Enabled() bool {
	return enabled.Load() && rt.Load() != nil
}

func current() *state {
	return rt.Load()
}

// Detector returns the runtime's detector, or nil before Init.
func Detector() *detector.Detector {
	if s := current(); s != nil {
		return s.det
	}
	return nil
}

// Host returns the runtime's simulated host, or nil before Init.
func Host() *hostmem.Host {
	if s := current(); s != nil {
		return s.host
	}
	return nil
}

// task returns the task bound to the calling goroutine, creating it on
// first use.
func (s *state) task(gid int64) *taskctx.Task {
	if t, ok := s.tasks.Load(gid); ok {
		return t.(*taskctx.Task)
	}
	// The goroutine has no context of its own yet to create the task from.
	var creator taskctx.Context
	t := s.host.Tasks().Spawn(&creator, fmt.Sprintf("goroutine %d", gid))
	// Only the goroutine itself stores under its own ID.
	s.tasks.Store(gid, t)
	return t
}

// context returns the context the calling goroutine runs in.
func (s *state) context() *taskctx.Context {
	gid := getGoroutineID()
	t := s.task(gid)
	var cpu *taskctx.CPU
	if c, ok := s.irqs.Load(gid); ok {
		cpu = c.(*taskctx.CPU)
	}
	return taskctx.Current(t, cpu, gid)
}

// active returns the runtime if calls should be served.
func active() *state {
	if !enabled.Load() {
		return nil
	}
	return current()
}

// CurrentContext returns the context of the calling goroutine, or nil
// before Init.
func CurrentContext() *taskctx.Context {
	s := current()
	if s == nil {
		return nil
	}
	return s.context()
}

// GoExit retires the task of the calling goroutine.
func GoExit() {
	s := current()
	if s == nil {
		return
	}
	gid := getGoroutineID()
	t, ok := s.tasks.LoadAndDelete(gid)
	if !ok {
		return
	}
	task := t.(*taskctx.Task)
	if task.ID == 0 {
		s.tasks.Store(gid, task)
		return
	}
	if err := s.host.Tasks().Exit(task); err != nil {
		s.det.Log().WithError(err).WithField("goroutine", gid).Debug("goroutine task exit")
	}
}

// EnterInterrupt runs the calling goroutine in the next interrupt context
// of CPU cpu until ExitInterrupt.
//
// Panics with a *taskctx.NestingError when the CPU is already nested
// taskctx.MaxNesting deep, when another goroutine is running an interrupt
// on it, or when the calling goroutine is in interrupt context on a
// different CPU: the engine cannot run an interrupt without a context of
// its own.
func EnterInterrupt(cpu int) {
	s := current()
	if s == nil {
		return
	}
	c := s.cpu(cpu)
	gid := getGoroutineID()
	if v, ok := s.irqs.Load(gid); ok && v.(*taskctx.CPU) != c {
		other := v.(*taskctx.CPU)
		panic(&taskctx.NestingError{
			CPU:     cpu,
			Nesting: other.Nesting(),
			Op:      fmt.Sprintf("enter while nested on cpu%d", other.ID),
		})
	}
	if _, err := c.EnterInterrupt(gid); err != nil {
		panic(err)
	}
	s.irqs.Store(gid, c)
}

// ExitInterrupt leaves the innermost interrupt context of CPU cpu. Only the
// goroutine that entered it may leave it.
func ExitInterrupt(cpu int) {
	s := current()
	if s == nil {
		return
	}
	c := s.cpu(cpu)
	gid := getGoroutineID()
	idle, err := c.ExitInterrupt(gid)
	if err != nil {
		panic(err)
	}
	if idle {
		s.irqs.Delete(gid)
	}
}

func (s *state) cpu(i int) *taskctx.CPU {
	c := s.host.Tasks().CPU(i)
	if c == nil {
		panic(fmt.Sprintf("msan: no CPU %d", i))
	}
	return c
}

// Kmalloc allocates size bytes of kernel memory.
func Kmalloc(size uint64, gfp detector.GFP) (uint64, error) {
	s := active()
	if s == nil {
		return 0, ErrNotInitialized
	}
	return s.host.Kmalloc(s.context(), size, gfp)
}

// Kfree frees memory returned by Kmalloc.
func Kfree(ptr uint64) error {
	s := active()
	if s == nil {
		return ErrNotInitialized
	}
	return s.host.Kfree(s.context(), ptr)
}

// AllocPages allocates 1<<order pages.
func AllocPages(order int, gfp detector.GFP) (uint64, error) {
	s := active()
	if s == nil {
		return 0, ErrNotInitialized
	}
	return s.host.AllocPages(s.context(), order, gfp)
}

// FreePages frees pages returned by AllocPages.
func FreePages(addr uint64) error {
	s := active()
	if s == nil {
		return ErrNotInitialized
	}
	return s.host.FreePages(s.context(), addr)
}

// Vmalloc allocates size bytes in the vmalloc area.
func Vmalloc(size uint64, gfp detector.GFP) (uint64, error) {
	s := active()
	if s == nil {
		return 0, ErrNotInitialized
	}
	return s.host.Vmalloc(s.context(), size, gfp)
}

// Vfree frees a Vmalloc mapping.
func Vfree(addr uint64) error {
	s := active()
	if s == nil {
		return ErrNotInitialized
	}
	return s.host.Vfree(s.context(), addr)
}

// Poison marks memory uninitialized.
func Poison(addr, size uint64) {
	if s := active(); s != nil {
		s.hooks.PoisonMemory(s.context(), addr, size, detector.GFPKernel)
	}
}

// Unpoison marks memory initialized.
func Unpoison(addr, size uint64) {
	if s := active(); s != nil {
		s.hooks.UnpoisonMemory(s.context(), addr, size)
	}
}

// Check reports uninitialized bytes in [addr, addr+size) and returns the
// number of runs found.
func Check(addr, size uint64) int {
	if s := active(); s != nil {
		return s.hooks.CheckMemory(s.context(), addr, size)
	}
	return 0
}

// Load returns the shadow and origin of an instrumented load.
func Load(addr, size uint64) (uint64, origin.Handle) {
	if s := active(); s != nil {
		return s.det.Load(s.context(), addr, size)
	}
	return 0, 0
}

// Store records the shadow and origin of an instrumented store.
func Store(addr, size, shadow uint64, o origin.Handle) {
	if s := active(); s != nil {
		s.det.Store(s.context(), addr, size, shadow, o)
	}
}

// Memcpy carries metadata for a memcpy.
func Memcpy(dst, src, n uint64) {
	if s := active(); s != nil {
		s.hooks.Memcpy(s.context(), dst, src, n)
	}
}

// Memmove carries metadata for a memmove.
func Memmove(dst, src, n uint64) {
	if s := active(); s != nil {
		s.hooks.Memmove(s.context(), dst, src, n)
	}
}

// Memset marks memory set by memset initialized.
func Memset(dst, n uint64) {
	if s := active(); s != nil {
		s.hooks.Memset(s.context(), dst, n)
	}
}

// CopyToUser checks a completed copy to user space.
func CopyToUser(to, from, toCopy, left uint64) {
	if s := active(); s != nil {
		s.hooks.CopyToUser(s.context(), to, from, toCopy, left)
	}
}

// Warning reports a use of an uninitialized value with origin o.
func Warning(o origin.Handle) {
	if s := active(); s != nil {
		s.hooks.Warning(s.context(), o)
	}
}

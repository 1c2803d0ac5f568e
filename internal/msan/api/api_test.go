// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

type collector struct {
	mu      sync.Mutex
	reports []*detector.Report
}

func (c *collector) Emit(r *detector.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func setup(t *testing.T) (*collector, *bytes.Buffer) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := &collector{}
	var out bytes.Buffer
	if err := Init(Options{Sink: c, Output: &out, Log: log, BootPages: 8}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if current() != nil {
			_, _ = Fini()
		}
	})
	return c, &out
}

// TestParseGID tests the runtime.Stack parsing logic.
func TestParseGID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"standard format", "goroutine 1 [running]:", 1},
		{"large GID", "goroutine 999999 [running]:", 999999},
		{"with stack trace", "goroutine 42 [running]:\nmain.main()\n\t/path/to/main.go:10", 42},
		{"different state", "goroutine 123 [chan receive]:", 123},
		{"invalid - no number", "goroutine  [running]:", 0},
		{"invalid - wrong prefix", "thread 123 [running]:", 0},
		{"invalid - empty", "", 0},
		{"invalid - too short", "goroutine", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseGID([]byte(tt.input)); got != tt.expected {
				t.Errorf("parseGID(%q) = %d, expected %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetGoroutineID(t *testing.T) {
	main := getGoroutineID()
	if main <= 0 {
		t.Fatalf("getGoroutineID() = %d", main)
	}
	ch := make(chan int64)
	go func() { ch <- getGoroutineID() }()
	if other := <-ch; other == main || other <= 0 {
		t.Errorf("goroutine IDs %d and %d", main, other)
	}
}

func TestNotInitialized(t *testing.T) {
	if current() != nil {
		t.Skip("runtime left initialized by another test")
	}
	if _, err := Kmalloc(8, detector.GFPKernel); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Kmalloc error = %v", err)
	}
	if _, err := Fini(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Fini error = %v", err)
	}
	if n := Check(0x1000, 8); n != 0 {
		t.Errorf("Check = %d", n)
	}
	if CurrentContext() != nil || Detector() != nil || Host() != nil {
		t.Error("accessors returned state before Init")
	}
}

func TestLifecycle(t *testing.T) {
	c, out := setup(t)

	if ctx := CurrentContext(); ctx.Name() != "task 0" {
		t.Errorf("Init goroutine runs in %q, want the boot task", ctx.Name())
	}
	p, err := Kmalloc(32, detector.GFPKernel)
	if err != nil {
		t.Fatal(err)
	}
	if n := Check(p, 32); n != 1 {
		t.Errorf("Check = %d runs, want 1", n)
	}
	Unpoison(p, 32)
	if n := Check(p, 32); n != 0 {
		t.Errorf("Check after Unpoison = %d runs", n)
	}
	if err := Kfree(p); err != nil {
		t.Fatal(err)
	}

	Disable()
	Poison(p, 32)
	if n := Check(p, 32); n != 0 {
		t.Error("disabled runtime served Check")
	}
	Enable()

	st, err := Fini()
	if err != nil {
		t.Fatal(err)
	}
	if st.Reports != int64(c.len()) || st.Reports != 1 {
		t.Errorf("Stats.Reports = %d, collected %d", st.Reports, c.len())
	}
	if !strings.Contains(out.String(), "WARNING: 1 report(s) of uninitialized memory use!") {
		t.Errorf("summary = %q", out.String())
	}
	if Enabled() {
		t.Error("runtime enabled after Fini")
	}
}

// TestLoadStoreCopy checks the value-level entry points.
func TestLoadStoreCopy(t *testing.T) {
	c, _ := setup(t)
	src, _ := Kmalloc(64, detector.GFPZero)
	dst, _ := Kmalloc(64, detector.GFPKernel)

	Store(src+8, 4, 0xffff0000, 0)
	if s, _ := Load(src+8, 4); s != 0xffff0000 {
		t.Errorf("Load = %#x", s)
	}

	Memset(dst, 64)
	Memcpy(dst, src, 16)
	if n := Check(dst, 64); n != 1 {
		t.Errorf("dst has %d runs after memcpy, want 1", n)
	}
	Memmove(dst, dst+16, 16)
	if n := Check(dst, 16); n != 0 {
		t.Errorf("dst has %d runs after memmove, want 0", n)
	}

	before := c.len()
	Poison(src, 8)
	CopyToUser(0x401000, src, 8, 0)
	if c.len() != before+1 {
		t.Error("copy of poisoned memory to user space was not reported")
	}
	Warning(0)
	if c.len() != before+2 {
		t.Error("Warning was not reported")
	}
}

// TestGoroutineTasks checks that goroutines get their own tasks.
func TestGoroutineTasks(t *testing.T) {
	setup(t)
	names := make([]string, 8)
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			defer GoExit()
			names[i] = CurrentContext().Name()
			p, err := Vmalloc(4096, detector.GFPZero)
			if err != nil {
				return err
			}
			Poison(p+16, 4)
			if n := Check(p, 64); n != 1 {
				return errors.New("poisoned vmalloc area not reported once")
			}
			return Vfree(p)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, n := range names {
		if n == "task 0" || seen[n] {
			t.Errorf("goroutine task name %q is not unique", n)
		}
		seen[n] = true
	}
	st, _ := CurrentStats()
	if st.LiveTasks != 1 {
		t.Errorf("%d tasks live after GoExit, want only the boot task", st.LiveTasks)
	}
}

func TestInterrupts(t *testing.T) {
	setup(t)
	task := CurrentContext()

	EnterInterrupt(1)
	irq := CurrentContext()
	if irq == task || irq.Name() != "cpu1/irq0" {
		t.Errorf("interrupt context = %q", irq.Name())
	}
	EnterInterrupt(1)
	EnterInterrupt(1)

	defer func() {
		r := recover()
		var ne *taskctx.NestingError
		if err, ok := r.(error); !ok || !errors.As(err, &ne) {
			t.Fatalf("fourth nested interrupt panicked with %v", r)
		}
		for i := 0; i < taskctx.MaxNesting; i++ {
			ExitInterrupt(1)
		}
		if CurrentContext() != task {
			t.Error("task context not restored after interrupts")
		}
	}()
	EnterInterrupt(1)
}

// tryEnterInterrupt enters an interrupt on cpu and reports whether it was
// allowed. Refusals other than a *taskctx.NestingError are re-raised.
func tryEnterInterrupt(cpu int) (entered bool) {
	defer func() {
		if r := recover(); r != nil {
			var ne *taskctx.NestingError
			if err, ok := r.(error); !ok || !errors.As(err, &ne) {
				panic(r)
			}
			entered = false
		}
	}()
	EnterInterrupt(cpu)
	return true
}

// TestInterruptsConcurrent runs interrupts on one CPU from many goroutines.
// A goroutine either owns the CPU and sees its own context, or is refused.
func TestInterruptsConcurrent(t *testing.T) {
	setup(t)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			defer GoExit()
			for j := 0; j < 100; j++ {
				if !tryEnterInterrupt(0) {
					if name := CurrentContext().Name(); !strings.HasPrefix(name, "task ") {
						return errors.New("refused goroutine runs in " + name)
					}
					continue
				}
				ctx := CurrentContext()
				if ctx.Name() != "cpu0/irq0" {
					return errors.New("interrupt owner runs in " + ctx.Name())
				}
				ctx.ResetState()
				ExitInterrupt(0)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if c := Host().Tasks().CPU(0); c.InInterrupt() {
		t.Errorf("cpu0 left at nesting %d", c.Nesting())
	}
}

// TestInterruptOwnedByOtherGoroutine tests that a goroutine cannot enter or
// leave an interrupt another goroutine is running.
func TestInterruptOwnedByOtherGoroutine(t *testing.T) {
	setup(t)

	EnterInterrupt(0)
	owner := CurrentContext()

	done := make(chan error)
	go func() {
		defer GoExit()
		if tryEnterInterrupt(0) {
			done <- errors.New("second goroutine entered an owned CPU")
			return
		}
		defer func() {
			var ne *taskctx.NestingError
			if err, ok := recover().(error); !ok || !errors.As(err, &ne) {
				done <- errors.New("exit by another goroutine did not fail")
				return
			}
			done <- nil
		}()
		ExitInterrupt(0)
	}()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := CurrentContext(); got != owner || got.Name() != "cpu0/irq0" {
		t.Errorf("owner context changed to %q", got.Name())
	}
	ExitInterrupt(0)
}

// TestInterruptOnSecondCPU tests that a goroutine runs interrupts on one CPU
// at a time.
func TestInterruptOnSecondCPU(t *testing.T) {
	setup(t)
	task := CurrentContext()

	EnterInterrupt(0)
	if tryEnterInterrupt(1) {
		t.Fatal("goroutine nested on cpu0 entered cpu1")
	}
	if got := CurrentContext().Name(); got != "cpu0/irq0" {
		t.Errorf("context after refused entry = %q, want cpu0/irq0", got)
	}
	if Host().Tasks().CPU(1).InInterrupt() {
		t.Error("refused entry nested cpu1")
	}
	ExitInterrupt(0)
	if CurrentContext() != task {
		t.Error("task context not restored")
	}
}

// TestGoExitLogsFailure tests that a failed task exit is logged.
func TestGoExitLogsFailure(t *testing.T) {
	var logs bytes.Buffer
	log := logrus.New()
	log.SetOutput(&logs)
	log.SetLevel(logrus.DebugLevel)
	if err := Init(Options{Output: io.Discard, Log: log, BootPages: 8}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _, _ = Fini() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		CurrentContext()
		v, _ := current().tasks.Load(getGoroutineID())
		_ = Host().Tasks().Exit(v.(*taskctx.Task))
		GoExit()
	}()
	<-done

	if out := logs.String(); !strings.Contains(out, "goroutine task exit") || !strings.Contains(out, "is not running") {
		t.Errorf("log output = %q", out)
	}
}

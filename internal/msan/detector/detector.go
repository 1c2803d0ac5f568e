// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/config"
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/shadow"
	"github.com/kolkov/uninitdetector/internal/msan/stackdepot"
)

// GFP are allocation flags.
type GFP uint32

const (
	// GFPZero requests zeroed memory.
	GFPZero GFP = 1 << iota
	// GFPAtomic marks allocations that must not sleep.
	GFPAtomic
	// GFPKernel is a regular sleeping allocation.
	GFPKernel
)

// PoisonFlags modify PoisonMemory.
type PoisonFlags uint32

const (
	// PoisonNoCheck silently skips untracked regions.
	PoisonNoCheck PoisonFlags = 0
	// PoisonCheck makes untracked or non-contiguous regions fatal.
	PoisonCheck PoisonFlags = 1
	// PoisonFree marks the new origin as coming from freed memory.
	PoisonFree PoisonFlags = 2
)

// FatalError is the panic value of consistency failures.
//
// The engine cannot continue past these without corrupting metadata of
// unrelated memory.
type FatalError struct {
	Op   string
	Addr uint64
	Size uint64
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("msan: %s [%#x, +%d): %s", e.Op, e.Addr, e.Size, e.Msg)
}

// Options configures a Detector.
type Options struct {
	// Config is the address-space layout. The zero Config means Default().
	Config config.Config

	// Log receives diagnostics. Defaults to the logrus standard logger.
	Log logrus.FieldLogger

	// Sink receives reports. Defaults to formatted text on Output.
	Sink Sink

	// Output is the writer of the default sink. Defaults to os.Stderr.
	Output io.Writer

	// Capture overrides stack capture for origins.
	Capture func() []uintptr
}

// Detector is the metadata engine.
type Detector struct {
	cfg      config.Config
	space    *shadow.Space
	chainer  *origin.Chainer
	reporter *Reporter
	log      logrus.FieldLogger

	ready atomic.Bool
}

// New creates a Detector. The detector starts not ready: access helpers
// return dummy metadata until SetReady(true).
func New(opts Options) *Detector {
	cfg := opts.Config
	if cfg.PageSize == 0 {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	sink := opts.Sink
	if sink == nil {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		sink = WriterSink(out)
	}

	depot := stackdepot.New(cfg.DepotCapacity)
	return &Detector{
		cfg:   cfg,
		space: shadow.NewSpace(cfg, log),
		chainer: origin.NewChainer(depot, origin.Options{
			Capture:    opts.Capture,
			StackDepth: cfg.StackDepth,
			Log:        log,
		}),
		reporter: NewReporter(sink, cfg.ReportsPerSecond, cfg.ReportBurst, log),
		log:      log.WithField("component", "detector"),
	}
}

// SetReady enables or disables metadata tracking of instrumented accesses.
func (d *Detector) SetReady(ready bool) {
	d.ready.Store(ready)
}

// Ready reports whether the engine tracks instrumented accesses.
func (d *Detector) Ready() bool {
	return d.ready.Load()
}

// Config returns the layout of the detector.
func (d *Detector) Config() config.Config {
	return d.cfg
}

// Space returns the address space.
func (d *Detector) Space() *shadow.Space {
	return d.space
}

// Chainer returns the origin chainer.
func (d *Detector) Chainer() *origin.Chainer {
	return d.chainer
}

// Reporter returns the reporter.
func (d *Detector) Reporter() *Reporter {
	return d.reporter
}

// Fatal reports a consistency failure found by a caller of the engine. It
// logs and panics with a *FatalError.
func (d *Detector) Fatal(op string, addr, size uint64, format string, args ...any) {
	d.fatal(op, addr, size, format, args...)
}

// Log returns the detector's logger.
func (d *Detector) Log() logrus.FieldLogger {
	return d.log
}

// fatal logs and panics with a *FatalError.
func (d *Detector) fatal(op string, addr, size uint64, format string, args ...any) {
	err := &FatalError{Op: op, Addr: addr, Size: size, Msg: fmt.Sprintf(format, args...)}
	d.log.WithFields(logrus.Fields{
		"op":   op,
		"addr": fmt.Sprintf("%#x", addr),
		"size": size,
	}).Error(err.Msg)
	panic(err)
}

// IsContiguous reports whether [addr, addr+size) has contiguous metadata or
// none at all. On failure it logs the violation and the origin at addr.
func (d *Detector) IsContiguous(addr, size uint64) bool {
	if d.space.IsContiguous(addr, size) {
		return true
	}
	op := d.space.Locate(addr, true)
	if op.IsNil() {
		d.log.Error("Origin: unavailable")
		return false
	}
	h := origin.Handle(op.Load32())
	d.log.WithField("origin", fmt.Sprintf("%08x", uint32(h))).Errorf("Origin:\n%s", d.chainer.String(h))
	return false
}

// SaveStack captures the current stack with extra bits and returns its
// handle, or 0 if the depot is full. The depot never blocks, so flags do
// not change the result.
func (d *Detector) SaveStack(flags GFP, extra uint32) origin.Handle {
	return d.chainer.SaveStack(extra)
}

// ChainOrigin links parent to the current stack. See origin.Chainer.Chain.
func (d *Detector) ChainOrigin(parent origin.Handle) origin.Handle {
	return d.chainer.Chain(parent)
}

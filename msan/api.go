// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msan provides the public API of the uninitialized memory
// detector.
//
// See doc.go for detailed documentation and examples.
package msan

import (
	"github.com/kolkov/uninitdetector/internal/msan/api"
	"github.com/kolkov/uninitdetector/internal/msan/config"
	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/origin"
)

// Allocation flags accepted by the allocators.
const (
	GFPKernel = detector.GFPKernel
	GFPAtomic = detector.GFPAtomic
	GFPZero   = detector.GFPZero
)

type (
	// GFP are allocation flags.
	GFP = detector.GFP

	// Origin identifies where an uninitialized value was created.
	Origin = origin.Handle

	// Config is the address-space layout and engine configuration.
	Config = config.Config

	// Options configures InitWithOptions.
	Options = api.Options

	// Stats summarizes a runtime.
	Stats = api.Stats

	// Report is one detected use of uninitialized memory.
	Report = detector.Report

	// SinkFunc receives reports instead of the default text output.
	SinkFunc = detector.SinkFunc
)

// ErrNotInitialized is returned by calls made before Init or after Fini.
var ErrNotInitialized = api.ErrNotInitialized

// DefaultConfig returns the built-in x86-64-like layout.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a TOML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Init initializes the detector with the default layout.
//
// This function must be called before any other detector operation. The
// calling goroutine becomes the boot task:
//
//	func main() {
//		if err := msan.Init(); err != nil {
//			log.Fatal(err)
//		}
//		defer msan.Fini()
//		// ... rest of program
//	}
//
// Calling Init again discards all previous state.
func Init() error {
	return api.Init(api.Options{})
}

// InitWithOptions initializes the detector with a custom layout, output or
// report sink.
func InitWithOptions(opts Options) error {
	return api.Init(opts)
}

// Fini stops the detector and prints a summary report.
//
// The summary includes:
//   - Total number of reports delivered and suppressed
//   - Origin chains dropped at maximum depth
func Fini() (Stats, error) {
	return api.Fini()
}

// CurrentStats returns the statistics of the running detector.
func CurrentStats() (Stats, error) {
	return api.CurrentStats()
}

// Enable resumes tracking after Disable.
func Enable() { api.Enable() }

// Disable turns every entry point into a no-op until Enable.
func Disable() { api.Disable() }

// Enabled reports whether the detector is tracking memory.
func Enabled() bool { return api.Enabled() }

// GoExit retires the task of the calling goroutine. Goroutines that used
// the detector call it before returning.
func GoExit() { api.GoExit() }

// EnterInterrupt runs the calling goroutine in an interrupt context of
// the given CPU until ExitInterrupt. Interrupts nest up to three deep per
// CPU; entering a fourth level panics. While nested, the CPU belongs to the
// calling goroutine: entry from another goroutine panics, as does entering
// a second CPU before leaving the first.
func EnterInterrupt(cpu int) { api.EnterInterrupt(cpu) }

// ExitInterrupt leaves the innermost interrupt context of the given CPU.
func ExitInterrupt(cpu int) { api.ExitInterrupt(cpu) }

// Kmalloc allocates size bytes of simulated kernel memory. Unless gfp
// includes GFPZero, the memory starts out uninitialized.
func Kmalloc(size uint64, gfp GFP) (uint64, error) {
	return api.Kmalloc(size, gfp)
}

// Kfree frees memory returned by Kmalloc.
func Kfree(ptr uint64) error {
	return api.Kfree(ptr)
}

// AllocPages allocates 1<<order physically contiguous pages.
func AllocPages(order int, gfp GFP) (uint64, error) {
	return api.AllocPages(order, gfp)
}

// FreePages frees pages returned by AllocPages.
func FreePages(addr uint64) error {
	return api.FreePages(addr)
}

// Vmalloc allocates virtually contiguous memory backed by separate pages.
func Vmalloc(size uint64, gfp GFP) (uint64, error) {
	return api.Vmalloc(size, gfp)
}

// Vfree frees memory returned by Vmalloc.
func Vfree(addr uint64) error {
	return api.Vfree(addr)
}

// Poison marks [addr, addr+size) uninitialized with a fresh origin
// recording the caller's stack.
//
// Parameters:
//   - addr: first byte of the range
//   - size: length of the range in bytes
//
// Untracked memory is ignored.
func Poison(addr, size uint64) { api.Poison(addr, size) }

// Unpoison marks [addr, addr+size) initialized.
func Unpoison(addr, size uint64) { api.Unpoison(addr, size) }

// Check reports every run of uninitialized bytes in [addr, addr+size) and
// returns the number of runs found.
//
// Example:
//
//	// Before handing buf to a device:
//	if msan.Check(buf, n) > 0 {
//		return errLeak
//	}
func Check(addr, size uint64) int { return api.Check(addr, size) }

// Load returns the shadow and origin an instrumented load of size 1, 2, 4
// or 8 bytes would see.
func Load(addr, size uint64) (shadow uint64, o Origin) { return api.Load(addr, size) }

// Store records the shadow and origin of an instrumented store of size 1,
// 2, 4 or 8 bytes.
func Store(addr, size, shadow uint64, o Origin) { api.Store(addr, size, shadow, o) }

// Memcpy carries initializedness from src to dst as memcpy would.
func Memcpy(dst, src, n uint64) { api.Memcpy(dst, src, n) }

// Memmove carries initializedness from src to dst as memmove would.
func Memmove(dst, src, n uint64) { api.Memmove(dst, src, n) }

// Memset marks n bytes at dst initialized.
func Memset(dst, n uint64) { api.Memset(dst, n) }

// CopyToUser checks a copy of toCopy bytes from kernel address from to
// user address to, of which left bytes were not copied.
//
// Example (instrumented copy_to_user):
//
//	left := rawCopy(to, from, n)
//	msan.CopyToUser(to, from, n, left)
func CopyToUser(to, from, toCopy, left uint64) {
	api.CopyToUser(to, from, toCopy, left)
}

// Warning reports a use of an uninitialized value with origin o, as found
// by compiler instrumentation.
func Warning(o Origin) { api.Warning(o) }

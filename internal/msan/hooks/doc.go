// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hooks adapts host subsystems to the metadata engine.
//
// The detector package exposes internal primitives that assume the caller
// already decided the work must be done. Hooks make that decision: they
// are called by the allocator, the page mapper, device drivers, user copy
// routines and compiler instrumentation, and they translate those events
// into poison, unpoison, move and check operations.
//
// # Gating
//
// Almost every hook does nothing while the engine is not ready or while the
// calling context is already inside the runtime. The exceptions keep the
// metadata consistent regardless of engine state:
//
//   - TaskCreate always initializes the new task.
//   - AllocPage always zeroes metadata of zeroed or early allocations.
//   - VunmapRange and IounmapPageRange always drop linear metadata.
//   - InstrumentationBegin always resets the context state.
//
// # Runtime Sections
//
// Hooks that may allocate origins wrap the work in ctx.EnterRuntime, so
// that the engine's own activity is never tracked. Instrumented functions
// must not be called from inside such a section: effects like memset on
// tracked memory would be lost.
package hooks

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hooks

import (
	"runtime"

	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// MaxAsmStore is the widest store inline assembly is expected to make.
// Larger sizes are clamped to 8 bytes.
const MaxAsmStore = 512

// UnpoisonRegs marks a saved register frame initialized.
func (h *Hooks) UnpoisonRegs(ctx *taskctx.Context, regs, size uint64) {
	if !h.d.Ready() || regs == 0 {
		return
	}
	h.d.UnpoisonMemory(regs, size, true)
}

// InstrumentationBegin is called at the entry of instrumented code that
// runs without an instrumented caller (interrupt and syscall entry). It
// resets the parameter state of ctx and unpoisons the register frame, if
// any.
func (h *Hooks) InstrumentationBegin(ctx *taskctx.Context, regs, size uint64) {
	ctx.ResetState()
	h.UnpoisonRegs(ctx, regs, size)
}

// Memmove carries the metadata of a memmove of n bytes from src to dst.
func (h *Hooks) Memmove(ctx *taskctx.Context, dst, src, n uint64) {
	if n == 0 || !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.MoveMetadata(dst, src, n)
}

// Memcpy carries the metadata of a memcpy. Ranges do not overlap, so the
// move semantics are exact.
func (h *Hooks) Memcpy(ctx *taskctx.Context, dst, src, n uint64) {
	h.Memmove(ctx, dst, src, n)
}

// Memset marks [dst, dst+n) initialized. The shadow of the fill value is
// not available, so it is assumed to be initialized.
func (h *Hooks) Memset(ctx *taskctx.Context, dst, n uint64) {
	if !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.UnpoisonMemory(dst, n, false)
}

// PoisonAlloca poisons a local variable at entry to its scope. The origin
// records descr and the two innermost callers of the hook.
func (h *Hooks) PoisonAlloca(ctx *taskctx.Context, addr, size uint64, descr string) {
	if !h.active(ctx) {
		return
	}
	var pcs [2]uintptr
	n := runtime.Callers(2, pcs[:])

	tok := ctx.EnterRuntime()
	o := h.d.Chainer().NewAlloca(descr, pcs[:n]...)
	tok.Leave()
	h.d.SetShadowOrigin(addr, size, 0xff, o, true)
}

// UnpoisonAlloca unpoisons a local variable.
func (h *Hooks) UnpoisonAlloca(ctx *taskctx.Context, addr, size uint64) {
	if !h.active(ctx) {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.UnpoisonAlloca(addr, size)
}

// Warning reports a use of an uninitialized value with origin o.
func (h *Hooks) Warning(ctx *taskctx.Context, o origin.Handle) {
	if !h.active(ctx) {
		return
	}
	h.d.Warning(ctx, o)
}

// InstrumentAsmStore unpoisons memory written by inline assembly, on a best
// effort basis. User memory and untracked memory are left alone.
func (h *Hooks) InstrumentAsmStore(ctx *taskctx.Context, addr, size uint64) {
	if !h.active(ctx) {
		return
	}
	if size > MaxAsmStore {
		h.asmWarn.Do(func() {
			h.log.WithField("size", size).Warn("assembly store size too big")
		})
		size = 8
	}
	if addr < h.d.Config().TaskSize || h.space.Locate(addr, false).IsNil() {
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.UnpoisonMemory(addr, size, false)
}

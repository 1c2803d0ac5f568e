// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hooks

import (
	"fmt"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// VmapPagesRange maps the metadata of pages into [start, end) of the
// vmalloc or module area. Writes through either mapping are seen by both.
func (h *Hooks) VmapPagesRange(ctx *taskctx.Context, start, end uint64, pages []uint64) error {
	if !h.d.Ready() {
		return nil
	}
	ps := h.space.PageSize()
	if n := (end - start) / ps; n != uint64(len(pages)) {
		return fmt.Errorf("vmap [%#x, %#x) covers %d pages, got %d", start, end, n, len(pages))
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	return h.space.MapLinear(start, pages)
}

// VunmapRange drops the linear metadata of [start, end).
func (h *Hooks) VunmapRange(start, end uint64) error {
	return h.space.UnmapLinear(start, (end-start)/h.space.PageSize())
}

// IoremapPageRange gives [start, end) fresh initialized metadata. Metadata
// the physical pages may already have is ignored.
func (h *Hooks) IoremapPageRange(ctx *taskctx.Context, start, end uint64) error {
	if !h.active(ctx) {
		return nil
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	return h.space.MapFresh(start, (end-start)/h.space.PageSize())
}

// IounmapPageRange drops the metadata created by IoremapPageRange.
func (h *Hooks) IounmapPageRange(start, end uint64) error {
	return h.space.UnmapLinear(start, (end-start)/h.space.PageSize())
}

// CopyToUser runs after a copy of toCopy bytes from kernel memory at from
// to to, of which left bytes were not copied.
//
// Copies to user memory are checked for infoleaks. Copies to kernel
// memory, which compat syscalls do with on-stack arguments, carry the
// metadata along instead.
func (h *Hooks) CopyToUser(ctx *taskctx.Context, to, from, toCopy, left uint64) {
	if !h.active(ctx) {
		return
	}
	if toCopy == 0 || toCopy <= left {
		return
	}
	n := toCopy - left
	if to < h.d.Config().TaskSize {
		h.d.CheckMemory(ctx, from, n, to, detector.ReasonCopyToUser)
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.MoveMetadata(to, from, n)
}

// URB is a USB request block.
type URB struct {
	TransferBuffer uint64
	TransferLength uint64
}

// HandleURB checks an outgoing URB buffer or unpoisons an incoming one.
func (h *Hooks) HandleURB(ctx *taskctx.Context, urb *URB, out bool) {
	if urb == nil || !h.active(ctx) {
		return
	}
	if out {
		h.d.CheckMemory(ctx, urb.TransferBuffer, urb.TransferLength, 0, detector.ReasonSubmitURB)
		return
	}
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.UnpoisonMemory(urb.TransferBuffer, urb.TransferLength, false)
}

// DMADirection is the direction of a DMA transfer.
type DMADirection int

const (
	DMABidirectional DMADirection = iota
	DMAToDevice
	DMAFromDevice
	DMANone
)

func (dir DMADirection) String() string {
	switch dir {
	case DMABidirectional:
		return "bidirectional"
	case DMAToDevice:
		return "to-device"
	case DMAFromDevice:
		return "from-device"
	case DMANone:
		return "none"
	default:
		return fmt.Sprintf("DMADirection(%d)", int(dir))
	}
}

// HandleDMA handles a DMA transfer of size bytes at offset into the pages
// starting at page. Data sent to the device is checked, data received from
// it becomes initialized.
//
// Adjacent pages may belong to different allocations, so the range is
// processed one page at a time.
func (h *Hooks) HandleDMA(ctx *taskctx.Context, page, offset, size uint64, dir DMADirection) {
	if !h.active(ctx) {
		return
	}
	ps := h.space.PageSize()
	addr := page + offset
	for size > 0 {
		n := min(ps-addr%ps, size)
		h.dmaPage(ctx, addr, n, dir)
		addr += n
		size -= n
	}
}

func (h *Hooks) dmaPage(ctx *taskctx.Context, addr, size uint64, dir DMADirection) {
	switch dir {
	case DMABidirectional:
		h.d.CheckMemory(ctx, addr, size, 0, detector.ReasonAny)
		h.unpoisonUnchecked(ctx, addr, size)
	case DMAToDevice:
		h.d.CheckMemory(ctx, addr, size, 0, detector.ReasonAny)
	case DMAFromDevice:
		h.unpoisonUnchecked(ctx, addr, size)
	}
}

func (h *Hooks) unpoisonUnchecked(ctx *taskctx.Context, addr, size uint64) {
	tok := ctx.EnterRuntime()
	defer tok.Leave()
	h.d.UnpoisonMemory(addr, size, false)
}

// SGEntry is one element of a scatter-gather list.
type SGEntry struct {
	Page   uint64
	Offset uint64
	Length uint64
}

// HandleDMASG calls HandleDMA for every entry of sg.
func (h *Hooks) HandleDMASG(ctx *taskctx.Context, sg []SGEntry, dir DMADirection) {
	for _, e := range sg {
		h.HandleDMA(ctx, e.Page, e.Offset, e.Length, dir)
	}
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package origin encodes, chains and decodes origins of uninitialized values.
//
// An origin is a stackdepot.Handle. Its extra bits hold the chain depth and
// a use-after-free flag:
//
//	extra = depth<<1 | uaf
//
// The record behind a handle is one of:
//
//   - Leaf:   a captured stack trace (allocation, poisoning)
//   - Chain:  {ChainMagic, store stack handle, parent origin}
//   - Alloca: {AllocaMagic, descriptor id, pc, pc}
//
// Chains are bounded: once depth reaches MaxChainDepth, Chain returns its
// argument unchanged instead of growing the chain.
package origin

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/stackdepot"
)

// Handle is an origin handle; 0 means "no origin".
type Handle = stackdepot.Handle

const (
	// MaxChainDepth caps the length of an origin chain.
	MaxChainDepth = 7

	// ChainMagic marks chain records in the depot.
	ChainMagic uintptr = 0x5ca1ab1e

	// AllocaMagic marks stack-variable records in the depot.
	AllocaMagic uintptr = 0xa110ca7e

	// dropReportInterval is how often dropped chain attempts are logged.
	dropReportInterval = 10000
)

// The handle must have room for the UAF bit and the chain depth.
var _ [1<<stackdepot.ExtraBits - (MaxChainDepth << 1) - 1]struct{}

// ExtraBits packs a chain depth and the use-after-free flag.
func ExtraBits(depth int, uaf bool) uint32 {
	eb := uint32(depth) << 1
	if uaf {
		eb |= 1
	}
	return eb
}

// DepthFromExtraBits returns the chain depth stored in extra bits.
func DepthFromExtraBits(eb uint32) int {
	return int(eb >> 1)
}

// UAFFromExtraBits returns the use-after-free flag stored in extra bits.
func UAFFromExtraBits(eb uint32) bool {
	return eb&1 != 0
}

// Kind distinguishes origin record variants.
type Kind int

const (
	// KindUnknown is returned for 0 and unknown handles.
	KindUnknown Kind = iota
	// KindLeaf is a plain stack trace.
	KindLeaf
	// KindChain links a store stack to a parent origin.
	KindChain
	// KindAlloca describes an uninitialized local variable.
	KindAlloca
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindChain:
		return "chain"
	case KindAlloca:
		return "alloca"
	default:
		return "unknown"
	}
}

// Record is a decoded origin.
type Record struct {
	Handle Handle
	Kind   Kind
	Depth  int
	UAF    bool

	// Stack is the leaf trace, the store trace of a chain, or the
	// return addresses of an alloca.
	Stack []uintptr

	// Parent is set for chains.
	Parent Handle

	// Descr is set for allocas.
	Descr string
}

// Chainer creates and decodes origins stored in a depot.
//
// Thread Safety: all methods are safe for concurrent use.
type Chainer struct {
	depot   *stackdepot.Depot
	capture func() []uintptr
	log     logrus.FieldLogger

	skipped atomic.Int64

	descrMu sync.RWMutex
	descrs  []string
	descrID map[string]int
}

// Options configures a Chainer.
type Options struct {
	// Capture returns the current stack. Defaults to runtime stack capture
	// with StackDepth frames.
	Capture func() []uintptr

	StackDepth int

	Log logrus.FieldLogger
}

// NewChainer creates a Chainer over depot.
func NewChainer(depot *stackdepot.Depot, opts Options) *Chainer {
	c := &Chainer{
		depot:   depot,
		capture: opts.Capture,
		log:     opts.Log,
		descrID: make(map[string]int),
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.capture == nil {
		depth := opts.StackDepth
		if depth <= 0 {
			depth = 64
		}
		c.capture = func() []uintptr {
			return stackdepot.CaptureStack(3, depth)
		}
	}
	return c
}

// Depot returns the underlying stack depot.
func (c *Chainer) Depot() *stackdepot.Depot {
	return c.depot
}

// SaveStack captures the current stack and stores it with extra bits.
// Returns 0 if the depot cannot store it.
func (c *Chainer) SaveStack(extra uint32) Handle {
	return c.depot.Save(c.capture(), extra)
}

// NewLeaf stores a fresh origin for the current stack at depth 0.
func (c *Chainer) NewLeaf(uaf bool) Handle {
	return c.SaveStack(ExtraBits(0, uaf))
}

// NewAlloca stores an origin for an uninitialized local variable.
// pcs holds up to two return addresses of the function owning it.
func (c *Chainer) NewAlloca(descr string, pcs ...uintptr) Handle {
	entries := []uintptr{AllocaMagic, uintptr(c.descriptor(descr)), 0, 0}
	copy(entries[2:], pcs)
	return c.depot.Save(entries, 0)
}

func (c *Chainer) descriptor(descr string) int {
	c.descrMu.RLock()
	id, ok := c.descrID[descr]
	c.descrMu.RUnlock()
	if ok {
		return id
	}

	c.descrMu.Lock()
	defer c.descrMu.Unlock()
	if id, ok := c.descrID[descr]; ok {
		return id
	}
	id = len(c.descrs)
	c.descrs = append(c.descrs, descr)
	c.descrID[descr] = id
	return id
}

func (c *Chainer) describe(id uintptr) string {
	c.descrMu.RLock()
	defer c.descrMu.RUnlock()
	if id >= uintptr(len(c.descrs)) {
		return "<unknown>"
	}
	return c.descrs[id]
}

// Chain links parent to the current stack and returns the new origin.
//
// Returns 0 for parent 0. Once parent's depth reaches MaxChainDepth the
// chain is not extended and parent is returned unchanged; every 10000th
// such drop is logged. Returns 0 if the depot is exhausted.
func (c *Chainer) Chain(parent Handle) Handle {
	if parent == 0 {
		return 0
	}
	eb := parent.Extra()
	depth := DepthFromExtraBits(eb)
	uaf := UAFFromExtraBits(eb)

	if depth >= MaxChainDepth {
		skipped := c.skipped.Add(1)
		if skipped%dropReportInterval == 0 {
			c.log.WithFields(logrus.Fields{
				"skipped": skipped,
				"handle":  fmt.Sprintf("%#08x", uint32(parent)),
			}).Warnf("not chained %d origins\n%s%s",
				skipped, stackdepot.FormatStack(c.capture()), c.String(parent))
		}
		return parent
	}

	eb = ExtraBits(depth+1, uaf)
	entries := []uintptr{
		ChainMagic,
		uintptr(c.SaveStack(eb)),
		uintptr(parent),
	}
	return c.depot.Save(entries, eb)
}

// Skipped returns how many chain attempts were dropped at the depth cap.
func (c *Chainer) Skipped() int64 {
	return c.skipped.Load()
}

// Decode returns the record behind h.
func (c *Chainer) Decode(h Handle) Record {
	rec := Record{Handle: h}
	entries := c.depot.Fetch(h)
	if entries == nil {
		return rec
	}
	eb := h.Extra()
	rec.Depth = DepthFromExtraBits(eb)
	rec.UAF = UAFFromExtraBits(eb)

	switch {
	case len(entries) == 3 && entries[0] == ChainMagic:
		rec.Kind = KindChain
		rec.Stack = c.depot.Fetch(Handle(entries[1]))
		rec.Parent = Handle(entries[2])
	case len(entries) == 4 && entries[0] == AllocaMagic:
		rec.Kind = KindAlloca
		rec.Descr = c.describe(entries[1])
		for _, pc := range entries[2:] {
			if pc != 0 {
				rec.Stack = append(rec.Stack, pc)
			}
		}
	default:
		rec.Kind = KindLeaf
		rec.Stack = entries
	}
	return rec
}

// Walk decodes h and its ancestors, newest first.
//
// The walk stops at the first non-chain record. It is bounded by
// MaxChainDepth+1 steps, so a corrupted depot cannot loop forever.
func (c *Chainer) Walk(h Handle) []Record {
	var out []Record
	for i := 0; i <= MaxChainDepth && h != 0; i++ {
		rec := c.Decode(h)
		out = append(out, rec)
		if rec.Kind != KindChain {
			break
		}
		h = rec.Parent
	}
	return out
}

// Print writes the human-readable history of origin h:
//
//	Uninit was stored to memory at:
//	  ...
//	Uninit was created at:
//	  ...
func (c *Chainer) Print(w io.Writer, h Handle) {
	if h == 0 {
		fmt.Fprintf(w, "Origin: unavailable\n")
		return
	}
	PrintRecords(w, c.Walk(h))
}

// PrintRecords writes records returned by Walk in the format of Print.
func PrintRecords(w io.Writer, recs []Record) {
	if len(recs) == 0 {
		fmt.Fprintf(w, "Origin: unavailable\n")
		return
	}
	for _, rec := range recs {
		switch rec.Kind {
		case KindChain:
			fmt.Fprintf(w, "Uninit was stored to memory at:\n")
			fmt.Fprint(w, stackdepot.FormatStack(rec.Stack))
			fmt.Fprintf(w, "\n")
		case KindAlloca:
			fmt.Fprintf(w, "Local variable %s created at:\n", rec.Descr)
			fmt.Fprint(w, stackdepot.FormatStack(rec.Stack))
		case KindLeaf:
			if rec.UAF {
				fmt.Fprintf(w, "Uninit was created at (memory was freed):\n")
			} else {
				fmt.Fprintf(w, "Uninit was created at:\n")
			}
			fmt.Fprint(w, stackdepot.FormatStack(rec.Stack))
		default:
			fmt.Fprintf(w, "Origin %#08x: unknown record\n", uint32(rec.Handle))
		}
	}
}

// String returns the output of Print as a string.
func (c *Chainer) String(h Handle) string {
	var buf strings.Builder
	c.Print(&buf, h)
	return buf.String()
}

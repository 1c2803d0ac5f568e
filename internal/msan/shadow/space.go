// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shadow

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/config"
)

// OriginSize is the granularity of origin slots in bytes.
const OriginSize = 4

// Kind is the backing store of an address.
type Kind int

const (
	KindUnknown Kind = iota
	KindUser
	KindPhys
	KindVmalloc
	KindModule
	KindCPUEntry
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindPhys:
		return "phys"
	case KindVmalloc:
		return "vmalloc"
	case KindModule:
		return "module"
	case KindCPUEntry:
		return "cpu_entry_area"
	default:
		return "unknown"
	}
}

// region is one classified address range [start, end).
type region struct {
	start, end uint64
	kind       Kind
}

func regionLess(a, b region) bool {
	return a.start < b.start
}

// pageMeta is the metadata attached to one physical page frame.
type pageMeta struct {
	shadow, origin Ptr
}

// Space is the simulated kernel address space and its metadata.
type Space struct {
	cfg      config.Config
	pageSize uint64
	log      logrus.FieldLogger

	classes *btree.BTreeG[region]

	// pages is indexed by page frame number relative to PhysBase.
	pagesMu sync.RWMutex
	pages   []pageMeta

	vmallocShadow, vmallocOrigin *Arena
	moduleShadow, moduleOrigin   *Arena

	cpuShadow, cpuOrigin []*Arena

	dummyLoad, dummyStore *Arena

	arenaSeq atomic.Uint64
}

// NewSpace builds a Space for a validated layout. log may be nil.
func NewSpace(cfg config.Config, log logrus.FieldLogger) *Space {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ps := cfg.PageSize
	s := &Space{
		cfg:           cfg,
		pageSize:      ps,
		log:           log.WithField("component", "shadow"),
		classes:       btree.NewG(8, regionLess),
		pages:         make([]pageMeta, cfg.PhysPages),
		vmallocShadow: newArena("vmalloc-shadow", ps),
		vmallocOrigin: newArena("vmalloc-origin", ps),
		moduleShadow:  newArena("module-shadow", ps),
		moduleOrigin:  newArena("module-origin", ps),
		dummyLoad:     newBackedArena("dummy-load", ps, 1),
		dummyStore:    newBackedArena("dummy-store", ps, 1),
	}
	s.dummyLoad.discard = true
	s.dummyStore.discard = true

	ceaPages := cfg.CPUEntryAreaSize / ps
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		s.cpuShadow = append(s.cpuShadow, newBackedArena(fmt.Sprintf("cpu%d-shadow", cpu), ps, ceaPages))
		s.cpuOrigin = append(s.cpuOrigin, newBackedArena(fmt.Sprintf("cpu%d-origin", cpu), ps, ceaPages))
	}

	s.classes.ReplaceOrInsert(region{0, cfg.TaskSize, KindUser})
	s.classes.ReplaceOrInsert(region{cfg.PhysBase, cfg.PhysEnd(), KindPhys})
	s.classes.ReplaceOrInsert(region{cfg.VmallocStart, cfg.VmallocStart + cfg.VmallocSize, KindVmalloc})
	s.classes.ReplaceOrInsert(region{cfg.ModulesStart, cfg.ModulesStart + cfg.ModulesSize, KindModule})
	s.classes.ReplaceOrInsert(region{cfg.CPUEntryAreaBase,
		cfg.CPUEntryAreaBase + uint64(cfg.NumCPUs)*cfg.CPUEntryAreaSize, KindCPUEntry})
	return s
}

// Config returns the layout s was built from.
func (s *Space) Config() config.Config {
	return s.cfg
}

// PageSize returns the page size of the layout.
func (s *Space) PageSize() uint64 {
	return s.pageSize
}

// Classify returns the backing kind of addr.
func (s *Space) Classify(addr uint64) Kind {
	r, ok := s.lookup(addr)
	if !ok {
		return KindUnknown
	}
	return r.kind
}

func (s *Space) lookup(addr uint64) (region, bool) {
	var found region
	var ok bool
	s.classes.DescendLessOrEqual(region{start: addr}, func(r region) bool {
		found, ok = r, true
		return false
	})
	if !ok || addr >= found.end {
		return region{}, false
	}
	return found, true
}

// Locate returns the shadow (isOrigin false) or origin metadata of addr, or
// NilPtr if addr has none. Origin lookups round addr down to OriginSize.
//
// Locate does not consult the engine state; callers that must not see
// NilPtr fall back to DummyLoad or DummyStore.
//
// This is the lookup behind every load, store, move and check.
//
// Parameters:
//   - addr: kernel or user address to resolve
//   - isOrigin: select the origin metadata instead of the shadow
//
// Returns: a Ptr to the metadata byte (or origin slot) of addr, valid until
// the page or mapping holding it is torn down; NilPtr for untracked memory.
//
// Thread Safety: Safe for concurrent calls. The region classifier is
// immutable after New; per-page metadata is read under a read lock.
//
// Performance: one ordered-tree descent over a handful of regions plus a
// slice index. See BenchmarkLocatePhys.
func (s *Space) Locate(addr uint64, isOrigin bool) Ptr {
	if isOrigin {
		addr &^= OriginSize - 1
	}
	r, ok := s.lookup(addr)
	if !ok {
		return NilPtr
	}
	off := addr - r.start

	switch r.kind {
	case KindPhys:
		s.pagesMu.RLock()
		pm := s.pages[off/s.pageSize]
		s.pagesMu.RUnlock()
		if pm.shadow.IsNil() || pm.origin.IsNil() {
			return NilPtr
		}
		if isOrigin {
			return pm.origin.Add(off % s.pageSize)
		}
		return pm.shadow.Add(off % s.pageSize)
	case KindVmalloc:
		return s.linear(s.vmallocShadow, s.vmallocOrigin, off, isOrigin)
	case KindModule:
		return s.linear(s.moduleShadow, s.moduleOrigin, off, isOrigin)
	case KindCPUEntry:
		cpu := off / s.cfg.CPUEntryAreaSize
		if cpu >= uint64(len(s.cpuShadow)) {
			return NilPtr
		}
		off %= s.cfg.CPUEntryAreaSize
		if isOrigin {
			return Ptr{s.cpuOrigin[cpu], off}
		}
		return Ptr{s.cpuShadow[cpu], off}
	default:
		return NilPtr
	}
}

func (s *Space) linear(sh, or *Arena, off uint64, isOrigin bool) Ptr {
	a := sh
	if isOrigin {
		a = or
	}
	if !a.hasChunk(off / s.pageSize) {
		return NilPtr
	}
	return Ptr{a, off}
}

// DummyLoad returns metadata that always reads as initialized.
func (s *Space) DummyLoad() Ptr {
	return Ptr{arena: s.dummyLoad}
}

// DummyStore returns metadata that silently absorbs writes.
func (s *Space) DummyStore() Ptr {
	return Ptr{arena: s.dummyStore}
}

// PhysAddr returns the direct-map address of page frame pfn.
func (s *Space) PhysAddr(pfn uint64) uint64 {
	return s.cfg.PhysBase + pfn*s.pageSize
}

// PFN returns the page frame number of a direct-map address.
func (s *Space) PFN(addr uint64) (uint64, bool) {
	if addr < s.cfg.PhysBase || addr >= s.cfg.PhysEnd() {
		return 0, false
	}
	return (addr - s.cfg.PhysBase) / s.pageSize, true
}

// PageHasMetadata reports whether the page containing addr has metadata.
func (s *Space) PageHasMetadata(addr uint64) bool {
	return !s.Locate(addr&^(s.pageSize-1), false).IsNil()
}

func (s *Space) nextArenaName(kind string) string {
	return fmt.Sprintf("%s%d", kind, s.arenaSeq.Add(1))
}

// SetupMeta attaches fresh zeroed metadata to the 1<<order direct-map pages
// starting at addr. The pages share one contiguous shadow arena and one
// contiguous origin arena.
func (s *Space) SetupMeta(addr uint64, order int) error {
	pfn, n, err := s.physRange(addr, uint64(1)<<order)
	if err != nil {
		return err
	}
	s.attach(pfn, n)
	return nil
}

// InitMetaForRange attaches metadata to every page overlapping [start, end).
// This is how boot memory is made trackable in one go.
func (s *Space) InitMetaForRange(start, end uint64) error {
	start &^= s.pageSize - 1
	end = (end + s.pageSize - 1) &^ (s.pageSize - 1)
	if end <= start {
		return nil
	}
	pfn, n, err := s.physRange(start, (end-start)/s.pageSize)
	if err != nil {
		return err
	}
	s.attach(pfn, n)
	return nil
}

// ClearMeta detaches metadata from the 1<<order pages starting at addr.
func (s *Space) ClearMeta(addr uint64, order int) error {
	pfn, n, err := s.physRange(addr, uint64(1)<<order)
	if err != nil {
		return err
	}
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	for i := uint64(0); i < n; i++ {
		s.pages[pfn+i] = pageMeta{}
	}
	return nil
}

func (s *Space) physRange(addr, pages uint64) (pfn, n uint64, err error) {
	if addr%s.pageSize != 0 {
		return 0, 0, fmt.Errorf("address %#x is not page aligned", addr)
	}
	pfn, ok := s.PFN(addr)
	if !ok || pfn+pages > uint64(len(s.pages)) {
		return 0, 0, fmt.Errorf("pages [%#x, +%d) are outside the direct map", addr, pages)
	}
	return pfn, pages, nil
}

func (s *Space) attach(pfn, n uint64) {
	sh := newBackedArena(s.nextArenaName("shadow"), s.pageSize, n)
	or := newBackedArena(s.nextArenaName("origin"), s.pageSize, n)
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	for i := uint64(0); i < n; i++ {
		s.pages[pfn+i] = pageMeta{
			shadow: Ptr{sh, i * s.pageSize},
			origin: Ptr{or, i * s.pageSize},
		}
	}
}

func (s *Space) linearArenas(vaddr uint64) (sh, or *Arena, idx uint64, err error) {
	r, ok := s.lookup(vaddr)
	if !ok || (r.kind != KindVmalloc && r.kind != KindModule) {
		return nil, nil, 0, fmt.Errorf("address %#x is not in a linear region", vaddr)
	}
	if vaddr%s.pageSize != 0 {
		return nil, nil, 0, fmt.Errorf("address %#x is not page aligned", vaddr)
	}
	idx = (vaddr - r.start) / s.pageSize
	if r.kind == KindVmalloc {
		return s.vmallocShadow, s.vmallocOrigin, idx, nil
	}
	return s.moduleShadow, s.moduleOrigin, idx, nil
}

// MapLinear maps the metadata of the direct-map pages in pageAddrs at
// vaddr in the vmalloc or module region. The linear metadata aliases the
// page metadata, so writes through either address are seen by both. Pages
// without metadata stay unmapped.
func (s *Space) MapLinear(vaddr uint64, pageAddrs []uint64) error {
	sh, or, idx, err := s.linearArenas(vaddr)
	if err != nil {
		return err
	}
	for i, pa := range pageAddrs {
		pfn, ok := s.PFN(pa)
		if !ok {
			return fmt.Errorf("page %#x is outside the direct map", pa)
		}
		s.pagesMu.RLock()
		pm := s.pages[pfn]
		s.pagesMu.RUnlock()
		if pm.shadow.IsNil() || pm.origin.IsNil() {
			continue
		}
		sh.setChunk(idx+uint64(i), pm.shadow.chunkBytes())
		or.setChunk(idx+uint64(i), pm.origin.chunkBytes())
	}
	return nil
}

// MapFresh maps n pages of fresh zeroed metadata at vaddr.
func (s *Space) MapFresh(vaddr uint64, n uint64) error {
	sh, or, idx, err := s.linearArenas(vaddr)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		sh.setChunk(idx+i, make([]byte, s.pageSize))
		or.setChunk(idx+i, make([]byte, s.pageSize))
	}
	return nil
}

// UnmapLinear removes n pages of linear metadata at vaddr.
func (s *Space) UnmapLinear(vaddr uint64, n uint64) error {
	sh, or, idx, err := s.linearArenas(vaddr)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		sh.setChunk(idx+i, nil)
		or.setChunk(idx+i, nil)
	}
	return nil
}

// chunkBytes returns the chunk p points into. p must be page aligned.
func (p Ptr) chunkBytes() []byte {
	return p.arena.chunk(p.off / p.arena.pageSize)
}

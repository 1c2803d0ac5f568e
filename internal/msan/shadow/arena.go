// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shadow

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Arena is page-chunked metadata storage.
//
// A chunk is one page worth of shadow or origin bytes. Chunks of one arena
// are contiguous by construction: Ptr{a, off} and Ptr{a, off+n} are n bytes
// apart. Chunks may be shared between arenas, which is how a linear (vmalloc)
// mapping aliases the metadata of the physical pages behind it.
//
// Thread Safety: the chunk table is guarded by an RWMutex. Byte contents are
// not synchronized; racing metadata writes are as undefined as the racing
// data writes they shadow.
type Arena struct {
	name     string
	pageSize uint64

	// discard drops all writes (dummy regions).
	discard bool

	mu     sync.RWMutex
	chunks map[uint64][]byte
}

func newArena(name string, pageSize uint64) *Arena {
	return &Arena{
		name:     name,
		pageSize: pageSize,
		chunks:   make(map[uint64][]byte),
	}
}

// newBackedArena allocates pages chunks as one contiguous block.
func newBackedArena(name string, pageSize uint64, pages uint64) *Arena {
	a := newArena(name, pageSize)
	block := make([]byte, pages*pageSize)
	for i := uint64(0); i < pages; i++ {
		a.chunks[i] = block[i*pageSize : (i+1)*pageSize : (i+1)*pageSize]
	}
	return a
}

// Name returns the arena's diagnostic name.
func (a *Arena) Name() string {
	return a.name
}

func (a *Arena) chunk(idx uint64) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chunks[idx]
}

func (a *Arena) hasChunk(idx uint64) bool {
	return a.chunk(idx) != nil
}

func (a *Arena) setChunk(idx uint64, b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b == nil {
		delete(a.chunks, idx)
		return
	}
	a.chunks[idx] = b
}

// Ptr is a metadata pointer: an offset into an Arena. The zero Ptr is null.
type Ptr struct {
	arena *Arena
	off   uint64
}

// NilPtr is the null metadata pointer.
var NilPtr Ptr

// IsNil reports whether p is null.
func (p Ptr) IsNil() bool {
	return p.arena == nil
}

// Add returns p advanced by n bytes.
func (p Ptr) Add(n uint64) Ptr {
	if p.arena == nil {
		return p
	}
	return Ptr{p.arena, p.off + n}
}

// Arena returns the arena p points into.
func (p Ptr) Arena() *Arena {
	return p.arena
}

// Offset returns p's offset inside its arena.
func (p Ptr) Offset() uint64 {
	return p.off
}

// Follows reports whether p is exactly distance bytes after prev in the
// same arena. Null pointers never follow anything.
func (p Ptr) Follows(prev Ptr, distance uint64) bool {
	return p.arena != nil && p.arena == prev.arena && p.off == prev.off+distance
}

// String formats p for diagnostics.
func (p Ptr) String() string {
	if p.arena == nil {
		return "(null)"
	}
	return fmt.Sprintf("%s+%#x", p.arena.name, p.off)
}

// span calls fn for each chunk piece covering [p, p+n). The piece starts
// pos bytes after p and is l bytes long; chunk is nil for unmapped chunks.
func (p Ptr) span(n uint64, fn func(chunk []byte, pos, l uint64)) {
	ps := p.arena.pageSize
	for pos := uint64(0); pos < n; {
		off := p.off + pos
		in := off % ps
		l := min(ps-in, n-pos)
		c := p.arena.chunk(off / ps)
		if c != nil {
			c = c[in : in+l]
		}
		fn(c, pos, l)
		pos += l
	}
}

// Byte returns the metadata byte at p+i. Unmapped bytes read as zero.
func (p Ptr) Byte(i uint64) byte {
	if p.arena == nil {
		return 0
	}
	ps := p.arena.pageSize
	off := p.off + i
	c := p.arena.chunk(off / ps)
	if c == nil {
		return 0
	}
	return c[off%ps]
}

// Read copies len(dst) metadata bytes starting at p into dst.
func (p Ptr) Read(dst []byte) {
	if p.arena == nil {
		clear(dst)
		return
	}
	p.span(uint64(len(dst)), func(c []byte, pos, l uint64) {
		if c == nil {
			clear(dst[pos : pos+l])
			return
		}
		copy(dst[pos:], c)
	})
}

// Write copies src into the metadata starting at p.
func (p Ptr) Write(src []byte) {
	if p.arena == nil || p.arena.discard {
		return
	}
	p.span(uint64(len(src)), func(c []byte, pos, _ uint64) {
		if c != nil {
			copy(c, src[pos:])
		}
	})
}

// Fill sets n metadata bytes starting at p to b.
func (p Ptr) Fill(n uint64, b byte) {
	if p.arena == nil || p.arena.discard {
		return
	}
	p.span(n, func(c []byte, _, _ uint64) {
		for i := range c {
			c[i] = b
		}
	})
}

// Load32 reads the little-endian origin slot at p. p must be 4-aligned
// within its arena.
func (p Ptr) Load32() uint32 {
	if p.arena == nil {
		return 0
	}
	var b [4]byte
	p.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Store32 writes the little-endian origin slot at p.
func (p Ptr) Store32(v uint32) {
	if p.arena == nil || p.arena.discard {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.Write(b[:])
}

// Move copies n metadata bytes from src to dst with memmove semantics.
func Move(dst, src Ptr, n uint64) {
	if n == 0 {
		return
	}
	buf := make([]byte, n)
	src.Read(buf)
	dst.Write(buf)
}

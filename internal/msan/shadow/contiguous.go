// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shadow

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Violation describes the first page boundary where metadata of a range
// stops being contiguous.
type Violation struct {
	Addr, Size uint64

	// Page0 and Page1 are the page addresses on both sides of the boundary.
	Page0, Page1 uint64

	Shadow0, Shadow1 Ptr
	Origin0, Origin1 Ptr

	// Untracked is set when a page without metadata follows tracked pages
	// or the other way round.
	Untracked bool
}

// Fields returns the violation as structured log fields.
func (v *Violation) Fields() logrus.Fields {
	return logrus.Fields{
		"addr":    fmt.Sprintf("%#x", v.Addr),
		"size":    v.Size,
		"page0":   fmt.Sprintf("%#x", v.Page0),
		"page1":   fmt.Sprintf("%#x", v.Page1),
		"shadow0": v.Shadow0.String(),
		"shadow1": v.Shadow1.String(),
		"origin0": v.Origin0.String(),
		"origin1": v.Origin1.String(),
	}
}

func (v *Violation) Error() string {
	if v.Untracked {
		return fmt.Sprintf("region [%#x, +%d) mixes tracked and untracked pages at %#x", v.Addr, v.Size, v.Page1)
	}
	return fmt.Sprintf("metadata of [%#x, +%d) is not contiguous at %#x", v.Addr, v.Size, v.Page1)
}

// IsContiguous reports whether [addr, addr+size) has contiguous metadata or
// no metadata at all. Ranges within one page are always contiguous.
// The first violation is logged at Error level.
func (s *Space) IsContiguous(addr, size uint64) bool {
	v := s.CheckContiguous(addr, size)
	if v == nil {
		return true
	}
	s.log.WithFields(v.Fields()).Error(v.Error())
	return false
}

// CheckContiguous is IsContiguous without logging. It returns the first
// violation or nil.
func (s *Space) CheckContiguous(addr, size uint64) *Violation {
	if size == 0 {
		return nil
	}
	mask := s.pageSize - 1
	first := addr &^ mask
	last := (addr + size - 1) &^ mask
	if first == last {
		return nil
	}

	curShadow := s.Locate(first, false)
	curOrigin := s.Locate(first, true)
	untracked := curShadow.IsNil()

	for cur, next := first, first+s.pageSize; next <= last; cur, next = next, next+s.pageSize {
		nextShadow := s.Locate(next, false)
		nextOrigin := s.Locate(next, true)

		v := &Violation{
			Addr: addr, Size: size,
			Page0: cur, Page1: next,
			Shadow0: curShadow, Shadow1: nextShadow,
			Origin0: curOrigin, Origin1: nextOrigin,
		}
		if untracked {
			if !nextShadow.IsNil() || !nextOrigin.IsNil() {
				v.Untracked = true
				return v
			}
		} else {
			if nextShadow.IsNil() {
				v.Untracked = true
				return v
			}
			if !nextShadow.Follows(curShadow, s.pageSize) || !nextOrigin.Follows(curOrigin, s.pageSize) {
				return v
			}
		}
		curShadow, curOrigin = nextShadow, nextOrigin
	}
	return nil
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package detector implements the shadow/origin metadata engine.
//
// # Architecture
//
// The Detector ties together:
//
//  1. shadow.Space: address to metadata lookup
//  2. origin.Chainer: origin creation and chaining over a stack depot
//  3. Reporter: delivery and suppression of reports
//
// and implements the primitives subsystem hooks are built from:
//
//   - PoisonMemory / UnpoisonMemory: mark a region uninitialized/initialized
//   - MoveMetadata: propagate shadow and origin through memmove/memcpy
//   - CheckMemory: scan a region and report uninitialized runs
//   - MetadataForLoad / MetadataForStore: metadata of one instrumented access
//   - SaveStack / ChainOrigin: origin creation
//
// # Checked and Unchecked Operations
//
// A checked poison or unpoison asserts that the region is tracked. If the
// region straddles tracked and untracked pages, has non-contiguous metadata,
// or has no metadata at all, the engine panics with a *FatalError. The
// unchecked variants do nothing in those cases.
//
// # Origins of Unaligned Ranges
//
// Origin slots cover 4 aligned bytes. Poisoning or unpoisoning an unaligned
// range writes every slot the range touches, so origins of up to 3 bytes
// on each side of the range are overwritten too.
//
// # Reentrancy
//
// The primitives do not check whether the engine is ready or already
// running on the current context; that is the job of the public hooks.
// Reports are always produced inside an EnterRuntime section of the
// reporting context.
//
// # Thread Safety
//
// A Detector is safe for concurrent use by different contexts. Metadata of
// memory accessed concurrently without synchronization is as undefined as
// the memory itself.
package detector

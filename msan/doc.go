// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msan provides a Pure-Go uninitialized memory detector for a
// simulated kernel address space.
//
// Every byte of tracked memory has a shadow byte, where a set bit means
// the corresponding data bit is uninitialized, and every 4-byte aligned
// slot has a 4-byte origin naming the stack that created the value. When
// uninitialized bytes reach a check, such as a copy to user space, a
// report shows where the value was created and every place it was copied
// through on the way.
//
// # Quick Start
//
//	package main
//
//	import "github.com/kolkov/uninitdetector/msan"
//
//	func main() {
//		msan.Init()
//		defer msan.Fini()
//
//		buf, _ := msan.Kmalloc(64, msan.GFPKernel)
//		msan.Memset(buf, 32)
//		msan.CopyToUser(0x401000, buf, 64, 0) // reports bytes 32-63
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [InitWithOptions], [Fini]
//   - Simulated allocators: [Kmalloc], [AllocPages], [Vmalloc]
//   - Metadata updates: [Poison], [Unpoison], [Store], [Memcpy], [Memset]
//   - Checks: [Check], [Load], [CopyToUser], [Warning]
//   - Execution contexts: [GoExit], [EnterInterrupt], [ExitInterrupt]
//   - Version information: [GetInfo], [Version]
//
// # Address Space
//
// Addresses are plain uint64 values in a simulated layout (see
// [DefaultConfig]). Only the direct map, the vmalloc and module areas and
// the per-CPU entry areas carry metadata. Addresses below the user/kernel
// split are user memory and are never tracked; copies to them are checked
// instead.
//
// Physical pages get their metadata when allocated, so two separate page
// allocations never share a contiguous metadata range even when their
// addresses are adjacent. Vmalloc mappings alias the metadata of the pages
// behind them.
//
// # Contexts
//
// Each goroutine that calls the package runs as its own task. A goroutine
// may enter an interrupt context of a CPU with [EnterInterrupt]; until the
// matching [ExitInterrupt] it uses that CPU's per-level state instead, and
// no other goroutine may run an interrupt on that CPU.
//
// # Examples
//
// See package-level examples in the documentation:
//   - [Example] - Allocation, initialization and checking
//   - [Example_sink] - Collecting reports in code
//   - [Example_copyToUser] - Catching an infoleak
package msan

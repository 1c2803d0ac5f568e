// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shadowops propagates shadow and origin through arithmetic on
// values, the way instrumented code does between a load and a store.
//
// A set bit in Value.S marks the matching bit of Value.V as uninitialized.
// Operations follow the usual bit-exact rules: a result bit is poisoned
// only if some poisoned input bit can change it. When both operands are
// poisoned, the result takes the origin of the second operand.
package shadowops

import "github.com/kolkov/uninitdetector/internal/msan/origin"

// Value is a value with its shadow and origin.
type Value struct {
	V uint64
	S uint64
	O origin.Handle
}

// Init returns a fully initialized value.
func Init(v uint64) Value {
	return Value{V: v}
}

// Uninit returns a value whose bits selected by mask are uninitialized.
func Uninit(v, mask uint64, o origin.Handle) Value {
	return Value{V: v, S: mask, O: o}
}

// Poisoned reports whether any bit of x is uninitialized.
func (x Value) Poisoned() bool {
	return x.S != 0
}

// pick chooses the origin for a result with shadow s.
func pick(s uint64, a, b Value) origin.Handle {
	switch {
	case s == 0:
		return 0
	case b.S != 0 && b.O != 0:
		return b.O
	case a.S != 0:
		return a.O
	}
	return b.O
}

// Or returns a|b. An initialized 1 bit in either operand forces the result
// bit to a known value.
func Or(a, b Value) Value {
	s := (a.S & b.S) | (^a.V & b.S) | (a.S & ^b.V)
	return Value{V: a.V | b.V, S: s, O: pick(s, a, b)}
}

// And returns a&b. An initialized 0 bit in either operand forces the
// result bit to a known value.
func And(a, b Value) Value {
	s := (a.S & b.S) | (a.V & b.S) | (a.S & b.V)
	return Value{V: a.V & b.V, S: s, O: pick(s, a, b)}
}

// Xor returns a^b.
func Xor(a, b Value) Value {
	s := a.S | b.S
	return Value{V: a.V ^ b.V, S: s, O: pick(s, a, b)}
}

// Add returns a+b. Carries are not tracked: the result is poisoned where
// either operand is.
func Add(a, b Value) Value {
	s := a.S | b.S
	return Value{V: a.V + b.V, S: s, O: pick(s, a, b)}
}

// Not returns ^a.
func Not(a Value) Value {
	return Value{V: ^a.V, S: a.S, O: a.O}
}

// Shl returns a<<n. A poisoned shift count poisons the whole result.
func Shl(a, n Value) Value {
	if n.S != 0 {
		return Value{V: a.V << (n.V & 63), S: ^uint64(0), O: n.O}
	}
	return shifted(a, a.V<<(n.V&63), a.S<<(n.V&63))
}

// Shr returns a>>n (logical). A poisoned shift count poisons the whole
// result.
func Shr(a, n Value) Value {
	if n.S != 0 {
		return Value{V: a.V >> (n.V & 63), S: ^uint64(0), O: n.O}
	}
	return shifted(a, a.V>>(n.V&63), a.S>>(n.V&63))
}

func shifted(a Value, v, s uint64) Value {
	if s == 0 {
		return Value{V: v}
	}
	return Value{V: v, S: s, O: a.O}
}

// Eq returns a == b as 0 or 1. The result is initialized whenever the
// operands differ in a bit that is initialized in both, since no
// assignment of the poisoned bits can make them equal.
func Eq(a, b Value) Value {
	var v uint64
	if a.V == b.V {
		v = 1
	}
	poisoned := a.S | b.S
	if poisoned == 0 || (a.V^b.V)&^poisoned != 0 {
		return Value{V: v}
	}
	return Value{V: v, S: 1, O: pick(1, a, b)}
}

// Select returns a if c is nonzero and b otherwise. A poisoned condition
// poisons every bit where the candidates may differ.
func Select(c, a, b Value) Value {
	if c.S != 0 {
		s := a.S | b.S | (a.V ^ b.V)
		if s == 0 {
			return Value{V: a.V}
		}
		return Value{V: choose(c.V, a.V, b.V), S: s, O: c.O}
	}
	if c.V != 0 {
		return a
	}
	return b
}

func choose(c, a, b uint64) uint64 {
	if c != 0 {
		return a
	}
	return b
}

// Trunc keeps the low bits bytes of x.
func Trunc(x Value, bytes int) Value {
	if bytes >= 8 {
		return x
	}
	mask := uint64(1)<<(8*bytes) - 1
	s := x.S & mask
	if s == 0 {
		return Value{V: x.V & mask}
	}
	return Value{V: x.V & mask, S: s, O: x.O}
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package taskctx holds the per-task and per-CPU metadata-passing contexts.
//
// Instrumented code passes the shadow and origin of function parameters
// and return values through the scratch areas of the current Context.
// Ordinary task code uses its Task's context; interrupt code uses one of
// MaxNesting contexts of its CPU, selected by the interrupt nesting level.
//
// A Context also carries the reentrancy guard of the engine: while it is
// in runtime, public entry points do nothing.
//
//	tok := ctx.EnterRuntime()
//	defer tok.Leave()
//
// Thread Safety: a Context belongs to one task or one CPU and must only be
// used by it. While a CPU is in interrupt context it is owned by the caller
// that entered it; entry and exit by anyone else fail with a NestingError.
package taskctx

import (
	"fmt"
	"sync"
)

const (
	// ParamSize is the size of each parameter scratch area in bytes.
	ParamSize = 800

	// MaxNesting is the number of interrupt contexts per CPU: hardware
	// interrupts, softirqs and NMIs.
	MaxNesting = 3
)

// State is the metadata-passing area of a context.
type State struct {
	Param             [ParamSize]byte
	Retval            [ParamSize]byte
	VaArg             [ParamSize]byte
	VaArgOrigin       [ParamSize]byte
	VaArgOverflowSize uint64
	ParamOrigin       [ParamSize / 4]uint32
	RetvalOrigin      uint32
}

// Context is one execution context of the engine.
type Context struct {
	State State

	name           string
	inRuntime      int
	allowReporting bool
}

// Name identifies the context in diagnostics ("task 12", "cpu1/irq0").
func (c *Context) Name() string {
	return c.name
}

// InRuntime reports whether the engine is executing on behalf of c.
func (c *Context) InRuntime() bool {
	return c.inRuntime > 0
}

// AllowReporting reports whether reports for c are delivered.
func (c *Context) AllowReporting() bool {
	return c.allowReporting
}

// SetAllowReporting enables or disables reports for c.
func (c *Context) SetAllowReporting(allow bool) {
	c.allowReporting = allow
}

// ResetState zeroes the metadata-passing area. Instrumented functions do
// this on entry when they cannot trust their caller's parameter metadata.
func (c *Context) ResetState() {
	c.State = State{}
}

// EnterRuntime marks c as executing engine code. The returned Token must
// be released exactly once, normally with defer.
func (c *Context) EnterRuntime() Token {
	c.inRuntime++
	return Token{ctx: c}
}

// Token is an acquired reentrancy guard.
type Token struct {
	ctx *Context
}

// Leave releases the guard. Releasing a zero Token is a no-op.
func (t Token) Leave() {
	if t.ctx == nil {
		return
	}
	if t.ctx.inRuntime <= 0 {
		panic(fmt.Sprintf("taskctx: unbalanced Leave on %s", t.ctx.name))
	}
	t.ctx.inRuntime--
}

// Task is a schedulable entity with its own context.
type Task struct {
	ID   int
	Name string

	ctx Context
}

// NewTask returns a task whose context is created and allows reporting.
func NewTask(id int, name string) *Task {
	t := &Task{ID: id, Name: name}
	t.Create()
	return t
}

// Context returns the task's context.
func (t *Task) Context() *Context {
	return &t.ctx
}

// Create zeroes the task context and enables reporting.
func (t *Task) Create() {
	t.ctx = Context{
		name:           fmt.Sprintf("task %d", t.ID),
		allowReporting: true,
	}
}

// Exit disables reporting for the task unless the engine is running on its
// behalf. The context itself stays in place.
func (t *Task) Exit() {
	if t.ctx.InRuntime() {
		return
	}
	t.ctx.allowReporting = false
}

// CPU holds the interrupt contexts of one processor.
//
// The first EnterInterrupt on an idle CPU makes the caller its owner until
// the matching ExitInterrupt brings the CPU back to task context. Owners are
// identified by an opaque ID, normally a goroutine ID.
type CPU struct {
	ID int

	mu      sync.Mutex
	nesting int
	owner   int64
	irq     [MaxNesting]Context
}

// NewCPU returns a CPU in task context.
func NewCPU(id int) *CPU {
	c := &CPU{ID: id}
	for i := range c.irq {
		c.irq[i] = Context{
			name:           fmt.Sprintf("cpu%d/irq%d", id, i),
			allowReporting: true,
		}
	}
	return c
}

// NestingError is returned when interrupts nest too deep, are unbalanced
// or are entered by a caller that does not own the CPU.
type NestingError struct {
	CPU     int
	Nesting int
	Op      string
}

func (e *NestingError) Error() string {
	return fmt.Sprintf("cpu%d: %s at interrupt nesting level %d", e.CPU, e.Op, e.Nesting)
}

// EnterInterrupt switches the CPU into the next interrupt level on behalf
// of owner and returns the context for it. The context's metadata-passing
// area is cleared.
func (c *CPU) EnterInterrupt(owner int64) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nesting > 0 && c.owner != owner {
		return nil, &NestingError{CPU: c.ID, Nesting: c.nesting, Op: "enter by non-owner"}
	}
	if c.nesting >= MaxNesting {
		return nil, &NestingError{CPU: c.ID, Nesting: c.nesting, Op: "enter"}
	}
	ctx := &c.irq[c.nesting]
	c.nesting++
	c.owner = owner
	ctx.ResetState()
	return ctx, nil
}

// ExitInterrupt leaves the innermost interrupt level entered by owner. It
// reports whether the CPU is back in task context.
func (c *CPU) ExitInterrupt(owner int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nesting == 0 {
		return false, &NestingError{CPU: c.ID, Nesting: 0, Op: "exit"}
	}
	if c.owner != owner {
		return false, &NestingError{CPU: c.ID, Nesting: c.nesting, Op: "exit by non-owner"}
	}
	c.nesting--
	if c.nesting == 0 {
		c.owner = 0
	}
	return c.nesting == 0, nil
}

// Nesting returns the current interrupt nesting level; 0 is task context.
func (c *CPU) Nesting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nesting
}

// InInterrupt reports whether the CPU is handling an interrupt.
func (c *CPU) InInterrupt() bool {
	return c.Nesting() > 0
}

// Current returns the context in effect for owner running task on cpu: the
// innermost interrupt context if owner holds the CPU, else the task's. cpu
// may be nil for code that never runs in interrupt context.
func Current(task *Task, cpu *CPU, owner int64) *Context {
	if cpu != nil {
		cpu.mu.Lock()
		defer cpu.mu.Unlock()
		if cpu.nesting > 0 && cpu.owner == owner {
			return &cpu.irq[cpu.nesting-1]
		}
	}
	return task.Context()
}

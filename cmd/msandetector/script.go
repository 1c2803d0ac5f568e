// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/api"
	"github.com/kolkov/uninitdetector/internal/msan/config"
	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/msan"
)

// Script is a replayable sequence of detector operations:
//
//	format = "v1"
//
//	[config]
//	phys_pages = 1024
//
//	[[op]]
//	op = "kmalloc"
//	name = "buf"
//	size = 64
//
//	[[op]]
//	op = "memset"
//	addr = "buf"
//	size = 32
//
//	[[op]]
//	op = "copy_to_user"
//	to = "0x401000"
//	addr = "buf"
//	size = 64
//	expect = 1
//
// Addresses are numbers, names bound by an earlier allocation, or a name
// plus an offset ("buf+8").
type Script struct {
	Format string        `toml:"format"`
	Config config.Config `toml:"config"`
	Ops    []Op          `toml:"op"`
}

// Op is one scripted operation. Which fields are used depends on Op.
type Op struct {
	Op string `toml:"op"`

	// Name binds the address returned by an allocation.
	Name string `toml:"name"`

	Addr string `toml:"addr"`
	Src  string `toml:"src"`
	To   string `toml:"to"`

	Size  uint64   `toml:"size"`
	Order int      `toml:"order"`
	Left  uint64   `toml:"left"`
	GFP   []string `toml:"gfp"`
	CPU   int      `toml:"cpu"`

	// Shadow is the shadow of a store, as a number string.
	Shadow string `toml:"shadow"`

	// Expect is the number of reports the operation must produce.
	Expect *int `toml:"expect"`

	// ExpectShadow is the shadow a load must return.
	ExpectShadow string `toml:"expect_shadow"`
}

// ScriptError represents a failed script operation with context.
//
// Example output:
//
//	op 3 (check): got 0 report(s), want 1
//
//	Suggestion: Check that the range was poisoned by an earlier operation
type ScriptError struct {
	Op         string // Operation name
	Index      int    // Operation index (0-based), -1 for the script itself
	Message    string // Error message
	Suggestion string // Optional suggestion for fixing (empty if none)
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	var result string
	if e.Index < 0 {
		result = e.Message
	} else {
		result = fmt.Sprintf("op %d (%s): %s", e.Index, e.Op, e.Message)
	}
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// ParseScript decodes a script from TOML text. Layout settings in the
// [config] table are applied on top of config.Default().
func ParseScript(data string) (*Script, error) {
	s := &Script{Config: config.Default()}
	md, err := toml.Decode(data, s)
	if err != nil {
		return nil, &ScriptError{Index: -1, Message: fmt.Sprintf("decoding script: %v", err)}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, &ScriptError{
			Index:      -1,
			Message:    fmt.Sprintf("unknown keys: %s", strings.Join(keys, ", ")),
			Suggestion: "Check the spelling of the keys against the op reference in the replay usage text",
		}
	}
	if err := config.CheckFormat(s.Format); err != nil {
		return nil, &ScriptError{Index: -1, Message: err.Error(), Suggestion: fmt.Sprintf("Set format = %q", config.FormatVersion)}
	}
	if err := s.Config.Validate(); err != nil {
		return nil, &ScriptError{Index: -1, Message: err.Error()}
	}
	for i, op := range s.Ops {
		if _, ok := opTable[op.Op]; !ok {
			return nil, &ScriptError{Op: op.Op, Index: i, Message: "unknown operation", Suggestion: "Valid operations: " + strings.Join(opNames(), ", ")}
		}
	}
	return s, nil
}

// LoadScript reads and decodes a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// replayer runs a script against the global runtime.
type replayer struct {
	out  io.Writer
	log  logrus.FieldLogger
	vars map[string]uint64

	// reports counts delivered reports.
	reports int
}

// opFunc executes one operation.
type opFunc func(r *replayer, op *Op) error

var opTable = map[string]opFunc{
	"kmalloc":      (*replayer).kmalloc,
	"kfree":        (*replayer).kfree,
	"alloc_pages":  (*replayer).allocPages,
	"free_pages":   (*replayer).freePages,
	"vmalloc":      (*replayer).vmalloc,
	"vfree":        (*replayer).vfree,
	"poison":       (*replayer).poison,
	"unpoison":     (*replayer).unpoison,
	"store":        (*replayer).store,
	"load":         (*replayer).load,
	"memcpy":       (*replayer).memcpy,
	"memmove":      (*replayer).memmove,
	"memset":       (*replayer).memset,
	"check":        (*replayer).check,
	"copy_to_user": (*replayer).copyToUser,
	"irq_enter":    (*replayer).irqEnter,
	"irq_exit":     (*replayer).irqExit,
}

func opNames() []string {
	names := make([]string, 0, len(opTable))
	for n := range opTable {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Replay runs s on a fresh runtime, writing reports and the summary to out.
// It stops at the first failing operation.
func Replay(s *Script, out io.Writer, log *logrus.Logger) (msan.Stats, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	r := &replayer{out: out, log: log, vars: make(map[string]uint64)}
	sink := detector.WriterSink(out)
	err := api.Init(api.Options{
		Config: s.Config,
		Output: out,
		Log:    log,
		Sink: detector.SinkFunc(func(rep *detector.Report) {
			r.reports++
			sink.Emit(rep)
		}),
	})
	if err != nil {
		return msan.Stats{}, err
	}

	runErr := r.run(s)
	st, err := api.Fini()
	if runErr != nil {
		return st, runErr
	}
	return st, err
}

func (r *replayer) run(s *Script) error {
	for i := range s.Ops {
		op := &s.Ops[i]
		before := r.reports
		if err := r.exec(op); err != nil {
			var se *ScriptError
			if errors.As(err, &se) {
				se.Op, se.Index = op.Op, i
				return se
			}
			return &ScriptError{Op: op.Op, Index: i, Message: err.Error()}
		}
		got := r.reports - before
		r.log.WithFields(logrus.Fields{"index": i, "op": op.Op, "reports": got}).Debug("replayed")
		if op.Expect != nil && got != *op.Expect {
			return &ScriptError{
				Op:         op.Op,
				Index:      i,
				Message:    fmt.Sprintf("got %d report(s), want %d", got, *op.Expect),
				Suggestion: "Check which earlier operations poison or initialize the range",
			}
		}
	}
	return nil
}

// exec runs op, turning fatal engine errors into script errors.
func (r *replayer) exec(op *Op) (err error) {
	defer func() {
		if p := recover(); p != nil {
			var fe *detector.FatalError
			if e, ok := p.(error); ok && errors.As(e, &fe) {
				err = &ScriptError{
					Message:    fe.Error(),
					Suggestion: "Ranges spanning separate page allocations have no contiguous metadata; split the operation at the page boundary",
				}
				return
			}
			panic(p)
		}
	}()
	return opTable[op.Op](r, op)
}

// addr resolves an address expression.
func (r *replayer) addr(expr string) (uint64, error) {
	if expr == "" {
		return 0, &ScriptError{Message: "missing address"}
	}
	base, off, hasOff := strings.Cut(expr, "+")
	base = strings.TrimSpace(base)
	var v uint64
	if n, err := strconv.ParseUint(base, 0, 64); err == nil {
		v = n
	} else if bound, ok := r.vars[base]; ok {
		v = bound
	} else {
		return 0, &ScriptError{Message: fmt.Sprintf("unknown address %q", base), Suggestion: "Bind it with name = \"" + base + "\" on an earlier allocation"}
	}
	if hasOff {
		n, err := strconv.ParseUint(strings.TrimSpace(off), 0, 64)
		if err != nil {
			return 0, &ScriptError{Message: fmt.Sprintf("bad offset in %q", expr)}
		}
		v += n
	}
	return v, nil
}

func parseGFP(names []string) (detector.GFP, error) {
	if len(names) == 0 {
		return detector.GFPKernel, nil
	}
	var gfp detector.GFP
	for _, n := range names {
		switch n {
		case "kernel":
			gfp |= detector.GFPKernel
		case "atomic":
			gfp |= detector.GFPAtomic
		case "zero":
			gfp |= detector.GFPZero
		default:
			return 0, &ScriptError{Message: fmt.Sprintf("unknown gfp flag %q", n), Suggestion: "Use kernel, atomic or zero"}
		}
	}
	return gfp, nil
}

func (r *replayer) bind(op *Op, addr uint64) {
	if op.Name != "" {
		r.vars[op.Name] = addr
	}
	fmt.Fprintf(r.out, "%s: %s = %#016x\n", op.Op, nameOr(op.Name), addr)
}

func nameOr(name string) string {
	if name == "" {
		return "_"
	}
	return name
}

func (r *replayer) alloc(op *Op, fn func(gfp detector.GFP) (uint64, error)) error {
	gfp, err := parseGFP(op.GFP)
	if err != nil {
		return err
	}
	a, err := fn(gfp)
	if err != nil {
		return err
	}
	r.bind(op, a)
	return nil
}

func (r *replayer) free(op *Op, fn func(uint64) error) error {
	a, err := r.addr(op.Addr)
	if err != nil {
		return err
	}
	return fn(a)
}

func (r *replayer) kmalloc(op *Op) error {
	return r.alloc(op, func(gfp detector.GFP) (uint64, error) { return api.Kmalloc(op.Size, gfp) })
}

func (r *replayer) kfree(op *Op) error { return r.free(op, api.Kfree) }

func (r *replayer) allocPages(op *Op) error {
	return r.alloc(op, func(gfp detector.GFP) (uint64, error) { return api.AllocPages(op.Order, gfp) })
}

func (r *replayer) freePages(op *Op) error { return r.free(op, api.FreePages) }

func (r *replayer) vmalloc(op *Op) error {
	return r.alloc(op, func(gfp detector.GFP) (uint64, error) { return api.Vmalloc(op.Size, gfp) })
}

func (r *replayer) vfree(op *Op) error { return r.free(op, api.Vfree) }

// ranged runs fn on the op's address and size.
func (r *replayer) ranged(op *Op, fn func(addr, size uint64)) error {
	a, err := r.addr(op.Addr)
	if err != nil {
		return err
	}
	fn(a, op.Size)
	return nil
}

func (r *replayer) poison(op *Op) error   { return r.ranged(op, api.Poison) }
func (r *replayer) unpoison(op *Op) error { return r.ranged(op, api.Unpoison) }
func (r *replayer) memset(op *Op) error   { return r.ranged(op, api.Memset) }

func (r *replayer) check(op *Op) error {
	return r.ranged(op, func(addr, size uint64) { api.Check(addr, size) })
}

func accessSize(size uint64) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return &ScriptError{Message: fmt.Sprintf("access size %d", size), Suggestion: "Loads and stores are 1, 2, 4 or 8 bytes"}
}

func (r *replayer) store(op *Op) error {
	a, err := r.addr(op.Addr)
	if err != nil {
		return err
	}
	if err := accessSize(op.Size); err != nil {
		return err
	}
	var s uint64
	if op.Shadow != "" {
		if s, err = strconv.ParseUint(op.Shadow, 0, 64); err != nil {
			return &ScriptError{Message: fmt.Sprintf("bad shadow %q", op.Shadow)}
		}
	}
	// The stored value's origin comes from where it was loaded.
	var o msan.Origin
	if op.Src != "" {
		src, err := r.addr(op.Src)
		if err != nil {
			return err
		}
		_, o = api.Load(src, op.Size)
		o = api.Detector().ChainOrigin(o)
	}
	api.Store(a, op.Size, s, o)
	return nil
}

func (r *replayer) load(op *Op) error {
	a, err := r.addr(op.Addr)
	if err != nil {
		return err
	}
	if err := accessSize(op.Size); err != nil {
		return err
	}
	s, o := api.Load(a, op.Size)
	fmt.Fprintf(r.out, "load: shadow %#x origin %#08x\n", s, uint32(o))
	if op.ExpectShadow == "" {
		return nil
	}
	want, err := strconv.ParseUint(op.ExpectShadow, 0, 64)
	if err != nil {
		return &ScriptError{Message: fmt.Sprintf("bad expect_shadow %q", op.ExpectShadow)}
	}
	if s != want {
		return &ScriptError{Message: fmt.Sprintf("shadow %#x, want %#x", s, want)}
	}
	return nil
}

// moved runs fn on the op's destination, source and size.
func (r *replayer) moved(op *Op, fn func(dst, src, n uint64)) error {
	dst, err := r.addr(op.Addr)
	if err != nil {
		return err
	}
	src, err := r.addr(op.Src)
	if err != nil {
		return err
	}
	fn(dst, src, op.Size)
	return nil
}

func (r *replayer) memcpy(op *Op) error  { return r.moved(op, api.Memcpy) }
func (r *replayer) memmove(op *Op) error { return r.moved(op, api.Memmove) }

func (r *replayer) copyToUser(op *Op) error {
	to, err := r.addr(op.To)
	if err != nil {
		return err
	}
	from, err := r.addr(op.Addr)
	if err != nil {
		return err
	}
	if op.Left > op.Size {
		return &ScriptError{Message: fmt.Sprintf("left %d exceeds size %d", op.Left, op.Size)}
	}
	api.CopyToUser(to, from, op.Size, op.Left)
	return nil
}

func (r *replayer) irqEnter(op *Op) error {
	if op.CPU < 0 || op.CPU >= api.Detector().Config().NumCPUs {
		return &ScriptError{Message: fmt.Sprintf("no CPU %d", op.CPU)}
	}
	return catchNesting(func() { api.EnterInterrupt(op.CPU) })
}

func (r *replayer) irqExit(op *Op) error {
	if op.CPU < 0 || op.CPU >= api.Detector().Config().NumCPUs {
		return &ScriptError{Message: fmt.Sprintf("no CPU %d", op.CPU)}
	}
	return catchNesting(func() { api.ExitInterrupt(op.CPU) })
}

// catchNesting converts an interrupt nesting panic into an error.
func catchNesting(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e, ok := p.(error)
			if !ok {
				panic(p)
			}
			err = &ScriptError{Message: e.Error(), Suggestion: "Balance every irq_enter with an irq_exit on the same CPU"}
		}
	}()
	fn()
	return nil
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/uninitdetector/internal/msan/api"
	"github.com/kolkov/uninitdetector/internal/msan/config"
	"github.com/kolkov/uninitdetector/internal/msan/detector"
	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/shadowops"
	"github.com/kolkov/uninitdetector/msan"
)

// selftestCmd implements subcommands.Command for the "selftest" command.
type selftestCmd struct {
	run string
}

// Name implements subcommands.Command.
func (*selftestCmd) Name() string { return "selftest" }

// Synopsis implements subcommands.Command.
func (*selftestCmd) Synopsis() string { return "check the detector's core properties" }

// Usage implements subcommands.Command.
func (*selftestCmd) Usage() string {
	return `selftest [-run substring]

Runs built-in scenarios against a fresh runtime each and prints one
PASS or FAIL line per scenario.
`
}

// SetFlags implements subcommands.Command.
func (s *selftestCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.run, "run", "", "only run scenarios whose name contains this substring")
}

// Execute implements subcommands.Command.Execute.
func (s *selftestCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, log, err := globalsFrom(args).load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if failed := runSelftest(os.Stdout, cfg, log, s.run); failed > 0 {
		fmt.Printf("FAIL: %d scenario(s)\n", failed)
		return subcommands.ExitFailure
	}
	fmt.Println("ok")
	return subcommands.ExitSuccess
}

// scenario is one self-check. It runs against a freshly initialized
// runtime whose reports are collected in h.
type scenario struct {
	name string
	run  func(h *harness) error
}

// harness collects reports for a scenario.
type harness struct {
	mu      sync.Mutex
	reports []*detector.Report
}

func (h *harness) emit(r *detector.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
}

// take returns and clears the collected reports.
func (h *harness) take() []*detector.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.reports
	h.reports = nil
	return r
}

var scenarios = []scenario{
	{"poison-roundtrip", poisonRoundtrip},
	{"or-propagation", orPropagation},
	{"slot-sharing", slotSharing},
	{"chain-depth", chainDepth},
	{"contiguity-boundary", contiguityBoundary},
	{"report-coalescing", reportCoalescing},
	{"untracked-boundary", untrackedBoundary},
	{"move-chains-origin", moveChainsOrigin},
	{"concurrent-tasks", concurrentTasks},
}

// runSelftest runs every scenario whose name contains filter and returns
// the number that failed.
func runSelftest(w io.Writer, cfg config.Config, log *logrus.Logger, filter string) int {
	failed := 0
	for _, sc := range scenarios {
		if !strings.Contains(sc.name, filter) {
			continue
		}
		if err := runScenario(cfg, log, sc); err != nil {
			failed++
			fmt.Fprintf(w, "FAIL  %s: %v\n", sc.name, err)
			continue
		}
		fmt.Fprintf(w, "PASS  %s\n", sc.name)
	}
	return failed
}

func runScenario(cfg config.Config, log *logrus.Logger, sc scenario) (err error) {
	h := &harness{}
	if err := api.Init(api.Options{
		Config: cfg,
		Output: io.Discard,
		Log:    log,
		Sink:   detector.SinkFunc(h.emit),
	}); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		_, _ = api.Fini()
	}()
	return sc.run(h)
}

// expectRuns checks that reports cover exactly the given inclusive offset
// ranges, in order.
func expectRuns(reports []*detector.Report, runs ...[2]uint64) error {
	if len(reports) != len(runs) {
		return fmt.Errorf("got %d report(s), want %d", len(reports), len(runs))
	}
	for i, r := range reports {
		if r.OffFirst != runs[i][0] || r.OffLast != runs[i][1] {
			return fmt.Errorf("report %d covers bytes %d-%d, want %d-%d", i, r.OffFirst, r.OffLast, runs[i][0], runs[i][1])
		}
	}
	return nil
}

// catchFatal runs fn and returns the fatal error it raised, if any.
func catchFatal(fn func()) (fe *detector.FatalError) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok || !errors.As(err, &fe) {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

func poisonRoundtrip(h *harness) error {
	buf, err := msan.Kmalloc(48, msan.GFPZero)
	if err != nil {
		return err
	}
	msan.Poison(buf, 48)
	msan.Check(buf, 48)
	reps := h.take()
	if err := expectRuns(reps, [2]uint64{0, 47}); err != nil {
		return err
	}
	if reps[0].Origin == 0 {
		return errors.New("poisoned run has no origin")
	}
	msan.Unpoison(buf, 48)
	if n := msan.Check(buf, 48); n != 0 {
		return fmt.Errorf("%d run(s) after unpoison", n)
	}
	return msan.Kfree(buf)
}

func orPropagation(*harness) error {
	a := shadowops.Init(0xff)
	b := shadowops.Uninit(0x12345678, 0xffffffff, 1)
	if c := shadowops.Or(a, b); c.S != 0xffffff00 {
		return fmt.Errorf("shadow(a|b) = %#x, want 0xffffff00", c.S)
	}
	return nil
}

func slotSharing(*harness) error {
	buf, err := msan.Kmalloc(16, msan.GFPZero)
	if err != nil {
		return err
	}
	msan.Poison(buf+8, 2)
	_, first := msan.Load(buf+8, 2)
	msan.Poison(buf+12, 2)
	_, second := msan.Load(buf+12, 2)

	msan.Store(buf, 2, 0, 0)
	msan.Store(buf+2, 2, 0xffff, first)
	if s, o := msan.Load(buf, 4); s != 0xffff0000 || o != first {
		return fmt.Errorf("mixed slot: shadow %#x origin %#x, want 0xffff0000 and %#x", s, o, first)
	}

	msan.Store(buf, 2, 0xffff, first)
	msan.Store(buf+2, 2, 0xffff, second)
	if s, o := msan.Load(buf, 4); s != 0xffffffff || o != second {
		return fmt.Errorf("both halves: shadow %#x origin %#x, want 0xffffffff and %#x", s, o, second)
	}
	return msan.Kfree(buf)
}

func chainDepth(*harness) error {
	d := api.Detector()
	h := d.SaveStack(detector.GFPKernel, 0)
	for i := 0; i <= origin.MaxChainDepth; i++ {
		next := d.ChainOrigin(h)
		if depth := origin.DepthFromExtraBits(next.Extra()); depth > origin.MaxChainDepth {
			return fmt.Errorf("chain %d has depth %d", i, depth)
		}
		if i == origin.MaxChainDepth && next != h {
			return fmt.Errorf("overflow chain returned %#x, want its input %#x", next, h)
		}
		h = next
	}
	return nil
}

// adjacentPages allocates a tracked page followed directly by a page from
// second.
func adjacentPages(second func() (uint64, error)) (uint64, uint64, error) {
	a, err := msan.AllocPages(0, msan.GFPKernel)
	if err != nil {
		return 0, 0, err
	}
	b, err := second()
	if err != nil {
		return 0, 0, err
	}
	if ps := api.Detector().Config().PageSize; b != a+ps {
		return 0, 0, fmt.Errorf("pages %#x and %#x are not adjacent", a, b)
	}
	return a, b, nil
}

func contiguityBoundary(h *harness) error {
	_, b, err := adjacentPages(func() (uint64, error) { return msan.AllocPages(0, msan.GFPKernel) })
	if err != nil {
		return err
	}
	split := b - 8
	if api.Detector().IsContiguous(split, 16) {
		return errors.New("separate page allocations have contiguous metadata")
	}

	// Unchecked: the whole range is left alone.
	msan.Unpoison(split, 16)
	if n := msan.Check(split, 8); n != 1 {
		return fmt.Errorf("unchecked unpoison changed metadata: %d run(s)", n)
	}
	h.take()

	src, err := msan.Kmalloc(16, msan.GFPZero)
	if err != nil {
		return err
	}
	if fe := catchFatal(func() { msan.Memmove(split, src, 16) }); fe == nil {
		return errors.New("checked move over split metadata did not fail")
	}
	return nil
}

func reportCoalescing(h *harness) error {
	buf, err := msan.Kmalloc(8, msan.GFPZero)
	if err != nil {
		return err
	}
	msan.Poison(buf+2, 2)
	msan.Poison(buf+4, 1)
	msan.Check(buf, 6)
	reps := h.take()
	if err := expectRuns(reps, [2]uint64{2, 3}, [2]uint64{4, 4}); err != nil {
		return err
	}
	if reps[0].Origin == reps[1].Origin {
		return errors.New("runs share an origin")
	}
	return msan.Kfree(buf)
}

func untrackedBoundary(h *harness) error {
	_, b, err := adjacentPages(func() (uint64, error) { return api.Host().AllocPagesUntracked(0) })
	if err != nil {
		return err
	}
	msan.Check(b-4, 8)
	return expectRuns(h.take(), [2]uint64{0, 3})
}

func moveChainsOrigin(h *harness) error {
	src, err := msan.Kmalloc(32, msan.GFPKernel)
	if err != nil {
		return err
	}
	dst, err := msan.Kmalloc(32, msan.GFPZero)
	if err != nil {
		return err
	}
	msan.Memcpy(dst, src, 32)
	msan.Check(dst, 32)
	reps := h.take()
	if err := expectRuns(reps, [2]uint64{0, 31}); err != nil {
		return err
	}
	hist := reps[0].History
	if len(hist) != 2 || hist[0].Kind != origin.KindChain || hist[1].Kind != origin.KindLeaf {
		return fmt.Errorf("history of copied value has %d record(s)", len(hist))
	}
	return nil
}

func concurrentTasks(h *harness) error {
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			defer msan.GoExit()
			buf, err := msan.Vmalloc(3*4096, msan.GFPKernel)
			if err != nil {
				return err
			}
			msan.Memset(buf, 4096)
			if n := msan.Check(buf, 2*4096); n != 1 {
				return fmt.Errorf("%d run(s) in a half initialized buffer", n)
			}
			return msan.Vfree(buf)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := len(h.take()); n != 8 {
		return fmt.Errorf("got %d report(s), want 8", n)
	}
	st, err := msan.CurrentStats()
	if err != nil {
		return err
	}
	if st.LiveTasks != 1 {
		return fmt.Errorf("%d task(s) alive after exit, want 1", st.LiveTasks)
	}
	return nil
}

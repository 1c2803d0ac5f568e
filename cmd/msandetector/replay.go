// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// replayCmd implements subcommands.Command for the "replay" command.
type replayCmd struct {
	failOnReport bool
}

// Name implements subcommands.Command.
func (*replayCmd) Name() string { return "replay" }

// Synopsis implements subcommands.Command.
func (*replayCmd) Synopsis() string { return "run a scripted sequence of operations" }

// Usage implements subcommands.Command.
func (*replayCmd) Usage() string {
	return `replay [-fail-on-report] <script.toml>

Runs the operations of a script on a fresh runtime and prints every report.
The script's [config] table overrides the layout; -config is ignored.

Operations:
    kmalloc, vmalloc        size, gfp, name
    alloc_pages             order, gfp, name
    kfree, vfree, free_pages addr
    poison, unpoison        addr, size
    memset, check           addr, size
    memcpy, memmove         addr (destination), src, size
    store                   addr, size, shadow, src (origin source)
    load                    addr, size, expect_shadow
    copy_to_user            to, addr, size, left
    irq_enter, irq_exit     cpu

Every operation accepts expect, the number of reports it must produce.
`
}

// SetFlags implements subcommands.Command.
func (r *replayCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.failOnReport, "fail-on-report", false, "exit with failure if any report was delivered")
}

// Execute implements subcommands.Command.Execute.
func (r *replayCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	script, err := LoadScript(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	log := globalsFrom(args).logger(script.Config)

	st, err := Replay(script, os.Stdout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", f.Arg(0), err)
		return subcommands.ExitFailure
	}
	if r.failOnReport && st.Reports > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/kolkov/uninitdetector/internal/msan/config"
)

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct{}

// Name implements subcommands.Command.
func (*layoutCmd) Name() string { return "layout" }

// Synopsis implements subcommands.Command.
func (*layoutCmd) Synopsis() string { return "print the resolved address-space layout" }

// Usage implements subcommands.Command.
func (*layoutCmd) Usage() string {
	return `layout

Prints every region of the simulated address space and how its metadata
is stored.
`
}

// SetFlags implements subcommands.Command.
func (*layoutCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*layoutCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, _, err := globalsFrom(args).load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := writeLayout(os.Stdout, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// region is one row of the layout table.
type region struct {
	Name       string
	Start, End uint64
	Metadata   string
}

// regions lists the regions of cfg in address order.
func regions(cfg config.Config) []region {
	return []region{
		{"user", 0, cfg.TaskSize, "untracked"},
		{"phys", cfg.PhysBase, cfg.PhysEnd(), "per page"},
		{"vmalloc", cfg.VmallocStart, cfg.VmallocStart + cfg.VmallocSize, "aliased from pages"},
		{"cpu_entry_area", cfg.CPUEntryAreaBase, cfg.CPUEntryAreaBase + uint64(cfg.NumCPUs)*cfg.CPUEntryAreaSize, "per CPU"},
		{"modules", cfg.ModulesStart, cfg.ModulesStart + cfg.ModulesSize, "aliased from pages"},
	}
}

func writeLayout(w io.Writer, cfg config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "REGION\tSTART\tEND\tSIZE\tMETADATA\n")
	for _, r := range regions(cfg) {
		fmt.Fprintf(tw, "%s\t%#016x\t%#016x\t%s\t%s\n", r.Name, r.Start, r.End, humanSize(r.End-r.Start), r.Metadata)
	}
	fmt.Fprintf(tw, "\n")
	fmt.Fprintf(tw, "page size\t%d\n", cfg.PageSize)
	fmt.Fprintf(tw, "cpus\t%d\n", cfg.NumCPUs)
	fmt.Fprintf(tw, "stack depth\t%d\n", cfg.StackDepth)
	fmt.Fprintf(tw, "depot capacity\t%d\n", cfg.DepotCapacity)
	fmt.Fprintf(tw, "poison freed pages\t%t\n", cfg.PoisonFreedPages)
	return tw.Flush()
}

// humanSize formats n bytes with a binary unit.
func humanSize(n uint64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for n >= 1024 && n%1024 == 0 && i < len(units)-1 {
		n /= 1024
		i++
	}
	return fmt.Sprintf("%d %s", n, units[i])
}

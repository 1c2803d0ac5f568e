// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"

	"github.com/google/subcommands"

	"github.com/kolkov/uninitdetector/msan"
)

// versionCmd implements subcommands.Command for the "version" command.
type versionCmd struct{}

// Name implements subcommands.Command.
func (*versionCmd) Name() string { return "version" }

// Synopsis implements subcommands.Command.
func (*versionCmd) Synopsis() string { return "show version information" }

// Usage implements subcommands.Command.
func (*versionCmd) Usage() string { return "version\n" }

// SetFlags implements subcommands.Command.
func (*versionCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	info := msan.GetInfo()
	fmt.Printf("msandetector version %s\n", info.Version)
	fmt.Printf("script format %s\n", info.Format)
	fmt.Printf("%s, %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return subcommands.ExitSuccess
}

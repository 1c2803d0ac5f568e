// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package main implements the msandetector CLI tool.
//
// The msandetector tool drives the uninitialized memory detector from the
// command line:
//
//	msandetector layout                  # Print the resolved address layout
//	msandetector replay script.toml      # Run a scripted sequence of operations
//	msandetector selftest                # Check the detector's core properties
//	msandetector version                 # Show version information
//
// Global flags come before the subcommand:
//
//	msandetector -config layout.toml -v replay script.toml
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/uninitdetector/internal/msan/config"
)

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	verbose    bool
}

// load returns the configuration selected by the global flags and a logger
// at the configured level.
func (g *globals) load() (config.Config, *logrus.Logger, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, nil, err
		}
	}
	return cfg, g.logger(cfg), nil
}

func (g *globals) logger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(cfg.Level())
	if g.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(layoutCmd), "")
	subcommands.Register(new(replayCmd), "")
	subcommands.Register(new(selftestCmd), "")
	subcommands.Register(new(versionCmd), "")

	g := &globals{}
	flag.StringVar(&g.configPath, "config", "", "TOML file with the address layout and engine settings")
	flag.BoolVar(&g.verbose, "v", false, "enable debug logging")
	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background(), g)))
}

// globalsFrom extracts the globals passed to Execute.
func globalsFrom(args []any) *globals {
	if len(args) > 0 {
		if g, ok := args[0].(*globals); ok {
			return g
		}
	}
	return &globals{}
}

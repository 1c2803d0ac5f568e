// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the simulated address-space layout and the
// engine knobs of the uninitialized memory detector.
//
// A layout is a handful of non-overlapping address ranges:
//
//	[0, TaskSize)                               user memory (never tracked)
//	[PhysBase, PhysBase+PhysPages*PageSize)     direct map, per-page metadata
//	[VmallocStart, VmallocStart+VmallocSize)    vmalloc area, linear metadata
//	[ModulesStart, ModulesStart+ModulesSize)    module area, linear metadata
//	[CPUEntryAreaBase, +NumCPUs*CPUEntryAreaSize) per-CPU entry areas
//
// Config files are TOML. Every field is optional; missing fields keep the
// values from Default().
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
)

// FormatVersion is the config/script format this build understands.
// Files declaring a different major version are rejected.
const FormatVersion = "v1.0.0"

var (
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("invalid config")

	// ErrVersion is returned for files with an unsupported format version.
	ErrVersion = errors.New("unsupported format version")
)

// Config holds the address-space layout and engine parameters.
type Config struct {
	// Format is the semantic version of the file format ("v1", "v1.2.0").
	Format string `toml:"format"`

	PageSize uint64 `toml:"page_size"`

	PhysBase  uint64 `toml:"phys_base"`
	PhysPages uint64 `toml:"phys_pages"`

	VmallocStart uint64 `toml:"vmalloc_start"`
	VmallocSize  uint64 `toml:"vmalloc_size"`

	ModulesStart uint64 `toml:"modules_start"`
	ModulesSize  uint64 `toml:"modules_size"`

	CPUEntryAreaBase uint64 `toml:"cpu_entry_area_base"`
	CPUEntryAreaSize uint64 `toml:"cpu_entry_area_size"`
	NumCPUs          int    `toml:"num_cpus"`

	// TaskSize is the end of user memory.
	TaskSize uint64 `toml:"task_size"`

	// StackDepth is the number of frames captured per origin.
	StackDepth int `toml:"stack_depth"`

	// DepotCapacity bounds the number of records in the stack depot.
	// Saves beyond it fail and yield handle 0.
	DepotCapacity int `toml:"depot_capacity"`

	// ReportsPerSecond limits report output. 0 disables the limit.
	ReportsPerSecond float64 `toml:"reports_per_second"`
	ReportBurst      int     `toml:"report_burst"`

	// PoisonFreedPages makes page frees poison the page metadata.
	// By default freed pages keep stale metadata until reallocated.
	PoisonFreedPages bool `toml:"poison_freed_pages"`

	LogLevel string `toml:"log_level"`
}

// Default returns an x86-64-like layout with 64 MiB of physical memory.
func Default() Config {
	return Config{
		Format:           FormatVersion,
		PageSize:         4096,
		PhysBase:         0xffff888000000000,
		PhysPages:        16384,
		VmallocStart:     0xffffc90000000000,
		VmallocSize:      1 << 32,
		ModulesStart:     0xffffffffa0000000,
		ModulesSize:      0x40000000,
		CPUEntryAreaBase: 0xfffffe0000000000,
		CPUEntryAreaSize: 0x3b000,
		NumCPUs:          4,
		TaskSize:         0x00007ffffffff000,
		StackDepth:       64,
		DepotCapacity:    1 << 20,
		ReportBurst:      1,
		LogLevel:         "info",
	}
}

// Load reads a TOML config file on top of Default() and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses TOML text on top of Default() and validates it.
func Decode(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// CheckFormat verifies that version is a semantic version with the same
// major version as FormatVersion. An empty version is accepted.
func CheckFormat(version string) error {
	if version == "" {
		return nil
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrVersion, version)
	}
	if semver.Major(version) != semver.Major(FormatVersion) {
		return fmt.Errorf("%w: %s (supported: %s)", ErrVersion, version, semver.Major(FormatVersion))
	}
	if semver.Compare(version, FormatVersion) > 0 {
		return fmt.Errorf("%w: %s is newer than %s", ErrVersion, version, FormatVersion)
	}
	return nil
}

type span struct {
	name       string
	start, end uint64
}

// Validate checks alignment, sizes and that the regions do not overlap.
func (c *Config) Validate() error {
	if err := CheckFormat(c.Format); err != nil {
		return err
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 || c.PageSize < 64 {
		return fmt.Errorf("%w: page_size %d must be a power of two >= 64", ErrInvalid, c.PageSize)
	}
	if c.NumCPUs <= 0 {
		return fmt.Errorf("%w: num_cpus must be positive", ErrInvalid)
	}
	if c.StackDepth <= 0 {
		return fmt.Errorf("%w: stack_depth must be positive", ErrInvalid)
	}
	if c.DepotCapacity <= 0 {
		return fmt.Errorf("%w: depot_capacity must be positive", ErrInvalid)
	}
	if c.ReportsPerSecond < 0 || c.ReportBurst < 0 {
		return fmt.Errorf("%w: report limits must not be negative", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); c.LogLevel != "" && err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}

	spans := []span{
		{"user", 0, c.TaskSize},
		{"phys", c.PhysBase, c.PhysBase + c.PhysPages*c.PageSize},
		{"vmalloc", c.VmallocStart, c.VmallocStart + c.VmallocSize},
		{"modules", c.ModulesStart, c.ModulesStart + c.ModulesSize},
		{"cpu_entry_area", c.CPUEntryAreaBase, c.CPUEntryAreaBase + uint64(c.NumCPUs)*c.CPUEntryAreaSize},
	}
	for _, s := range spans[1:] {
		if s.start%c.PageSize != 0 || (s.end-s.start)%c.PageSize != 0 {
			return fmt.Errorf("%w: %s range [%#x, %#x) is not page aligned", ErrInvalid, s.name, s.start, s.end)
		}
		if s.end <= s.start {
			return fmt.Errorf("%w: %s range [%#x, %#x) is empty or wraps", ErrInvalid, s.name, s.start, s.end)
		}
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("%w: %s and %s ranges overlap", ErrInvalid, a.name, b.name)
			}
		}
	}
	return nil
}

// Level returns the configured logrus level, defaulting to Info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// PhysEnd returns the first address past the direct map.
func (c *Config) PhysEnd() uint64 {
	return c.PhysBase + c.PhysPages*c.PageSize
}

// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msan

import (
	"github.com/kolkov/uninitdetector/internal/msan/api"
	"github.com/kolkov/uninitdetector/internal/msan/config"
)

// Version information for the uninitialized memory detector.
const (
	// Version is the current version of the detector runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the detector.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Format is the newest config and script format understood.
	Format string

	// Algorithm is the tracking scheme used.
	Algorithm string

	// Enabled indicates whether tracking is active.
	Enabled bool
}

// GetInfo returns information about the detector runtime.
//
// Example:
//
//	info := msan.GetInfo()
//	fmt.Printf("msan %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	return Info{
		Version:   Version,
		Format:    config.FormatVersion,
		Algorithm: "bit-precise shadow with 4-byte origins",
		Enabled:   api.Enabled(),
	}
}

// CheckFormat reports whether files declaring format version v can be
// read by this build.
func CheckFormat(v string) error {
	return config.CheckFormat(v)
}

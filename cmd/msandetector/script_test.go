// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kolkov/uninitdetector/internal/msan/detector"
)

const infoleakScript = `
format = "v1"

[config]
phys_pages = 1024

[[op]]
op = "kmalloc"
name = "reply"
size = 64

[[op]]
op = "memset"
addr = "reply"
size = 32

[[op]]
op = "kmalloc"
name = "copy"
size = 64
gfp = ["zero"]

[[op]]
op = "memcpy"
addr = "copy"
src = "reply"
size = 64

[[op]]
op = "load"
addr = "copy+28"
size = 8
expect_shadow = "0xffffffff00000000"

[[op]]
op = "copy_to_user"
to = "0x401000"
addr = "copy"
size = 64
expect = 1

[[op]]
op = "copy_to_user"
to = "0x401000"
addr = "copy"
size = 64
left = 32
expect = 0
`

func TestReplay(t *testing.T) {
	s, err := ParseScript(infoleakScript)
	if err != nil {
		t.Fatal(err)
	}
	if s.Config.PhysPages != 1024 || len(s.Ops) != 7 {
		t.Fatalf("parsed %d pages, %d ops", s.Config.PhysPages, len(s.Ops))
	}

	var out bytes.Buffer
	st, err := Replay(s, &out, quietLogger())
	if err != nil {
		t.Fatalf("Replay() error = %v\n%s", err, out.String())
	}
	if st.Reports != 1 {
		t.Errorf("Reports = %d, want 1", st.Reports)
	}
	for _, want := range []string{
		"kmalloc: reply = 0xffff888",
		"BUG: KMSAN: kernel-infoleak",
		"Uninit was stored to memory at:",
		"Bytes 32-63 of 64 are uninitialized",
		"Data copied to user address 0x0000000000401000",
		"KMSAN Summary",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestReplayStore(t *testing.T) {
	s, err := ParseScript(`
[[op]]
op = "kmalloc"
name = "a"
size = 16
gfp = ["zero"]

[[op]]
op = "poison"
addr = "a+8"
size = 4

[[op]]
op = "store"
addr = "a"
size = 4
shadow = "0xffff0000"
src = "a+8"

[[op]]
op = "load"
addr = "a"
size = 4
expect_shadow = "0xffff0000"

[[op]]
op = "check"
addr = "a"
size = 16
expect = 2
`)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if _, err := Replay(s, &out, quietLogger()); err != nil {
		t.Fatalf("Replay() error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Uninit was stored to memory at:") {
		t.Errorf("stored value has no chained origin:\n%s", out.String())
	}
}

func TestReplayErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		index   int
		message string
	}{
		{
			name:    "unknown op",
			script:  "[[op]]\nop = \"explode\"\n",
			index:   0,
			message: "unknown operation",
		},
		{
			name:    "unknown key",
			script:  "[[op]]\nop = \"check\"\nadress = \"0x1\"\n",
			index:   -1,
			message: "unknown keys: op.adress",
		},
		{
			name:    "format",
			script:  "format = \"v2.0.0\"\n",
			index:   -1,
			message: "unsupported format version",
		},
		{
			name:    "bad layout",
			script:  "[config]\npage_size = 1000\n",
			index:   -1,
			message: "page_size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript(tt.script)
			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("ParseScript() error = %v, want *ScriptError", err)
			}
			if se.Index != tt.index || !strings.Contains(se.Message, tt.message) {
				t.Errorf("ScriptError = %+v, want index %d and %q", se, tt.index, tt.message)
			}
		})
	}
}

func TestReplayRuntimeErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		index   int
		message string
	}{
		{
			name:    "unbound name",
			script:  "[[op]]\nop = \"poison\"\naddr = \"nowhere\"\nsize = 4\n",
			index:   0,
			message: `unknown address "nowhere"`,
		},
		{
			name:    "expectation",
			script:  "[[op]]\nop = \"kmalloc\"\nname = \"a\"\nsize = 8\n\n[[op]]\nop = \"check\"\naddr = \"a\"\nsize = 8\nexpect = 0\n",
			index:   1,
			message: "got 1 report(s), want 0",
		},
		{
			name: "split metadata",
			script: "[[op]]\nop = \"alloc_pages\"\nname = \"p\"\n\n[[op]]\nop = \"alloc_pages\"\n\n" +
				"[[op]]\nop = \"kmalloc\"\nname = \"k\"\nsize = 16\n\n" +
				"[[op]]\nop = \"memmove\"\naddr = \"p+4088\"\nsrc = \"k\"\nsize = 16\n",
			index:   3,
			message: "not contiguous",
		},
		{
			name:    "access size",
			script:  "[[op]]\nop = \"load\"\naddr = \"0x1000\"\nsize = 3\n",
			index:   0,
			message: "access size 3",
		},
		{
			name:    "interrupt nesting",
			script:  "[[op]]\nop = \"irq_exit\"\ncpu = 0\n",
			index:   0,
			message: "exit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseScript(tt.script)
			if err != nil {
				t.Fatal(err)
			}
			_, err = Replay(s, &bytes.Buffer{}, quietLogger())
			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("Replay() error = %v, want *ScriptError", err)
			}
			if se.Index != tt.index || !strings.Contains(se.Message, tt.message) {
				t.Errorf("ScriptError = %+v, want index %d and %q", se, tt.index, tt.message)
			}
		})
	}
}

func TestScriptErrorFormat(t *testing.T) {
	err := &ScriptError{Op: "check", Index: 3, Message: "got 0 report(s), want 1", Suggestion: "Poison it first"}
	want := "op 3 (check): got 0 report(s), want 1\n\nSuggestion: Poison it first"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := (&ScriptError{Index: -1, Message: "bad"}).Error(); got != "bad" {
		t.Errorf("script-level Error() = %q", got)
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.toml")
	if err := os.WriteFile(path, []byte(infoleakScript), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadScript(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Format != "v1" {
		t.Errorf("Format = %q", s.Format)
	}
	if _, err := LoadScript(path + ".missing"); err == nil {
		t.Error("LoadScript of a missing file succeeded")
	}
}

func TestParseGFP(t *testing.T) {
	gfp, err := parseGFP([]string{"atomic", "zero"})
	if err != nil {
		t.Fatal(err)
	}
	if gfp != detector.GFPAtomic|detector.GFPZero {
		t.Errorf("parseGFP = %v", gfp)
	}
	if gfp, _ := parseGFP(nil); gfp != detector.GFPKernel {
		t.Errorf("default gfp = %v, want GFPKernel", gfp)
	}
	if _, err := parseGFP([]string{"dma"}); err == nil {
		t.Error("parseGFP accepted an unknown flag")
	}
}

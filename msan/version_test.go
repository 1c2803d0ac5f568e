// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msan

import (
	"fmt"
	"testing"
)

func TestVersion(t *testing.T) {
	want := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if Version != want {
		t.Errorf("Version = %q, want %q", Version, want)
	}
	info := GetInfo()
	if info.Version != Version || info.Format == "" {
		t.Errorf("GetInfo() = %+v", info)
	}
}

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		v       string
		wantErr bool
	}{
		{"", false},
		{"v1", false},
		{"v1.0.0", false},
		{"v2.0.0", true},
		{"1.0", true},
	}
	for _, tt := range tests {
		if err := CheckFormat(tt.v); (err != nil) != tt.wantErr {
			t.Errorf("CheckFormat(%q) = %v, wantErr %v", tt.v, err, tt.wantErr)
		}
	}
}

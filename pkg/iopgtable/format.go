// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package iopgtable builds and operates on IOMMU translation tables without
// exposing their in-memory layout to the caller.
//
// A caller picks a Format, fills a Config and calls Alloc. The returned
// PageTable implements Ops (map, unmap and translation) for the chosen
// format, keeps translation caches coherent through the Config's Gather
// callbacks, and is released with Free.
//
// The package does not serialize mutation of a single PageTable: callers
// must not call Map, MapSG, Unmap or Free concurrently on the same table.
// Lookups may run concurrently with mutation.
package iopgtable

import (
	"fmt"
	"strings"
)

// Format identifies a table layout. The set of formats is closed.
type Format int

// Supported formats.
const (
	// ARM32LPAES1 is the 32-bit ARM long descriptor format, stage 1.
	ARM32LPAES1 Format = iota

	// ARM32LPAES2 is the 32-bit ARM long descriptor format, stage 2.
	ARM32LPAES2

	// ARM64LPAES1 is the 64-bit ARM long descriptor format, stage 1.
	ARM64LPAES1

	// ARM64LPAES2 is the 64-bit ARM long descriptor format, stage 2.
	ARM64LPAES2

	// ARMV7S is the ARM v7 short descriptor format.
	ARMV7S

	// ARMV8LFast is a fully pre-built 32-bit stage 1 table whose leaf
	// entries are directly visible to the caller.
	ARMV8LFast

	// NumFormats is the number of formats.
	NumFormats
)

var formatNames = [NumFormats]string{
	ARM32LPAES1: "arm32-lpae-s1",
	ARM32LPAES2: "arm32-lpae-s2",
	ARM64LPAES1: "arm64-lpae-s1",
	ARM64LPAES2: "arm64-lpae-s2",
	ARMV7S:      "arm-v7s",
	ARMV8LFast:  "arm-v8l-fast",
}

// Valid returns true if f is one of the supported formats.
func (f Format) Valid() bool {
	return f >= 0 && f < NumFormats
}

// String implements fmt.Stringer.
func (f Format) String() string {
	if !f.Valid() {
		return fmt.Sprintf("Format(%d)", int(f))
	}
	return formatNames[f]
}

// ParseFormat returns the Format with the given name, as returned by String.
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if strings.EqualFold(n, name) {
			return Format(f), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Formats returns all supported formats.
func Formats() []Format {
	fs := make([]Format, 0, NumFormats)
	for f := Format(0); f < NumFormats; f++ {
		fs = append(fs, f)
	}
	return fs
}

// stage2 returns true for stage 2 (guest physical to host physical) formats.
func (f Format) stage2() bool {
	return f == ARM32LPAES2 || f == ARM64LPAES2
}

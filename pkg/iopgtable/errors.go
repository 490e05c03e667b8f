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

package iopgtable

import "errors"

// Errors returned by Alloc.
var (
	// ErrUnsupportedFormat is returned for a Format outside the closed set.
	ErrUnsupportedFormat = errors.New("unsupported page table format")

	// ErrAddressWidth is returned when the input or output address size
	// cannot be represented by the format.
	ErrAddressWidth = errors.New("unsupported address width")

	// ErrPageSize is returned when none of the requested page sizes can be
	// represented by the format.
	ErrPageSize = errors.New("no supported page size")
)

// Errors returned by Map and MapSG.
var (
	// ErrInvalidArgument is returned for malformed requests, such as a
	// zero-sized mapping.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlignment is returned when an address or size is not aligned to
	// the smallest supported page size.
	ErrAlignment = errors.New("misaligned address or size")

	// ErrRange is returned when a request does not fit the input or output
	// address space of the table.
	ErrRange = errors.New("address out of range")

	// ErrExist is returned when a request overlaps a live translation.
	ErrExist = errors.New("translation exists")

	// ErrNoMemory is returned when table memory cannot be allocated. The
	// failed request leaves no translation behind.
	ErrNoMemory = errors.New("out of table memory")
)

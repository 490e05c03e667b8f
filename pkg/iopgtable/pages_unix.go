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

//go:build unix

package iopgtable

import (
	"golang.org/x/sys/unix"
)

// defaultAllocator maps anonymous memory, rounded up to the host page size.
type defaultAllocator struct{}

var hostPageSize = uint64(unix.Getpagesize())

// AllocPagesExact implements PageAllocator.AllocPagesExact.
func (defaultAllocator) AllocPagesExact(_ any, size uint64, _ AllocFlags) ([]byte, error) {
	n := (size + hostPageSize - 1) &^ (hostPageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// FreePagesExact implements PageAllocator.FreePagesExact.
func (defaultAllocator) FreePagesExact(_ any, mem []byte) {
	if err := unix.Munmap(mem); err != nil {
		panic("munmap of table memory failed: " + err.Error())
	}
}

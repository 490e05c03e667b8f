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

//go:build !unix

package iopgtable

import "unsafe"

// defaultAllocator allocates table memory from the Go heap.
type defaultAllocator struct{}

// AllocPagesExact implements PageAllocator.AllocPagesExact.
func (defaultAllocator) AllocPagesExact(_ any, size uint64, _ AllocFlags) ([]byte, error) {
	// Back the table with uint64s to guarantee entry alignment.
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

// FreePagesExact implements PageAllocator.FreePagesExact.
func (defaultAllocator) FreePagesExact(any, []byte) {}

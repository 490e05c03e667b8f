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

// Package addrspace hands out aligned extents of a bounded address range.
//
// It is used to give page-table memory a bus address that table entries of
// every width can encode. Free extents are kept in a B-tree ordered by start
// address and are coalesced on release.
package addrspace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// ErrExhausted is returned when no free extent can satisfy a request.
var ErrExhausted = errors.New("address space exhausted")

// extent is a free range [start, end).
type extent struct {
	start uint64
	end   uint64
}

func (e extent) size() uint64 {
	return e.end - e.start
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// Space is a first-fit allocator over [base, base+size).
//
// Space is safe for concurrent use.
type Space struct {
	base uint64
	end  uint64

	mu sync.Mutex

	// free holds the free extents, ordered by start.
	//
	// +checklocks:mu
	free *btree.BTreeG[extent]

	// used is the number of bytes currently allocated.
	//
	// +checklocks:mu
	used uint64
}

// New returns a Space covering [base, base+size).
func New(base, size uint64) *Space {
	if size == 0 || base+size < base {
		panic(fmt.Sprintf("invalid address space [%#x, +%#x)", base, size))
	}
	s := &Space{
		base: base,
		end:  base + size,
		free: btree.NewG[extent](8, extentLess),
	}
	s.free.ReplaceOrInsert(extent{start: base, end: base + size})
	return s
}

// Base returns the first address of the space.
func (s *Space) Base() uint64 {
	return s.base
}

// End returns the address one past the last address of the space.
func (s *Space) End() uint64 {
	return s.end
}

// Alloc returns the start of a free extent of the given size whose start is a
// multiple of align. align must be a power of two.
func (s *Space) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation")
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found  extent
		addr   uint64
		hasFit bool
	)
	s.free.Ascend(func(e extent) bool {
		start := (e.start + align - 1) &^ (align - 1)
		if start < e.start || start >= e.end || e.end-start < size {
			return true
		}
		found, addr, hasFit = e, start, true
		return false
	})
	if !hasFit {
		return 0, fmt.Errorf("%w: no extent of %#x bytes aligned to %#x", ErrExhausted, size, align)
	}

	// Carve [addr, addr+size) out of found, returning the head and tail.
	s.free.Delete(found)
	if addr > found.start {
		s.free.ReplaceOrInsert(extent{start: found.start, end: addr})
	}
	if addr+size < found.end {
		s.free.ReplaceOrInsert(extent{start: addr + size, end: found.end})
	}
	s.used += size
	return addr, nil
}

// Free releases [addr, addr+size), which must have been returned by Alloc.
func (s *Space) Free(addr, size uint64) {
	if addr < s.base || addr+size > s.end || addr+size < addr {
		panic(fmt.Sprintf("free of [%#x, +%#x) outside [%#x, %#x)", addr, size, s.base, s.end))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := extent{start: addr, end: addr + size}

	// Merge with the predecessor.
	var prev extent
	hasPrev := false
	s.free.DescendLessOrEqual(e, func(p extent) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev {
		if prev.end > e.start {
			panic(fmt.Sprintf("double free of [%#x, +%#x)", addr, size))
		}
		if prev.end == e.start {
			s.free.Delete(prev)
			e.start = prev.start
		}
	}

	// Merge with the successor.
	var next extent
	hasNext := false
	s.free.AscendGreaterOrEqual(extent{start: addr}, func(n extent) bool {
		next, hasNext = n, true
		return false
	})
	if hasNext {
		if next.start < addr+size {
			panic(fmt.Sprintf("double free of [%#x, +%#x)", addr, size))
		}
		if next.start == e.end {
			s.free.Delete(next)
			e.end = next.end
		}
	}

	s.free.ReplaceOrInsert(e)
	s.used -= size
}

// Used returns the number of allocated bytes.
func (s *Space) Used() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// FreeExtents returns the number of free extents. A fully released space has
// exactly one.
func (s *Space) FreeExtents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.Len()
}

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

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
	"gvisor.dev/iopgtable/pkg/addrspace"
	"gvisor.dev/iopgtable/pkg/log"
)

// AllocFlags modify a table memory allocation.
type AllocFlags uint32

const (
	// AllocZeroed requests zeroed memory.
	AllocZeroed AllocFlags = 1 << iota

	// AllocAtomic requests an allocation that does not block.
	AllocAtomic
)

// PageAllocator allocates table memory.
type PageAllocator interface {
	// AllocPagesExact returns size bytes of memory, aligned to at least 8
	// bytes. The cookie is the one passed to Alloc.
	AllocPagesExact(cookie any, size uint64, flags AllocFlags) ([]byte, error)

	// FreePagesExact releases memory returned by AllocPagesExact.
	FreePagesExact(cookie any, mem []byte)
}

// liveBytes is the number of table bytes currently allocated, by any
// allocator.
var liveBytes atomic.Int64

// LiveBytes returns the number of bytes of table memory currently allocated
// by all tables.
func LiveBytes() int64 {
	return liveBytes.Load()
}

// busBase and busSize delimit the bus addresses given to table memory. They
// fit in 32 bits so that every format can encode a table pointer.
const (
	busBase = 0x4000_0000
	busSize = 0xc000_0000
)

// busSpace assigns bus addresses to table memory.
var busSpace = addrspace.New(busBase, busSize)

// table is one unit of table memory, as seen by the walker.
type table struct {
	// bus is the address the walker uses for this table.
	bus uint64

	// mem is the table contents.
	mem []byte

	// orig is the allocation backing mem, as returned by the allocator.
	orig []byte

	// owner is the table whose allocation contains this one, or nil if
	// this table owns its memory.
	owner *table

	// carved is set if sub tables were carved from this one.
	carved bool

	// live is the number of non-zero entries. It is maintained by the
	// format and only accessed by mutations.
	live int
}

// tableMem holds the memory of one PageTable.
type tableMem struct {
	alloc  PageAllocator
	cookie any

	// syncer is set if entry writes must be made visible to the walker.
	syncer DMASyncer

	// tables maps the bus address of each table to its memory.
	tables *xsync.MapOf[uint64, *table]

	// allocs holds the tables that own their memory, by bus address.
	allocs *xsync.MapOf[uint64, *table]

	// bytes is the memory allocated by this table.
	bytes atomic.Int64
}

func newTableMem(cfg *Config, cookie any) *tableMem {
	m := &tableMem{
		alloc:  cfg.PageAllocator,
		cookie: cookie,
		tables: xsync.NewMapOf[uint64, *table](),
		allocs: xsync.NewMapOf[uint64, *table](),
	}
	if m.alloc == nil {
		m.alloc = defaultAllocator{}
	}
	if !cfg.walkerCoherent() {
		if s, ok := cfg.Device.(DMASyncer); ok {
			m.syncer = s
		}
	}
	return m
}

// newTable allocates a zeroed table of size bytes, which is a power of two,
// aligned to size on the bus.
func (m *tableMem) newTable(size uint64) (*table, error) {
	return m.newTableAligned(size, size)
}

// newTableAligned allocates a zeroed table of size bytes, aligned to align on
// the bus.
func (m *tableMem) newTableAligned(size, align uint64) (*table, error) {
	bus, err := busSpace.Alloc(size, align)
	if err != nil {
		allocFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	mem, err := m.alloc.AllocPagesExact(m.cookie, size, AllocZeroed)
	if err == nil && (uint64(len(mem)) < size || uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0) {
		m.alloc.FreePagesExact(m.cookie, mem)
		err = fmt.Errorf("allocator returned %d bytes at %p", len(mem), unsafe.SliceData(mem))
	}
	if err != nil {
		busSpace.Free(bus, size)
		allocFailures.Inc()
		log.Debugf("iopgtable: table allocation of %d bytes failed: %v", size, err)
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	t := &table{bus: bus, mem: mem[:size:size], orig: mem}
	clear(t.mem)

	liveBytes.Add(int64(size))
	m.bytes.Add(int64(size))
	pagesAllocated.Inc()

	m.tables.Store(bus, t)
	m.allocs.Store(bus, t)
	m.syncRange(t, 0, size)
	return t, nil
}

// carve registers the sub tables of size bytes contained in t.
func (m *tableMem) carve(t *table, size uint64) []*table {
	t.carved = true
	n := uint64(len(t.mem)) / size
	subs := make([]*table, 0, n)
	for i := uint64(0); i < n; i++ {
		sub := &table{
			bus:   t.bus + i*size,
			mem:   t.mem[i*size : (i+1)*size : (i+1)*size],
			owner: t,
		}
		m.tables.Store(sub.bus, sub)
		subs = append(subs, sub)
	}
	return subs
}

// free releases t, which must not be reachable by the walker.
func (m *tableMem) free(t *table) {
	if t.owner != nil {
		panic(fmt.Sprintf("freeing table %#x carved from %#x", t.bus, t.owner.bus))
	}
	size := uint64(len(t.mem))
	m.allocs.Delete(t.bus)
	m.tables.Delete(t.bus)
	if t.carved {
		m.tables.Range(func(bus uint64, sub *table) bool {
			if sub.owner == t {
				m.tables.Delete(bus)
			}
			return true
		})
	}
	m.alloc.FreePagesExact(m.cookie, t.orig)
	busSpace.Free(t.bus, size)

	liveBytes.Add(-int64(size))
	m.bytes.Add(-int64(size))
	pagesFreed.Inc()
}

// freeAll releases every table.
func (m *tableMem) freeAll() {
	var owners []*table
	m.allocs.Range(func(_ uint64, t *table) bool {
		owners = append(owners, t)
		return true
	})
	for _, t := range owners {
		m.free(t)
	}
}

// lookup returns the table at bus address bus, or nil.
func (m *tableMem) lookup(bus uint64) *table {
	t, _ := m.tables.Load(bus)
	return t
}

// syncRange makes [off, off+n) of t visible to a non-coherent walker.
func (m *tableMem) syncRange(t *table, off, n uint64) {
	if m.syncer != nil {
		m.syncer.SyncForDevice(t.bus+off, n)
	}
}

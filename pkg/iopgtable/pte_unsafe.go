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
	"sync/atomic"
	"unsafe"
)

// Entries are accessed atomically: the walker and concurrent lookups read
// them while they are updated.

func (t *table) entry64(i uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&t.mem[i*8]))
}

func (t *table) entry32(i uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.mem[i*4]))
}

// load64 returns entry i of a table of 64-bit entries.
func (t *table) load64(i uint64) uint64 {
	return atomic.LoadUint64(t.entry64(i))
}

// store64 sets entry i of a table of 64-bit entries.
func (t *table) store64(i, pte uint64) {
	atomic.StoreUint64(t.entry64(i), pte)
}

// load32 returns entry i of a table of 32-bit entries.
func (t *table) load32(i uint64) uint32 {
	return atomic.LoadUint32(t.entry32(i))
}

// store32 sets entry i of a table of 32-bit entries.
func (t *table) store32(i uint64, pte uint32) {
	atomic.StoreUint32(t.entry32(i), pte)
}

// entries64 returns a view of the table as 64-bit entries.
func (t *table) entries64() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(t.mem))), len(t.mem)/8)
}

// set64 sets entry i of tbl, maintaining its live count, and makes the
// update visible to the walker.
func (m *tableMem) set64(tbl *table, i, pte uint64) {
	old := tbl.load64(i)
	tbl.store64(i, pte)
	tbl.account(old != 0, pte != 0)
	m.syncRange(tbl, i*8, 8)
}

// set32 is set64 for tables of 32-bit entries.
func (m *tableMem) set32(tbl *table, i uint64, pte uint32) {
	old := tbl.load32(i)
	tbl.store32(i, pte)
	tbl.account(old != 0, pte != 0)
	m.syncRange(tbl, i*4, 4)
}

func (t *table) account(was, is bool) {
	switch {
	case !was && is:
		t.live++
	case was && !is:
		t.live--
	}
}

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

import "fmt"

// mapPage implements tableOps.mapPage.
func (d *lpae) mapPage(iova, paddr, pgsize uint64, prot Prot) error {
	target := d.levelFor(pgsize)
	if target < 0 {
		panic(fmt.Sprintf("%v: page size %#x has no level", d.t.format, pgsize))
	}
	leaf := paddr&d.oaMask() | d.protBits(prot) | d.leafType(target)
	return d.mapAt(d.pgd, 0, target, iova, pgsize, leaf)
}

func (d *lpae) mapAt(tbl *table, l, target int, iova, pgsize, leaf uint64) error {
	i := d.index(l, iova)
	pte := tbl.load64(i)
	if l == target {
		if pte != 0 {
			return fmt.Errorf("%w: iova %#x", ErrExist, iova)
		}
		d.t.mem.set64(tbl, i, leaf)
		d.t.queueFlush(iova, pgsize, pgsize, true)
		return nil
	}

	var (
		next  *table
		fresh bool
	)
	switch {
	case pte == 0:
		c, err := d.t.mem.newTable(d.granule())
		if err != nil {
			return err
		}
		d.t.mem.set64(tbl, i, d.tableEntry(c))
		next, fresh = c, true
	case d.isTable(pte, l):
		next = d.child(pte)
	default:
		return fmt.Errorf("%w: iova %#x is covered by a block", ErrExist, iova)
	}

	if err := d.mapAt(next, l+1, target, iova, pgsize, leaf); err != nil {
		if fresh {
			// Nothing is mapped below a fresh table on failure.
			bs := d.blockSize(l)
			d.t.mem.set64(tbl, i, 0)
			d.t.queueFlush(iova&^(bs-1), bs, d.granule(), false)
			d.t.deferFree(next)
		}
		return err
	}
	return nil
}

// unmap implements tableOps.unmap.
func (d *lpae) unmap(iova, size uint64) uint64 {
	return d.unmapAt(d.pgd, 0, iova, iova+size)
}

func (d *lpae) unmapAt(tbl *table, l int, start, end uint64) uint64 {
	var unmapped uint64
	bs := d.blockSize(l)
	for addr := start; addr < end; {
		base := addr &^ (bs - 1)
		next := min(base+bs, end)
		i := d.index(l, addr)
		pte := tbl.load64(i)
		switch {
		case pte == 0:
		case d.isTable(pte, l):
			c := d.child(pte)
			unmapped += d.unmapAt(c, l+1, addr, next)
			if c.live == 0 {
				d.t.mem.set64(tbl, i, 0)
				d.t.queueFlush(base, bs, d.granule(), false)
				d.t.deferFree(c)
			}
		case addr == base && next == base+bs:
			d.t.mem.set64(tbl, i, 0)
			d.t.queueFlush(base, bs, bs, true)
			unmapped += bs
		default:
			unmapped += d.splitBlock(tbl, i, l, pte, base, addr, next)
		}
		addr = next
	}
	return unmapped
}

// splitBlock replaces the block entry i of tbl, covering [base, base+size of
// level l), by a table of the next level mapping the same memory, then
// unmaps [start, end) from it.
func (d *lpae) splitBlock(tbl *table, i uint64, l int, pte, base, start, end uint64) uint64 {
	c, err := d.t.mem.newTable(d.granule())
	if err != nil {
		warnings.Warningf("iopgtable: %v cannot split block at %#x: %v", d.t.format, base, err)
		return 0
	}
	bs := d.blockSize(l)
	cs := d.blockSize(l + 1)
	out := pte & d.oaMask() &^ (bs - 1)
	attrs := pte &^ d.oaMask() &^ lpaeTypeMask
	ptes := c.entries64()
	for j := uint64(0); j < bs/cs; j++ {
		ptes[j] = out + j*cs | attrs | d.leafType(l+1)
	}
	c.live = int(bs / cs)
	d.t.mem.syncRange(c, 0, uint64(len(c.mem)))

	d.t.mem.set64(tbl, i, d.tableEntry(c))
	d.t.queueFlush(base, bs, bs, true)
	return d.unmapAt(c, l+1, start, end)
}

// lookup implements tableOps.lookup.
func (d *lpae) lookup(iova uint64) (uint64, uint64, bool) {
	tbl := d.pgd
	for l := 0; l < d.levels; l++ {
		pte := tbl.load64(d.index(l, iova))
		switch {
		case pte&lpaeTypeMask == 0:
			return 0, 0, false
		case d.isTable(pte, l):
			if tbl = d.child(pte); tbl == nil {
				return 0, 0, false
			}
		default:
			bs := d.blockSize(l)
			return pte, pte&d.oaMask()&^(bs-1) | iova&(bs-1), true
		}
	}
	return 0, 0, false
}

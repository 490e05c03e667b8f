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

func (d *v7s) tableEntry(c *table) uint32 {
	pte := uint32(c.bus) | v7sTypeTable
	if d.t.cfg.Quirks&QuirkARMNS != 0 {
		pte |= v7sAttrNSTable
	}
	return pte
}

// mapPage implements tableOps.mapPage.
func (d *v7s) mapPage(iova, paddr, pgsize uint64, prot Prot) error {
	lvl := 1
	if pgsize < Size1M {
		lvl = 2
	}
	tbl := d.pgd
	if lvl == 2 {
		i := v7sIndex(iova, 1)
		switch pte := d.pgd.load32(i); {
		case pte == 0:
			c, err := d.t.mem.newTable(v7sL2Size)
			if err != nil {
				return err
			}
			d.t.mem.set32(d.pgd, i, d.tableEntry(c))
			tbl = c
		case v7sIsTable(pte, 1):
			tbl = d.child(pte)
		default:
			return fmt.Errorf("%w: iova %#x is covered by a section", ErrExist, iova)
		}
	}

	n := pgsize >> v7sShift(lvl)
	first := v7sIndex(iova, lvl)
	for j := uint64(0); j < n; j++ {
		if tbl.load32(first+j) != 0 {
			return fmt.Errorf("%w: iova %#x", ErrExist, iova+j*v7sBlockSize(lvl))
		}
	}
	pte := d.protToPTE(prot, lvl)
	if n > 1 {
		pte = v7sPTEToCont(pte, lvl)
	}
	pte |= d.paddrToPTE(paddr, lvl)
	for j := uint64(0); j < n; j++ {
		d.t.mem.set32(tbl, first+j, pte)
	}
	d.t.queueFlush(iova, pgsize, pgsize, true)
	return nil
}

// unmap implements tableOps.unmap.
func (d *v7s) unmap(iova, size uint64) uint64 {
	return d.unmapLvl(d.pgd, 1, iova, iova+size)
}

func (d *v7s) unmapLvl(tbl *table, lvl int, start, end uint64) uint64 {
	var unmapped uint64
	bs := v7sBlockSize(lvl)
	cs := bs * v7sContPages
	for addr := start; addr < end; {
		base := addr &^ (bs - 1)
		next := min(base+bs, end)
		i := v7sIndex(addr, lvl)
		pte := tbl.load32(i)
		switch {
		case pte == 0:
		case v7sIsTable(pte, lvl):
			c := d.child(pte)
			unmapped += d.unmapLvl(c, 2, addr, next)
			if c.live == 0 {
				d.t.mem.set32(tbl, i, 0)
				d.t.queueFlush(base, bs, v7sBlockSize(2), false)
				d.t.deferFree(c)
			}
		case v7sIsCont(pte, lvl):
			grp := addr &^ (cs - 1)
			if addr != grp || end < grp+cs {
				// Partially covered: split, then revisit addr.
				d.splitCont(tbl, i, lvl, grp)
				continue
			}
			first := i &^ (v7sContPages - 1)
			for j := uint64(0); j < v7sContPages; j++ {
				d.t.mem.set32(tbl, first+j, 0)
			}
			d.t.queueFlush(grp, cs, cs, true)
			unmapped += cs
			next = grp + cs
		case addr == base && next == base+bs:
			d.t.mem.set32(tbl, i, 0)
			d.t.queueFlush(base, bs, bs, true)
			unmapped += bs
		default:
			unmapped += d.splitSection(tbl, i, pte, base, addr, next)
		}
		addr = next
	}
	return unmapped
}

// splitCont replaces the contiguous group containing entry i by individual
// entries mapping the same memory.
func (d *v7s) splitCont(tbl *table, i uint64, lvl int, grp uint64) {
	bs := v7sBlockSize(lvl)
	first := i &^ (v7sContPages - 1)
	pte := v7sContToPTE(tbl.load32(first), lvl)
	for j := uint64(0); j < v7sContPages; j++ {
		d.t.mem.set32(tbl, first+j, pte+uint32(j*bs))
	}
	d.t.queueFlush(grp, bs*v7sContPages, bs*v7sContPages, true)
}

// splitSection replaces section i of the level 1 table by a level 2 table
// mapping the same memory, then unmaps [start, end) from it.
func (d *v7s) splitSection(tbl *table, i uint64, pte uint32, base, start, end uint64) uint64 {
	c, err := d.t.mem.newTable(v7sL2Size)
	if err != nil {
		warnings.Warningf("iopgtable: %v cannot split section at %#x: %v", d.t.format, base, err)
		return 0
	}
	paddr := d.pteToPaddr(pte, 1)
	small := d.protToPTE(v7sPTEToProt(pte, 1), 2)
	n := uint64(len(c.mem)) / 4
	for j := uint64(0); j < n; j++ {
		c.store32(j, small|d.paddrToPTE(paddr+j*Size4K, 2))
	}
	c.live = int(n)
	d.t.mem.syncRange(c, 0, uint64(len(c.mem)))

	d.t.mem.set32(tbl, i, d.tableEntry(c))
	d.t.queueFlush(base, Size1M, Size1M, true)
	return d.unmapLvl(c, 2, start, end)
}

// lookup implements tableOps.lookup.
func (d *v7s) lookup(iova uint64) (uint64, uint64, bool) {
	lvl := 1
	pte := d.pgd.load32(v7sIndex(iova, 1))
	if pte&3 == 0 {
		return 0, 0, false
	}
	if v7sIsTable(pte, 1) {
		c := d.child(pte)
		if c == nil {
			return 0, 0, false
		}
		lvl = 2
		if pte = c.load32(v7sIndex(iova, 2)); pte&3 == 0 {
			return 0, 0, false
		}
	}
	size := v7sBlockSize(lvl)
	if v7sIsCont(pte, lvl) {
		size *= v7sContPages
	}
	return uint64(pte), d.pteToPaddr(pte, lvl) | iova&(size-1), true
}

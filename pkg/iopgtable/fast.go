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

// The fast format is a stage 1 long descriptor table with a 4K granule whose
// tables are all built by Alloc. Its leaf tables are allocated as a single
// array, so that a leaf entry is found by indexing rather than by a walk.

const fastLeafSpan = Size2M

var fastQuirks = QuirkARMNS | QuirkNoPerms | QuirkTLBIOnMap | QuirkNoDMA |
	QuirkNonShareable | QuirkUseUpstreamHint | QuirkUseLLCNWA

// fastRange returns the input range covered by a fast table.
func fastRange(cfg *Config) (uint64, uint64) {
	limit := addrLimit(cfg.IAS)
	if cfg.IOVAEnd <= cfg.IOVABase {
		return 0, limit
	}
	base := cfg.IOVABase &^ (fastLeafSpan - 1)
	end := limit
	if cfg.IOVAEnd < limit-1 {
		end = min((cfg.IOVAEnd+fastLeafSpan)&^(fastLeafSpan-1), limit)
	}
	return base, end
}

func checkFast(f Format, cfg *Config) error {
	if cfg.PgsizeBitmap&Size4K == 0 {
		return fmt.Errorf("%w: %v cannot use page sizes %#x", ErrPageSize, f, cfg.PgsizeBitmap)
	}
	if cfg.IAS > 32 || cfg.IAS <= 21 {
		return fmt.Errorf("%w: %v input size %d", ErrAddressWidth, f, cfg.IAS)
	}
	if _, ok := lpaeIPS(cfg.OAS); !ok {
		return fmt.Errorf("%w: %v output size %d", ErrAddressWidth, f, cfg.OAS)
	}
	if base, end := fastRange(cfg); base >= end {
		return fmt.Errorf("%w: %v range hint [%#x, %#x] outside %d bits", ErrAddressWidth, f, cfg.IOVABase, cfg.IOVAEnd, cfg.IAS)
	}
	cfg.PgsizeBitmap = Size4K
	ignoredQuirks(f, cfg.Quirks, fastQuirks)
	return nil
}

// fast implements the fast format.
type fast struct {
	lpaeGeom

	t   *PageTable
	pgd *table

	// leaves holds every leaf entry of [base, end).
	leaves *table
	base   uint64
	end    uint64
}

func allocFast(t *PageTable) (tableOps, error) {
	d := &fast{
		lpaeGeom: newLPAEGeom(Size4K, t.cfg.IAS, false),
		t:        t,
	}
	d.base, d.end = fastRange(&t.cfg)

	pgd, err := t.mem.newTable(d.pgdSize())
	if err != nil {
		return nil, err
	}
	d.pgd = pgd

	n := (d.end - d.base) / fastLeafSpan
	leaves, err := t.mem.newTableAligned(n*Size4K, Size4K)
	if err != nil {
		return nil, err
	}
	d.leaves = leaves
	for k, leaf := range t.mem.carve(leaves, Size4K) {
		if err := d.link(d.base+uint64(k)*fastLeafSpan, leaf); err != nil {
			return nil, err
		}
	}

	s1 := lpaeS1Regs(t.format, &d.lpaeGeom, pgd.bus, &t.cfg)
	t.cfg.Regs = &FastConfig{
		TTBR: s1.TTBR,
		TCR:  s1.TCR,
		MAIR: s1.MAIR,
		Base: d.base,
		PTEs: leaves.entries64(),
	}
	return d, nil
}

// link installs leaf as the last level table translating iova, creating the
// intermediate tables.
func (d *fast) link(iova uint64, leaf *table) error {
	tbl := d.pgd
	for l := 0; l < d.levels-2; l++ {
		i := d.index(l, iova)
		pte := tbl.load64(i)
		if pte == 0 {
			c, err := d.t.mem.newTable(Size4K)
			if err != nil {
				return err
			}
			pte = d.tableEntry(c)
			d.t.mem.set64(tbl, i, pte)
		}
		tbl = d.t.mem.lookup(pte & d.oaMask())
	}
	d.t.mem.set64(tbl, d.index(d.levels-2, iova), d.tableEntry(leaf))
	return nil
}

func (d *fast) tableEntry(c *table) uint64 {
	pte := c.bus | lpaeTypeTable
	if d.t.cfg.Quirks&QuirkARMNS != 0 {
		pte |= lpaeNSTable
	}
	return pte
}

// slot returns the index of the leaf entry of iova.
func (d *fast) slot(iova uint64) (uint64, bool) {
	if iova < d.base || iova >= d.end {
		return 0, false
	}
	return (iova - d.base) >> 12, true
}

// mapPage implements tableOps.mapPage.
func (d *fast) mapPage(iova, paddr, pgsize uint64, prot Prot) error {
	k, ok := d.slot(iova)
	if !ok {
		return fmt.Errorf("%w: iova %#x outside [%#x, %#x)", ErrRange, iova, d.base, d.end)
	}
	if d.leaves.load64(k) != 0 {
		return fmt.Errorf("%w: iova %#x", ErrExist, iova)
	}
	d.t.mem.set64(d.leaves, k, paddr&d.oaMask()|lpaeS1Prot(prot, d.t.cfg.Quirks)|lpaeTypePage)
	d.t.queueFlush(iova, pgsize, pgsize, true)
	return nil
}

// unmap implements tableOps.unmap. Tables are kept until Free.
func (d *fast) unmap(iova, size uint64) uint64 {
	start, end := max(iova, d.base), min(iova+size, d.end)
	var unmapped uint64
	for addr := start; addr < end; addr += Size4K {
		k, _ := d.slot(addr)
		if d.leaves.load64(k) == 0 {
			continue
		}
		d.t.mem.set64(d.leaves, k, 0)
		d.t.queueFlush(addr, Size4K, Size4K, true)
		unmapped += Size4K
	}
	return unmapped
}

// lookup implements tableOps.lookup.
func (d *fast) lookup(iova uint64) (uint64, uint64, bool) {
	k, ok := d.slot(iova)
	if !ok {
		return 0, 0, false
	}
	pte := d.leaves.load64(k)
	if pte == 0 {
		return 0, 0, false
	}
	return pte, pte&d.oaMask() | iova&(Size4K-1), true
}

// coherent implements tableOps.coherent.
func (d *fast) coherent(pte uint64) bool {
	return lpaeS1Coherent(pte)
}

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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestV7SRegisters(t *testing.T) {
	for _, tc := range []struct {
		name  string
		quirk Quirks
		attrs uint32
	}{
		{name: "non-coherent"},
		{name: "no dma", quirk: QuirkNoDMA, attrs: 0x6a},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig(ARMV7S)
			cfg.Quirks = tc.quirk
			pt, _ := newTestTable(t, ARMV7S, &cfg)
			regs, ok := cfg.V7S()
			if !ok {
				t.Fatalf("no short descriptor registers: %T", cfg.Regs)
			}
			want := &V7SConfig{
				TTBR: [2]uint32{uint32(pt.ops.(*v7s).pgd.bus) | tc.attrs, 0},
				TCR:  0x20,
				PRRR: 0x800b8204,
				NMRR: 0x40004000,
			}
			if diff := cmp.Diff(want, regs); diff != "" {
				t.Errorf("registers mismatch (-want +got):\n%s", diff)
			}
			if got := pt.TableBytes(); got != v7sL1Size {
				t.Errorf("TableBytes = %d, want %d", got, v7sL1Size)
			}
		})
	}
}

func TestV7SLargePage(t *testing.T) {
	cfg := defaultConfig(ARMV7S)
	pt, g := newTestTable(t, ARMV7S, &cfg)
	if err := pt.Map(0x10000, 0x20000, Size64K, ProtRW|ProtCache); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pte := pt.IOVAToPTE(0x10000)
	if pte&3 != v7sTypeContPage {
		t.Errorf("entry %#x is not a large page", pte)
	}
	for iova := uint64(0x10000); iova < 0x20000; iova += Size4K {
		if got := pt.IOVAToPTE(iova); got != pte {
			t.Errorf("entry at %#x = %#x, want %#x", iova, got, pte)
		}
	}
	if pa, ok := pt.IOVAToPhys(0x1f234); !ok || pa != 0x2f234 {
		t.Errorf("IOVAToPhys = %#x, %t, want %#x", pa, ok, 0x2f234)
	}

	g.reset()
	if n := pt.Unmap(0x14000, Size4K); n != Size4K {
		t.Fatalf("Unmap = %#x, want %#x", n, Size4K)
	}
	want := []gatherCall{
		{Op: "AddFlush", IOVA: 0x10000, Size: Size64K, Granule: Size64K, Leaf: true},
		{Op: "AddFlush", IOVA: 0x14000, Size: Size4K, Granule: Size4K, Leaf: true},
		{Op: "Sync"},
	}
	if diff := cmp.Diff(want, g.calls); diff != "" {
		t.Errorf("Unmap callbacks mismatch (-want +got):\n%s", diff)
	}
	for _, iova := range []uint64{0x10000, 0x13000, 0x15000, 0x1f000} {
		pte := pt.IOVAToPTE(iova)
		if pte&v7sTypePage == 0 {
			t.Errorf("entry at %#x = %#x, want a small page", iova, pte)
		}
		if pa, ok := pt.IOVAToPhys(iova + 8); !ok || pa != iova+0x10008 {
			t.Errorf("IOVAToPhys(%#x) = %#x, %t", iova+8, pa, ok)
		}
		if !pt.IsIOVACoherent(iova) {
			t.Errorf("split entry at %#x lost its cache attributes", iova)
		}
	}
	if _, ok := pt.IOVAToPhys(0x14000); ok {
		t.Errorf("unmapped page still translated")
	}
}

func TestV7SSupersection(t *testing.T) {
	cfg := defaultConfig(ARMV7S)
	pt, g := newTestTable(t, ARMV7S, &cfg)
	if err := pt.Map(Size16M, 2*Size16M, Size16M, ProtRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if pte := pt.IOVAToPTE(Size16M + 5*Size1M); pte&v7sContSection == 0 || pte&3 != v7sTypePage {
		t.Errorf("entry %#x is not a supersection", pte)
	}
	if pa, ok := pt.IOVAToPhys(Size16M + 0x123456); !ok || pa != 2*Size16M+0x123456 {
		t.Errorf("IOVAToPhys = %#x, %t", pa, ok)
	}
	if got := pt.TableBytes(); got != v7sL1Size {
		t.Errorf("supersection allocated tables: TableBytes = %d", got)
	}

	g.reset()
	if n := pt.Unmap(Size16M, Size16M); n != Size16M {
		t.Fatalf("Unmap = %#x, want %#x", n, Size16M)
	}
	want := []gatherCall{
		{Op: "AddFlush", IOVA: Size16M, Size: Size16M, Granule: Size16M, Leaf: true},
		{Op: "Sync"},
	}
	if diff := cmp.Diff(want, g.calls); diff != "" {
		t.Errorf("Unmap callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestV7SSectionSplit(t *testing.T) {
	cfg := defaultConfig(ARMV7S)
	pt, g := newTestTable(t, ARMV7S, &cfg)
	if err := pt.Map(0, 0x80000000, Size1M, ProtRead|ProtNoExec); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	before := pt.TableBytes()

	g.reset()
	if n := pt.Unmap(2*Size4K, Size4K); n != Size4K {
		t.Fatalf("Unmap = %#x, want %#x", n, Size4K)
	}
	want := []gatherCall{
		{Op: "AddFlush", IOVA: 0, Size: Size1M, Granule: Size1M, Leaf: true},
		{Op: "AddFlush", IOVA: 2 * Size4K, Size: Size4K, Granule: Size4K, Leaf: true},
		{Op: "Sync"},
	}
	if diff := cmp.Diff(want, g.calls); diff != "" {
		t.Errorf("Unmap callbacks mismatch (-want +got):\n%s", diff)
	}
	if got := pt.TableBytes() - before; got != v7sL2Size {
		t.Errorf("split allocated %d bytes, want %d", got, v7sL2Size)
	}

	// The pages keep the section's permissions: read-only, no execute.
	pte := pt.IOVAToPTE(Size4K)
	if pte&v7sTypePage == 0 || pte&uint64(v7sXN(2)) == 0 || pte&(v7sPTEAPRDOnly<<v7sAttrShift(2)) == 0 {
		t.Errorf("split entry %#x lost its permissions", pte)
	}
	if pa, ok := pt.IOVAToPhys(3*Size4K + 4); !ok || pa != 0x80003004 {
		t.Errorf("IOVAToPhys = %#x, %t", pa, ok)
	}

	g.reset()
	if n := pt.Unmap(0, Size1M); n != Size1M-Size4K {
		t.Errorf("Unmap = %#x, want %#x", n, Size1M-Size4K)
	}
	want = []gatherCall{
		{Op: "AddFlush", IOVA: 0, Size: 2 * Size4K, Granule: Size4K, Leaf: true},
		{Op: "AddFlush", IOVA: 3 * Size4K, Size: Size1M - 3*Size4K, Granule: Size4K, Leaf: true},
		{Op: "AddFlush", IOVA: 0, Size: Size1M, Granule: Size4K, Leaf: false},
		{Op: "Sync"},
	}
	if diff := cmp.Diff(want, g.calls); diff != "" {
		t.Errorf("Unmap callbacks mismatch (-want +got):\n%s", diff)
	}
	if got := pt.TableBytes(); got != before {
		t.Errorf("TableBytes = %d after unmapping everything, want %d", got, before)
	}
}

func TestV7SMTK4GB(t *testing.T) {
	cfg := defaultConfig(ARMV7S)
	cfg.OAS = 34
	if _, err := Alloc(ARMV7S, &cfg, nil); !errors.Is(err, ErrAddressWidth) {
		t.Errorf("Alloc with 34 bit output and no quirk = %v, want %v", err, ErrAddressWidth)
	}

	cfg.Quirks = QuirkARMMTK4GB
	pt, _ := newTestTable(t, ARMV7S, &cfg)
	for _, tc := range []struct {
		iova  uint64
		paddr uint64
		size  uint64
		bits  uint32
	}{
		{iova: Size1M, paddr: 0x3_0010_0000, size: Size1M, bits: v7sMTKPABit32 | v7sMTKPABit33},
		{iova: 2 * Size1M, paddr: 0x1_0000_3000, size: Size4K, bits: v7sMTKPABit32},
	} {
		if err := pt.Map(tc.iova, tc.paddr, tc.size, ProtRW|ProtNoExec); err != nil {
			t.Fatalf("Map(%#x, %#x) failed: %v", tc.iova, tc.paddr, err)
		}
		pte := uint32(pt.IOVAToPTE(tc.iova))
		if pte&(v7sMTKPABit32|v7sMTKPABit33) != tc.bits {
			t.Errorf("entry %#x for %#x has address bits %#x, want %#x", pte, tc.paddr, pte&(v7sMTKPABit32|v7sMTKPABit33), tc.bits)
		}
		if pa, ok := pt.IOVAToPhys(tc.iova + 0x10); !ok || pa != tc.paddr+0x10 {
			t.Errorf("IOVAToPhys(%#x) = %#x, %t, want %#x", tc.iova+0x10, pa, ok, tc.paddr+0x10)
		}
	}
	// Permission bits are not encoded.
	if pte := uint32(pt.IOVAToPTE(2 * Size1M)); pte&v7sXN(2) != 0 || pte&((v7sPTEAF|v7sPTEAPUnpriv)<<v7sAttrShift(2)) != 0 {
		t.Errorf("entry %#x carries permission bits", pte)
	}
}

func TestV7SNonSecure(t *testing.T) {
	cfg := defaultConfig(ARMV7S)
	cfg.Quirks = QuirkARMNS
	pt, _ := newTestTable(t, ARMV7S, &cfg)
	if err := pt.Map(0, 0, Size1M, ProtRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := pt.Map(Size1M, Size1M, Size4K, ProtRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if pte := pt.IOVAToPTE(0); pte&v7sAttrNSSection == 0 {
		t.Errorf("section %#x is not non-secure", pte)
	}
	if pte := pt.ops.(*v7s).pgd.load32(1); pte&v7sAttrNSTable == 0 {
		t.Errorf("table entry %#x is not non-secure", pte)
	}
}

func TestV7STableEntry(t *testing.T) {
	if v7sTableMask != 0xfffffc00 {
		t.Fatalf("v7sTableMask = %#x, want 0xfffffc00", v7sTableMask)
	}
	cfg := defaultConfig(ARMV7S)
	pt, _ := newTestTable(t, ARMV7S, &cfg)
	d := pt.ops.(*v7s)

	iova := 3*Size1G + 5*Size4K
	if err := pt.Map(iova, 0x8000_0000, Size4K, ProtRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pte := d.pgd.load32(v7sIndex(iova, 1))
	c := d.child(pte)
	if c == nil {
		t.Fatalf("level 1 entry %#x does not point to a level 2 table", pte)
	}
	if c.bus%v7sL2Size != 0 || uint64(pte&v7sTableMask) != c.bus {
		t.Errorf("level 1 entry %#x, level 2 table at %#x", pte, c.bus)
	}
	if pa, ok := pt.IOVAToPhys(iova + 0x42); !ok || pa != 0x8000_0042 {
		t.Errorf("IOVAToPhys = %#x, %t, want %#x", pa, ok, 0x8000_0042)
	}
}

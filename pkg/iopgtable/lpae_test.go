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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLPAES1Registers(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format Format
		cfg    Config
		tcr    uint64
	}{
		{
			name:   "64-bit non-coherent",
			format: ARM64LPAES1,
			cfg:    Config{PgsizeBitmap: Size4K, IAS: 48, OAS: 48},
			tcr:    tcrSHOS<<tcrSH0Shift | 5<<tcrIPSShift | 16 | tcrEPD1,
		},
		{
			name:   "64-bit no dma",
			format: ARM64LPAES1,
			cfg:    Config{PgsizeBitmap: Size4K, IAS: 48, OAS: 48, Quirks: QuirkNoDMA},
			tcr:    tcrSHIS<<tcrSH0Shift | tcrRGNWBWA<<tcrIRGN0Shift | tcrRGNWBWA<<tcrORGN0Shift | 5<<tcrIPSShift | 16 | tcrEPD1,
		},
		{
			name:   "64-bit 64K llc nwa",
			format: ARM64LPAES1,
			cfg:    Config{PgsizeBitmap: Size64K, IAS: 40, OAS: 44, Quirks: QuirkUseLLCNWA},
			tcr:    tcrSHOS<<tcrSH0Shift | tcrRGNWB<<tcrORGN0Shift | tcrTG064K<<tcrTG0Shift | 4<<tcrIPSShift | 24 | tcrEPD1,
		},
		{
			name:   "64-bit 16K non-shareable",
			format: ARM64LPAES1,
			cfg:    Config{PgsizeBitmap: Size16K, IAS: 36, OAS: 36, Quirks: QuirkNonShareable},
			tcr:    tcrSHNS<<tcrSH0Shift | tcrRGNWBWA<<tcrORGN0Shift | tcrTG016K<<tcrTG0Shift | 1<<tcrIPSShift | 28 | tcrEPD1,
		},
		{
			name:   "32-bit",
			format: ARM32LPAES1,
			cfg:    Config{PgsizeBitmap: Size4K, IAS: 32, OAS: 40},
			tcr:    tcrSHOS<<tcrSH0Shift | 32 | tcrEPD1 | tcr32EAE,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt, _ := newTestTable(t, tc.format, &tc.cfg)
			regs, ok := tc.cfg.LPAES1()
			if !ok {
				t.Fatalf("no stage 1 registers: %T", tc.cfg.Regs)
			}
			pgd := pt.ops.(*lpae).pgd.bus
			want := &LPAES1Config{
				TTBR: [2]uint64{pgd, 0},
				TCR:  tc.tcr,
				MAIR: [2]uint64{0xf404ff44, 0xe4},
			}
			if diff := cmp.Diff(want, regs); diff != "" {
				t.Errorf("registers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLPAES2Registers(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format Format
		cfg    Config
		vtcr   uint64
		levels int
		pgd    int64
	}{
		{
			name:   "concatenated",
			format: ARM64LPAES2,
			cfg:    Config{PgsizeBitmap: Size4K, IAS: 40, OAS: 40},
			vtcr:   2<<tcrPSShift | 24 | 1<<tcrSL0Shift,
			levels: 3,
			pgd:    2 * int64(Size4K),
		},
		{
			name:   "four levels",
			format: ARM64LPAES2,
			cfg:    Config{PgsizeBitmap: Size4K, IAS: 48, OAS: 48},
			vtcr:   5<<tcrPSShift | 16 | 2<<tcrSL0Shift,
			levels: 4,
			pgd:    int64(Size4K),
		},
		{
			name:   "64K",
			format: ARM64LPAES2,
			cfg:    Config{PgsizeBitmap: Size64K, IAS: 32, OAS: 32},
			vtcr:   tcrTG064K<<tcrTG0Shift | 32 | 1<<tcrSL0Shift,
			levels: 2,
			pgd:    64,
		},
		{
			name:   "32-bit",
			format: ARM32LPAES2,
			cfg:    Config{PgsizeBitmap: Size4K, IAS: 40, OAS: 40},
			vtcr:   2<<tcrPSShift | 24 | 1<<tcrSL0Shift,
			levels: 3,
			pgd:    2 * int64(Size4K),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt, _ := newTestTable(t, tc.format, &tc.cfg)
			regs, ok := tc.cfg.LPAES2()
			if !ok {
				t.Fatalf("no stage 2 registers: %T", tc.cfg.Regs)
			}
			d := pt.ops.(*lpae)
			common := vtcrRES1 | tcrSHIS<<tcrSH0Shift | tcrRGNWBWA<<tcrIRGN0Shift | tcrRGNWBWA<<tcrORGN0Shift
			want := &LPAES2Config{VTTBR: d.pgd.bus, VTCR: common | tc.vtcr}
			if diff := cmp.Diff(want, regs); diff != "" {
				t.Errorf("registers mismatch (-want +got):\n%s", diff)
			}
			if d.levels != tc.levels {
				t.Errorf("levels = %d, want %d", d.levels, tc.levels)
			}
			if got := pt.TableBytes(); got != tc.pgd {
				t.Errorf("pgd is %d bytes, want %d", got, tc.pgd)
			}
		})
	}
}

func TestLPAEStage1Entries(t *testing.T) {
	cfg := defaultConfig(ARM64LPAES1)
	cfg.Quirks = QuirkARMNS
	pt, _ := newTestTable(t, ARM64LPAES1, &cfg)
	for _, tc := range []struct {
		prot Prot
		want uint64
	}{
		{ProtRW | ProtCache, lpaeNG | lpaeAF | lpaeAPUnpriv | mairIdxCache<<lpaeAttrIndxShift | lpaeSHIS | lpaeNS},
		{ProtRead | ProtNoExec, lpaeNG | lpaeAF | lpaeAPUnpriv | lpaeAPRDOnly | lpaeSHOS | lpaeXN | lpaeNS},
		{ProtRW | ProtPriv | ProtMMIO, lpaeNG | lpaeAF | mairIdxDev<<lpaeAttrIndxShift | lpaeSHOS | lpaeNS},
		{ProtRW | ProtUseUpstreamHint, lpaeNG | lpaeAF | lpaeAPUnpriv | mairIdxUpstream<<lpaeAttrIndxShift | lpaeSHIS | lpaeNS},
	} {
		if err := pt.Map(Size2M, 0x12345000, Size4K, tc.prot); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		want := 0x12345000 | tc.want | lpaeTypePage
		if got := pt.IOVAToPTE(Size2M + 0x10); got != want {
			t.Errorf("entry for %v = %#x, want %#x", tc.prot, got, want)
		}
		pt.Unmap(Size2M, Size4K)
	}

	// Table entries carry NSTable.
	if err := pt.Map(0, 0, Size4K, ProtRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if pte := pt.ops.(*lpae).pgd.load64(0); pte&lpaeNSTable == 0 || pte&lpaeTypeMask != lpaeTypeTable {
		t.Errorf("pgd entry %#x is not a non-secure table", pte)
	}
}

func TestLPAEStage2Entries(t *testing.T) {
	cfg := defaultConfig(ARM64LPAES2)
	pt, _ := newTestTable(t, ARM64LPAES2, &cfg)
	for _, tc := range []struct {
		prot Prot
		want uint64
	}{
		{ProtRW | ProtCache, lpaeAF | lpaeHAPRead | lpaeHAPWrite | lpaeMemAttrOIWB | lpaeSHIS},
		{ProtRead | ProtNoExec, lpaeAF | lpaeHAPRead | lpaeMemAttrNC | lpaeSHOS | lpaeXN},
		{ProtWrite | ProtMMIO, lpaeAF | lpaeHAPWrite | lpaeMemAttrDev | lpaeSHOS},
	} {
		if err := pt.Map(0, Size1G, Size2M, tc.prot); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		want := Size1G | tc.want | lpaeTypeBlock
		if got := pt.IOVAToPTE(0x1234); got != want {
			t.Errorf("entry for %v = %#x, want %#x", tc.prot, got, want)
		}
		pt.Unmap(0, Size2M)
	}
}

func TestLPAEBlockSplit(t *testing.T) {
	cfg := defaultConfig(ARM64LPAES1)
	pt, g := newTestTable(t, ARM64LPAES1, &cfg)
	if err := pt.Map(Size1G, 0x80000000, Size1G, ProtRead|ProtCache|ProtNoExec); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	block := pt.IOVAToPTE(Size1G)
	before := pt.TableBytes()

	g.reset()
	iova := Size1G + 3*Size2M + 5*Size4K
	if n := pt.Unmap(iova, Size4K); n != Size4K {
		t.Fatalf("Unmap = %#x, want %#x", n, Size4K)
	}
	want := []gatherCall{
		{Op: "AddFlush", IOVA: Size1G, Size: Size1G, Granule: Size1G, Leaf: true},
		{Op: "AddFlush", IOVA: Size1G + 3*Size2M, Size: Size2M, Granule: Size2M, Leaf: true},
		{Op: "AddFlush", IOVA: iova, Size: Size4K, Granule: Size4K, Leaf: true},
		{Op: "Sync"},
	}
	if diff := cmp.Diff(want, g.calls); diff != "" {
		t.Errorf("Unmap callbacks mismatch (-want +got):\n%s", diff)
	}
	if got := pt.TableBytes() - before; got != 2*int64(Size4K) {
		t.Errorf("split allocated %d bytes, want %d", got, 2*Size4K)
	}

	attrs := func(pte uint64) uint64 {
		return pte &^ (lpaeAddrMask &^ (Size4K - 1)) &^ lpaeTypeMask
	}
	for _, tc := range []struct {
		iova uint64
		typ  uint64
	}{
		{Size1G, lpaeTypeBlock},
		{iova - Size4K, lpaeTypePage},
		{iova + Size4K, lpaeTypePage},
		{2*Size1G - Size4K, lpaeTypeBlock},
	} {
		pte := pt.IOVAToPTE(tc.iova)
		if attrs(pte) != attrs(block) || pte&lpaeTypeMask != tc.typ {
			t.Errorf("entry at %#x = %#x, want attributes of %#x and type %d", tc.iova, pte, block, tc.typ)
		}
		if pa, ok := pt.IOVAToPhys(tc.iova + 8); !ok || pa != tc.iova-Size1G+0x80000008 {
			t.Errorf("IOVAToPhys(%#x) = %#x, %t", tc.iova+8, pa, ok)
		}
	}
	if _, ok := pt.IOVAToPhys(iova); ok {
		t.Errorf("unmapped page still translated")
	}

	// Unmapping the rest releases the split tables.
	if n := pt.Unmap(Size1G, Size1G); n != Size1G-Size4K {
		t.Errorf("Unmap = %#x, want %#x", n, Size1G-Size4K)
	}
	if pt.TableBytes() != pt.allocBytes {
		t.Errorf("TableBytes = %d, want %d", pt.TableBytes(), pt.allocBytes)
	}
}

func TestLPAEGranules(t *testing.T) {
	for _, tc := range []struct {
		bitmap uint64
		block  uint64
	}{
		{Size4K | Size2M, Size2M},
		{Size16K | Size32M, Size32M},
		{Size64K | Size512M, Size512M},
	} {
		cfg := Config{PgsizeBitmap: tc.bitmap, IAS: 48, OAS: 48}
		pt, _ := newTestTable(t, ARM64LPAES1, &cfg)
		page := minPageSize(tc.bitmap)
		if err := pt.Map(tc.block-page, 0x40000000-page, page+tc.block, ProtRW); err != nil {
			t.Fatalf("Map with page sizes %#x failed: %v", tc.bitmap, err)
		}
		if pa, ok := pt.IOVAToPhys(tc.block + 0x123); !ok || pa != 0x40000123 {
			t.Errorf("IOVAToPhys = %#x, %t with page sizes %#x", pa, ok, tc.bitmap)
		}
		if pte := pt.IOVAToPTE(tc.block); pte&lpaeTypeMask != lpaeTypeBlock {
			t.Errorf("entry %#x with page sizes %#x is not a block", pte, tc.bitmap)
		}
		if n := pt.Unmap(0, 2*tc.block); n != page+tc.block {
			t.Errorf("Unmap = %#x, want %#x", n, page+tc.block)
		}
	}
}

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
	"math/bits"

	"gvisor.dev/iopgtable/pkg/log"
)

// Long descriptor entry fields.
const (
	lpaeTypeMask  = uint64(3)
	lpaeTypeBlock = uint64(1)
	lpaeTypeTable = uint64(3)
	lpaeTypePage  = uint64(3)

	lpaeNSTable = uint64(1) << 63
	lpaeXN      = uint64(3) << 53
	lpaeAF      = uint64(1) << 10
	lpaeSHOS    = uint64(2) << 8
	lpaeSHIS    = uint64(3) << 8
	lpaeSHMask  = uint64(3) << 8
	lpaeNS      = uint64(1) << 5
	lpaeNG      = uint64(1) << 11

	// Stage 1 permissions and attributes.
	lpaeAPUnpriv      = uint64(1) << 6
	lpaeAPRDOnly      = uint64(2) << 6
	lpaeAttrIndxShift = 2
	lpaeAttrIndxMask  = uint64(7) << lpaeAttrIndxShift

	// Stage 2 permissions and attributes.
	lpaeHAPRead     = uint64(1) << 6
	lpaeHAPWrite    = uint64(2) << 6
	lpaeMemAttrMask = uint64(0xf) << 2
	lpaeMemAttrOIWB = uint64(0xf) << 2
	lpaeMemAttrNC   = uint64(0x5) << 2
	lpaeMemAttrDev  = uint64(0x1) << 2

	lpaeMaxAddrBits = 48
	lpaeAddrMask    = uint64(1)<<lpaeMaxAddrBits - 1

	lpaeMaxLevels        = 4
	lpaeS2MaxConcatPages = 16
)

// MAIR attribute indices and encodings.
const (
	mairIdxNC       = 0
	mairIdxCache    = 1
	mairIdxDev      = 2
	mairIdxUpstream = 3
	mairIdxLLCNWA   = 4

	mairAttrNC       = 0x44
	mairAttrWBRWA    = 0xff
	mairAttrDevice   = 0x04
	mairAttrUpstream = 0xf4
	mairAttrLLCNWA   = 0xe4
)

// TCR and VTCR fields.
const (
	tcrT0SZShift  = 0
	tcrSL0Shift   = 6
	tcrSL0Mask    = 3
	tcrIRGN0Shift = 8
	tcrORGN0Shift = 10
	tcrSH0Shift   = 12
	tcrTG0Shift   = 14
	tcrPSShift    = 16
	tcrEPD1       = uint64(1) << 23
	tcrIPSShift   = 32

	tcrSHNS = 0
	tcrSHOS = 2
	tcrSHIS = 3

	tcrRGNNC   = 0
	tcrRGNWBWA = 1
	tcrRGNWB   = 3

	tcrTG04K  = 0
	tcrTG064K = 1
	tcrTG016K = 2

	vtcrRES1 = uint64(1) << 31
	tcr32EAE = uint64(1) << 31
)

// lpaeGeom is the shape of a long descriptor table.
type lpaeGeom struct {
	pgShift uint
	bpl     uint
	levels  int
	pgdBits uint

	// startLevel is the architectural level of the pgd.
	startLevel int
}

func newLPAEGeom(granule uint64, ias uint, stage2 bool) lpaeGeom {
	g := lpaeGeom{pgShift: uint(bits.TrailingZeros64(granule))}
	g.bpl = g.pgShift - 3
	va := ias - g.pgShift
	g.levels = int((va + g.bpl - 1) / g.bpl)
	g.pgdBits = va - g.bpl*uint(g.levels-1)
	g.startLevel = lpaeMaxLevels - g.levels

	// Concatenate pgds to remove a level of stage 2 walks.
	if stage2 && g.startLevel == 0 && 1<<g.pgdBits <= lpaeS2MaxConcatPages {
		g.pgdBits += g.bpl
		g.levels--
		g.startLevel++
	}
	return g
}

func (g *lpaeGeom) granule() uint64 {
	return 1 << g.pgShift
}

func (g *lpaeGeom) shift(l int) uint {
	return g.pgShift + g.bpl*uint(g.levels-1-l)
}

func (g *lpaeGeom) blockSize(l int) uint64 {
	return 1 << g.shift(l)
}

func (g *lpaeGeom) index(l int, iova uint64) uint64 {
	n := g.bpl
	if l == 0 {
		n = g.pgdBits
	}
	return (iova >> g.shift(l)) & (1<<n - 1)
}

func (g *lpaeGeom) pgdSize() uint64 {
	return max(uint64(8)<<g.pgdBits, 64)
}

// sizes returns the block and page sizes representable at some level.
func (g *lpaeGeom) sizes() uint64 {
	var s uint64
	for l := 0; l < g.levels; l++ {
		s |= g.blockSize(l)
	}
	return s
}

func (g *lpaeGeom) levelFor(pgsize uint64) int {
	for l := 0; l < g.levels; l++ {
		if g.blockSize(l) == pgsize {
			return l
		}
	}
	return -1
}

// oaMask returns the output address bits of an entry.
func (g *lpaeGeom) oaMask() uint64 {
	return lpaeAddrMask &^ (g.granule() - 1)
}

// lpaeGranule picks the translation granule from the requested page sizes
// and narrows them to the granule's block sizes.
func lpaeGranule(bitmap uint64) (uint64, uint64) {
	switch {
	case bitmap&Size4K != 0:
		return Size4K, bitmap & (Size4K | Size2M | Size1G)
	case bitmap&Size16K != 0:
		return Size16K, bitmap & (Size16K | Size32M)
	case bitmap&Size64K != 0:
		return Size64K, bitmap & (Size64K | Size512M)
	default:
		return 0, 0
	}
}

// lpaeIPS returns the encoding of an output address size.
func lpaeIPS(oas uint) (uint64, bool) {
	switch oas {
	case 32:
		return 0, true
	case 36:
		return 1, true
	case 40:
		return 2, true
	case 42:
		return 3, true
	case 44:
		return 4, true
	case 48:
		return 5, true
	default:
		return 0, false
	}
}

func lpaeTG0(granule uint64) uint64 {
	switch granule {
	case Size16K:
		return tcrTG016K
	case Size64K:
		return tcrTG064K
	default:
		return tcrTG04K
	}
}

func (f Format) lpae32() bool {
	return f == ARM32LPAES1 || f == ARM32LPAES2
}

var lpaeS1Quirks = QuirkARMNS | QuirkNoPerms | QuirkTLBIOnMap | QuirkNoDMA |
	QuirkNonShareable | QuirkUseUpstreamHint | QuirkUseLLCNWA

var lpaeS2Quirks = QuirkNoPerms | QuirkTLBIOnMap | QuirkNoDMA

// ignoredQuirks logs the quirks a format does not implement.
func ignoredQuirks(f Format, q, supported Quirks) {
	if ign := q &^ supported; ign != 0 {
		log.Debugf("iopgtable: %v ignores quirks %v", f, ign)
	}
}

func checkLPAE(f Format, cfg *Config) error {
	bitmap := cfg.PgsizeBitmap
	if f.lpae32() {
		bitmap &= Size4K | Size2M | Size1G
	}
	granule, bitmap := lpaeGranule(bitmap)
	if granule == 0 {
		return fmt.Errorf("%w: %v cannot use page sizes %#x", ErrPageSize, f, cfg.PgsizeBitmap)
	}

	maxIAS, maxOAS := uint(lpaeMaxAddrBits), uint(lpaeMaxAddrBits)
	switch f {
	case ARM32LPAES1:
		maxIAS, maxOAS = 32, 40
	case ARM32LPAES2:
		maxIAS, maxOAS = 40, 40
	}
	if cfg.IAS > maxIAS || cfg.IAS <= uint(bits.TrailingZeros64(granule)) {
		return fmt.Errorf("%w: %v input size %d", ErrAddressWidth, f, cfg.IAS)
	}
	if _, ok := lpaeIPS(cfg.OAS); !ok || cfg.OAS > maxOAS {
		return fmt.Errorf("%w: %v output size %d", ErrAddressWidth, f, cfg.OAS)
	}

	g := newLPAEGeom(granule, cfg.IAS, f.stage2())
	cfg.PgsizeBitmap = bitmap & g.sizes()

	if f.stage2() {
		ignoredQuirks(f, cfg.Quirks, lpaeS2Quirks)
	} else {
		ignoredQuirks(f, cfg.Quirks, lpaeS1Quirks)
	}
	return nil
}

// lpae implements the long descriptor formats.
type lpae struct {
	lpaeGeom

	t      *PageTable
	pgd    *table
	stage2 bool
}

func allocLPAE(t *PageTable) (tableOps, error) {
	granule, _ := lpaeGranule(t.cfg.PgsizeBitmap)
	d := &lpae{
		lpaeGeom: newLPAEGeom(granule, t.cfg.IAS, t.format.stage2()),
		t:        t,
		stage2:   t.format.stage2(),
	}
	pgd, err := t.mem.newTable(d.pgdSize())
	if err != nil {
		return nil, err
	}
	d.pgd = pgd

	if d.stage2 {
		t.cfg.Regs = lpaeS2Regs(t.format, &d.lpaeGeom, pgd.bus, &t.cfg)
	} else {
		t.cfg.Regs = lpaeS1Regs(t.format, &d.lpaeGeom, pgd.bus, &t.cfg)
	}
	return d, nil
}

// lpaeWalkAttrs returns the TCR cacheability of table walks.
func lpaeWalkAttrs(cfg *Config) uint64 {
	sh, irgn, orgn := uint64(tcrSHOS), uint64(tcrRGNNC), uint64(tcrRGNNC)
	switch q := cfg.Quirks; {
	case cfg.walkerCoherent():
		sh, irgn, orgn = tcrSHIS, tcrRGNWBWA, tcrRGNWBWA
	case q&QuirkNonShareable != 0:
		sh, irgn, orgn = tcrSHNS, tcrRGNNC, tcrRGNWBWA
	case q&QuirkUseUpstreamHint != 0:
		sh, irgn, orgn = tcrSHOS, tcrRGNNC, tcrRGNWBWA
	case q&QuirkUseLLCNWA != 0:
		sh, irgn, orgn = tcrSHOS, tcrRGNNC, tcrRGNWB
	}
	return sh<<tcrSH0Shift | irgn<<tcrIRGN0Shift | orgn<<tcrORGN0Shift
}

func lpaeMAIR() [2]uint64 {
	return [2]uint64{
		mairAttrNC<<(8*mairIdxNC) |
			mairAttrWBRWA<<(8*mairIdxCache) |
			mairAttrDevice<<(8*mairIdxDev) |
			mairAttrUpstream<<(8*mairIdxUpstream),
		mairAttrLLCNWA << (8 * (mairIdxLLCNWA - 4)),
	}
}

func lpaeS1Regs(f Format, g *lpaeGeom, pgd uint64, cfg *Config) *LPAES1Config {
	ips, _ := lpaeIPS(cfg.OAS)
	tcr := lpaeWalkAttrs(cfg) |
		lpaeTG0(g.granule())<<tcrTG0Shift |
		ips<<tcrIPSShift |
		uint64(64-cfg.IAS)<<tcrT0SZShift |
		tcrEPD1
	if f.lpae32() {
		tcr = (tcr | tcr32EAE) & 0xffffffff
	}
	return &LPAES1Config{
		TTBR: [2]uint64{pgd, 0},
		TCR:  tcr,
		MAIR: lpaeMAIR(),
	}
}

func lpaeS2Regs(f Format, g *lpaeGeom, pgd uint64, cfg *Config) *LPAES2Config {
	ips, _ := lpaeIPS(cfg.OAS)
	sl := uint64(g.startLevel)
	if g.granule() == Size4K {
		// SL0 is offset by one for the 4K granule.
		sl++
	}
	vtcr := vtcrRES1 |
		tcrSHIS<<tcrSH0Shift | tcrRGNWBWA<<tcrIRGN0Shift | tcrRGNWBWA<<tcrORGN0Shift |
		lpaeTG0(g.granule())<<tcrTG0Shift |
		ips<<tcrPSShift |
		uint64(64-cfg.IAS)<<tcrT0SZShift |
		(^sl&tcrSL0Mask)<<tcrSL0Shift
	if f.lpae32() {
		vtcr &= 0xffffffff
	}
	return &LPAES2Config{VTTBR: pgd, VTCR: vtcr}
}

// lpaeS1Prot returns the stage 1 attribute bits of a leaf.
func lpaeS1Prot(prot Prot, q Quirks) uint64 {
	pte := lpaeNG | lpaeAF
	if prot&ProtWrite == 0 && prot&ProtRead != 0 {
		pte |= lpaeAPRDOnly
	}
	if prot&ProtPriv == 0 {
		pte |= lpaeAPUnpriv
	}
	switch {
	case prot&ProtMMIO != 0:
		pte |= mairIdxDev<<lpaeAttrIndxShift | lpaeSHOS
	case prot&ProtCache != 0:
		pte |= mairIdxCache<<lpaeAttrIndxShift | lpaeSHIS
	case prot&ProtUseUpstreamHint != 0:
		pte |= mairIdxUpstream<<lpaeAttrIndxShift | lpaeSHIS
	case prot&ProtUseLLCNWA != 0:
		pte |= mairIdxLLCNWA<<lpaeAttrIndxShift | lpaeSHIS
	default:
		pte |= mairIdxNC<<lpaeAttrIndxShift | lpaeSHOS
	}
	if prot&ProtNoExec != 0 {
		pte |= lpaeXN
	}
	if q&QuirkARMNS != 0 {
		pte |= lpaeNS
	}
	return pte
}

// lpaeS2Prot returns the stage 2 attribute bits of a leaf.
func lpaeS2Prot(prot Prot) uint64 {
	pte := lpaeAF
	if prot&ProtRead != 0 {
		pte |= lpaeHAPRead
	}
	if prot&ProtWrite != 0 {
		pte |= lpaeHAPWrite
	}
	switch {
	case prot&ProtMMIO != 0:
		pte |= lpaeMemAttrDev | lpaeSHOS
	case prot&ProtCache != 0:
		pte |= lpaeMemAttrOIWB | lpaeSHIS
	default:
		pte |= lpaeMemAttrNC | lpaeSHOS
	}
	if prot&ProtNoExec != 0 {
		pte |= lpaeXN
	}
	return pte
}

// lpaeS1Coherent returns true if a stage 1 leaf maps cacheable shareable
// memory.
func lpaeS1Coherent(pte uint64) bool {
	return pte&lpaeAttrIndxMask == mairIdxCache<<lpaeAttrIndxShift && pte&lpaeSHMask != 0
}

func (d *lpae) coherent(pte uint64) bool {
	if d.stage2 {
		return pte&lpaeMemAttrMask == lpaeMemAttrOIWB
	}
	return lpaeS1Coherent(pte)
}

func (d *lpae) protBits(prot Prot) uint64 {
	if d.stage2 {
		return lpaeS2Prot(prot)
	}
	return lpaeS1Prot(prot, d.t.cfg.Quirks)
}

func (d *lpae) leafType(l int) uint64 {
	if l == d.levels-1 {
		return lpaeTypePage
	}
	return lpaeTypeBlock
}

func (d *lpae) isTable(pte uint64, l int) bool {
	return l < d.levels-1 && pte&lpaeTypeMask == lpaeTypeTable
}

func (d *lpae) tableEntry(child *table) uint64 {
	pte := child.bus | lpaeTypeTable
	if !d.stage2 && d.t.cfg.Quirks&QuirkARMNS != 0 {
		pte |= lpaeNSTable
	}
	return pte
}

func (d *lpae) child(pte uint64) *table {
	return d.t.mem.lookup(pte & d.oaMask())
}

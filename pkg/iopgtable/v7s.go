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

// Short descriptor geometry. Level 1 entries translate 1M, level 2 entries
// 4K; 16 contiguous entries form a 16M supersection or a 64K large page.
const (
	v7sAddrBits  = 32
	v7sContPages = 16
	v7sTableMask = ^uint32(0x3ff)

	v7sL1Size = 4096 * 4
	v7sL2Size = 256 * 4
)

// Short descriptor entry fields.
const (
	v7sTypeTable    = 0x1
	v7sTypePage     = 0x2
	v7sTypeContPage = 0x1

	v7sAttrB         = 1 << 2
	v7sAttrC         = 1 << 3
	v7sAttrNSTable   = 1 << 3
	v7sAttrNSSection = 1 << 19
	v7sContSection   = 1 << 18

	v7sContPageXNShift  = 15
	v7sContPageTexShift = 6
	v7sContPageTexMask  = v7sTexMask << v7sContPageTexShift

	// Attribute block, shifted into place by v7sAttrShift.
	v7sAttrAP0     = 1 << 0
	v7sAttrAP1     = 1 << 1
	v7sAttrAP2     = 1 << 5
	v7sAttrS       = 1 << 6
	v7sAttrNG      = 1 << 7
	v7sTexShift    = 2
	v7sTexMask     = 0x7
	v7sPTEAF       = v7sAttrAP0
	v7sPTEAPUnpriv = v7sAttrAP1
	v7sPTEAPRDOnly = v7sAttrAP2

	// Output address bits 32 and 33 under QuirkARMMTK4GB.
	v7sMTKPABit32 = 1 << 9
	v7sMTKPABit33 = 1 << 4
)

// Register fields.
const (
	v7sRGNNC   = 0
	v7sRGNWBWA = 1

	v7sPRRRTypeDevice = 1
	v7sPRRRTypeNormal = 2
	v7sPRRRDS0        = 1 << 16
	v7sPRRRDS1        = 1 << 17
	v7sPRRRNS1        = 1 << 19

	v7sTTBRS   = 1 << 1
	v7sTTBRNOS = 1 << 5

	v7sTCRPD1 = 1 << 5
)

func v7sShift(lvl int) uint {
	return uint(v7sAddrBits - (4 + 8*lvl))
}

func v7sBlockSize(lvl int) uint64 {
	return 1 << v7sShift(lvl)
}

func v7sLvlMask(lvl int) uint32 {
	return ^uint32(0) << v7sShift(lvl)
}

func v7sIndex(iova uint64, lvl int) uint64 {
	n := uint64(1)<<(16-lvl*4) - 1
	return (iova >> v7sShift(lvl)) & n
}

func v7sAttrShift(lvl int) uint {
	return uint(16 - lvl*6)
}

func v7sXN(lvl int) uint32 {
	return 1 << (4 * (2 - lvl))
}

func v7sIsTable(pte uint32, lvl int) bool {
	return lvl == 1 && pte&3 == v7sTypeTable
}

func v7sIsCont(pte uint32, lvl int) bool {
	if lvl == 1 {
		return !v7sIsTable(pte, lvl) && pte&v7sContSection != 0
	}
	return pte&v7sTypePage == 0
}

var v7sQuirks = QuirkARMNS | QuirkNoPerms | QuirkTLBIOnMap | QuirkARMMTK4GB | QuirkNoDMA

func checkV7S(f Format, cfg *Config) error {
	maxOAS := uint(v7sAddrBits)
	if cfg.Quirks&QuirkARMMTK4GB != 0 {
		maxOAS = 34
	}
	if cfg.IAS > v7sAddrBits || cfg.IAS <= 12 {
		return fmt.Errorf("%w: %v input size %d", ErrAddressWidth, f, cfg.IAS)
	}
	if cfg.OAS > maxOAS || cfg.OAS <= 12 {
		return fmt.Errorf("%w: %v output size %d", ErrAddressWidth, f, cfg.OAS)
	}
	bitmap := cfg.PgsizeBitmap & (Size4K | Size64K | Size1M | Size16M)
	if bitmap&Size4K == 0 {
		return fmt.Errorf("%w: %v cannot use page sizes %#x", ErrPageSize, f, cfg.PgsizeBitmap)
	}
	cfg.PgsizeBitmap = bitmap
	ignoredQuirks(f, cfg.Quirks, v7sQuirks)
	return nil
}

// v7s implements the short descriptor format.
type v7s struct {
	t   *PageTable
	pgd *table
}

func allocV7S(t *PageTable) (tableOps, error) {
	pgd, err := t.mem.newTable(v7sL1Size)
	if err != nil {
		return nil, err
	}
	d := &v7s{t: t, pgd: pgd}

	regs := &V7SConfig{
		TCR: v7sTCRPD1,
		PRRR: v7sPRRRTypeDevice<<(1*2) |
			v7sPRRRTypeNormal<<(4*2) |
			v7sPRRRTypeNormal<<(7*2) |
			v7sPRRRDS0 | v7sPRRRDS1 | v7sPRRRNS1 | 1<<(7+24),
		NMRR: v7sRGNWBWA<<(7*2) | v7sRGNWBWA<<(7*2+16),
	}
	ttbr := uint32(pgd.bus)
	if t.cfg.walkerCoherent() {
		ttbr |= v7sTTBRS | v7sTTBRNOS | v7sTTBRIRGN(v7sRGNWBWA) | v7sTTBRORGN(v7sRGNWBWA)
	} else {
		ttbr |= v7sTTBRIRGN(v7sRGNNC) | v7sTTBRORGN(v7sRGNNC)
	}
	regs.TTBR[0] = ttbr
	t.cfg.Regs = regs
	return d, nil
}

func v7sTTBRORGN(attr uint32) uint32 {
	return (attr & 3) << 3
}

func v7sTTBRIRGN(attr uint32) uint32 {
	return (attr&1)<<6 | (attr&2)>>1
}

func (d *v7s) mtk() bool {
	return d.t.cfg.Quirks&QuirkARMMTK4GB != 0
}

// protToPTE returns the attributes of a leaf at lvl.
func (d *v7s) protToPTE(prot Prot, lvl int) uint32 {
	q := d.t.cfg.Quirks
	ap := q&(QuirkNoPerms|QuirkARMMTK4GB) == 0
	pte := uint32(v7sAttrNG | v7sAttrS)
	if prot&ProtMMIO == 0 {
		pte |= 1 << v7sTexShift
	}
	if ap {
		pte |= v7sPTEAF
		if prot&ProtPriv == 0 {
			pte |= v7sPTEAPUnpriv
		}
		if prot&ProtWrite == 0 {
			pte |= v7sPTEAPRDOnly
		}
	}
	pte <<= v7sAttrShift(lvl)

	if prot&ProtNoExec != 0 && ap {
		pte |= v7sXN(lvl)
	}
	switch {
	case prot&ProtMMIO != 0:
		pte |= v7sAttrB
	case prot&ProtCache != 0:
		pte |= v7sAttrB | v7sAttrC
	}
	pte |= v7sTypePage
	if lvl == 1 && q&QuirkARMNS != 0 {
		pte |= v7sAttrNSSection
	}
	return pte
}

// v7sPTEToProt recovers the protection of a leaf at lvl.
func v7sPTEToProt(pte uint32, lvl int) Prot {
	prot := ProtRead
	attr := pte >> v7sAttrShift(lvl)
	if attr&v7sPTEAPRDOnly == 0 {
		prot |= ProtWrite
	}
	if attr&v7sPTEAPUnpriv == 0 {
		prot |= ProtPriv
	}
	if attr&(v7sTexMask<<v7sTexShift) == 0 {
		prot |= ProtMMIO
	} else if pte&v7sAttrC != 0 {
		prot |= ProtCache
	}
	if pte&v7sXN(lvl) != 0 {
		prot |= ProtNoExec
	}
	return prot
}

func v7sPTEToCont(pte uint32, lvl int) uint32 {
	if lvl == 1 {
		return pte | v7sContSection
	}
	xn := pte & v7sXN(lvl)
	tex := pte & v7sContPageTexMask
	pte ^= xn | tex | v7sTypePage
	return pte | xn<<v7sContPageXNShift | tex<<v7sContPageTexShift | v7sTypeContPage
}

func v7sContToPTE(pte uint32, lvl int) uint32 {
	if lvl == 1 {
		return pte &^ v7sContSection
	}
	xn := pte & (1 << v7sContPageXNShift)
	tex := pte & (v7sContPageTexMask << v7sContPageTexShift)
	pte ^= xn | tex | v7sTypeContPage
	return pte | xn>>v7sContPageXNShift | tex>>v7sContPageTexShift | v7sTypePage
}

func (d *v7s) paddrToPTE(paddr uint64, lvl int) uint32 {
	pte := uint32(paddr) & v7sLvlMask(lvl)
	if d.mtk() {
		if paddr&(1<<32) != 0 {
			pte |= v7sMTKPABit32
		}
		if paddr&(1<<33) != 0 {
			pte |= v7sMTKPABit33
		}
	}
	return pte
}

// pteToPaddr returns the output address of a leaf at lvl.
func (d *v7s) pteToPaddr(pte uint32, lvl int) uint64 {
	mask := v7sLvlMask(lvl)
	if v7sIsCont(pte, lvl) {
		mask *= v7sContPages
	}
	paddr := uint64(pte & mask)
	if d.mtk() {
		if pte&v7sMTKPABit32 != 0 {
			paddr |= 1 << 32
		}
		if pte&v7sMTKPABit33 != 0 {
			paddr |= 1 << 33
		}
	}
	return paddr
}

func (d *v7s) child(pte uint32) *table {
	return d.t.mem.lookup(uint64(pte & v7sTableMask))
}

// coherent implements tableOps.coherent. Cacheable leaves are always
// shareable.
func (d *v7s) coherent(pte uint64) bool {
	return pte&(v7sAttrB|v7sAttrC) == v7sAttrB|v7sAttrC
}

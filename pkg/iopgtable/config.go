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
	"strings"
)

// Quirks is a set of hardware deviations from the nominal format semantics.
//
// Quirks are hints: a format ignores the quirks that do not apply to it and
// honors the ones it supports.
type Quirks uint64

const (
	// QuirkARMNS sets the NS and NSTABLE bits in stage 1 entries, for
	// hardware which validates them even in non-secure state.
	QuirkARMNS Quirks = 1 << iota

	// QuirkNoPerms ignores ProtRead, ProtWrite and ProtNoExec and maps
	// everything with full access.
	QuirkNoPerms

	// QuirkTLBIOnMap waits for TLB maintenance when mapping as well as when
	// unmapping, for hardware that may cache invalid entries.
	QuirkTLBIOnMap

	// QuirkARMMTK4GB extends the v7s output address to 34 bits, with bits
	// 32 and 33 encoded in entry bits 9 and 4.
	QuirkARMMTK4GB

	// QuirkNoDMA guarantees that tables are only accessed by a fully cache
	// coherent walker, so entry updates need no cache maintenance.
	QuirkNoDMA

	// QuirkNonShareable marks table walks as non-shareable, for walkers
	// that cache non-coherent tables in a system cache.
	QuirkNonShareable

	// QuirkUseUpstreamHint overrides the walker cache attributes with the
	// ones provided by the upstream hardware.
	QuirkUseUpstreamHint

	// QuirkUseLLCNWA overrides the walker cache attributes with
	// write-back, no write-allocate.
	QuirkUseLLCNWA

	numQuirks = iota
)

var quirkNames = [numQuirks]string{
	"arm-ns",
	"no-perms",
	"tlbi-on-map",
	"arm-mtk-4gb",
	"no-dma",
	"non-shareable",
	"use-upstream-hint",
	"use-llc-nwa",
}

// String implements fmt.Stringer.
func (q Quirks) String() string {
	if q == 0 {
		return "none"
	}
	var names []string
	for i := 0; i < numQuirks; i++ {
		if q&(1<<i) != 0 {
			names = append(names, quirkNames[i])
		}
	}
	if rest := q &^ (1<<numQuirks - 1); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(names, "|")
}

// ParseQuirk returns the quirk with the given name, as returned by String.
func ParseQuirk(name string) (Quirks, error) {
	for i, n := range quirkNames {
		if strings.EqualFold(n, name) {
			return 1 << i, nil
		}
	}
	return 0, fmt.Errorf("unknown quirk %q", name)
}

// Page and block sizes.
const (
	Size4K   = uint64(1) << 12
	Size16K  = uint64(1) << 14
	Size64K  = uint64(1) << 16
	Size1M   = uint64(1) << 20
	Size2M   = uint64(1) << 21
	Size16M  = uint64(1) << 24
	Size32M  = uint64(1) << 25
	Size512M = uint64(1) << 29
	Size1G   = uint64(1) << 30
)

// Device is the device whose walker reads the tables. It is only consulted
// for allocation policy.
type Device interface {
	// Coherent returns true if the walker snoops CPU caches.
	Coherent() bool
}

// DMASyncer may be implemented by a Device whose walker is not coherent. It
// is called after table memory is written so that the walker observes the
// update.
type DMASyncer interface {
	// SyncForDevice makes [addr, addr+size) of table memory visible to the
	// walker. It must not block.
	SyncForDevice(addr, size uint64)
}

// Config is the negotiated configuration of one table.
//
// Alloc copies the Config: changes made after Alloc returns do not affect
// the table. On success Alloc writes the values actually provided by the
// format back to the caller's Config.
type Config struct {
	// Quirks is the set of hardware quirks.
	Quirks Quirks

	// PgsizeBitmap is the set of page sizes the table may use. Alloc
	// restricts it to the sizes the format can represent.
	PgsizeBitmap uint64

	// IAS is the input (IOVA) address size in bits.
	IAS uint

	// OAS is the output (physical) address size in bits.
	OAS uint

	// TLB receives invalidation requests. If nil, no invalidation is
	// performed, e.g. because the table is not yet visible to hardware.
	TLB Gather

	// Device is the device walking the tables. It may be nil.
	Device Device

	// PageAllocator overrides the allocation of table memory. If nil, an
	// exact page allocator is used.
	PageAllocator PageAllocator

	// IOVABase and IOVAEnd are an advisory hint of the inclusive IOVA range
	// the caller intends to use. They are ignored unless IOVAEnd > IOVABase.
	IOVABase uint64
	IOVAEnd  uint64

	// Regs holds the format-specific register values. It is set by Alloc;
	// its dynamic type is determined by the Format.
	Regs FormatConfig
}

// FormatConfig is the format-specific part of a Config. It is implemented by
// LPAES1Config, LPAES2Config, V7SConfig and FastConfig.
type FormatConfig interface {
	isFormatConfig()
}

// LPAES1Config holds the registers of the LPAE stage 1 formats.
type LPAES1Config struct {
	TTBR [2]uint64
	TCR  uint64
	MAIR [2]uint64
}

// LPAES2Config holds the registers of the LPAE stage 2 formats.
type LPAES2Config struct {
	VTTBR uint64
	VTCR  uint64
}

// V7SConfig holds the registers of the v7 short descriptor format.
type V7SConfig struct {
	TTBR [2]uint32
	TCR  uint32
	NMRR uint32
	PRRR uint32
}

// FastConfig holds the registers of the fast format, and the leaf entries of
// the table.
type FastConfig struct {
	TTBR [2]uint64
	TCR  uint64
	MAIR [2]uint64

	// Base is the IOVA translated by PTEs[0].
	Base uint64

	// PTEs are the leaf entries, one per 4K page starting at Base. They are
	// shared with the table and must only be read.
	PTEs []uint64
}

func (*LPAES1Config) isFormatConfig() {}
func (*LPAES2Config) isFormatConfig() {}
func (*V7SConfig) isFormatConfig()    {}
func (*FastConfig) isFormatConfig()   {}

// LPAES1 returns the stage 1 LPAE registers, if the table uses them.
func (c *Config) LPAES1() (*LPAES1Config, bool) {
	r, ok := c.Regs.(*LPAES1Config)
	return r, ok
}

// LPAES2 returns the stage 2 LPAE registers, if the table uses them.
func (c *Config) LPAES2() (*LPAES2Config, bool) {
	r, ok := c.Regs.(*LPAES2Config)
	return r, ok
}

// V7S returns the v7s registers, if the table uses them.
func (c *Config) V7S() (*V7SConfig, bool) {
	r, ok := c.Regs.(*V7SConfig)
	return r, ok
}

// Fast returns the fast format registers, if the table uses them.
func (c *Config) Fast() (*FastConfig, bool) {
	r, ok := c.Regs.(*FastConfig)
	return r, ok
}

// regsMatch returns true if the dynamic type of regs is the one used by f.
func regsMatch(f Format, regs FormatConfig) bool {
	switch regs.(type) {
	case *LPAES1Config:
		return f == ARM32LPAES1 || f == ARM64LPAES1
	case *LPAES2Config:
		return f == ARM32LPAES2 || f == ARM64LPAES2
	case *V7SConfig:
		return f == ARMV7S
	case *FastConfig:
		return f == ARMV8LFast
	default:
		return false
	}
}

// walkerCoherent returns true if table updates need no cache maintenance.
func (c *Config) walkerCoherent() bool {
	if c.Quirks&QuirkNoDMA != 0 {
		return true
	}
	return c.Device != nil && c.Device.Coherent()
}

// minPageSize returns the smallest page size in bitmap, or 0 if empty.
func minPageSize(bitmap uint64) uint64 {
	if bitmap == 0 {
		return 0
	}
	return 1 << bits.TrailingZeros64(bitmap)
}

// pageSizeFor returns the largest page size in bitmap that is no larger than
// size and to which addr is aligned, or 0 if there is none. Callers pass
// iova|paddr as addr so that both addresses are aligned.
func pageSizeFor(addr, size, bitmap uint64) uint64 {
	for bitmap != 0 {
		s := uint64(1) << (63 - bits.LeadingZeros64(bitmap))
		if s <= size && addr&(s-1) == 0 {
			return s
		}
		bitmap &^= s
	}
	return 0
}

// addrLimit returns 1 << width, saturating at the top of the address space.
func addrLimit(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << width
}

// PageSizes returns the page sizes of bitmap in ascending order.
func PageSizes(bitmap uint64) []uint64 {
	var sizes []uint64
	for bitmap != 0 {
		s := uint64(1) << bits.TrailingZeros64(bitmap)
		sizes = append(sizes, s)
		bitmap &^= s
	}
	return sizes
}

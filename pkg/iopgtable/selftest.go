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
	"fmt"
	"math/bits"

	"gvisor.dev/iopgtable/pkg/log"
)

// selftestCookie is passed to Alloc by SelfTest, so that callbacks can check
// they receive it.
type selftestCookie struct {
	name string
}

// selftestGather checks the invalidation protocol.
type selftestGather struct {
	cookie  *selftestCookie
	pending int
	errs    []error
}

func (g *selftestGather) check(cookie any) {
	if c, ok := cookie.(*selftestCookie); !ok || c != g.cookie {
		g.errs = append(g.errs, fmt.Errorf("callback with cookie %v, want %v", cookie, g.cookie))
	}
}

// FlushAll implements Gather.FlushAll.
func (g *selftestGather) FlushAll(cookie any) {
	g.check(cookie)
	g.pending = 0
}

// AddFlush implements Gather.AddFlush.
func (g *selftestGather) AddFlush(iova, size, granule uint64, leaf bool, cookie any) {
	g.check(cookie)
	if size == 0 || granule == 0 || size%granule != 0 || iova%granule != 0 {
		g.errs = append(g.errs, fmt.Errorf("bad flush of [%#x, +%#x) at granule %#x", iova, size, granule))
	}
	g.pending++
}

// Sync implements Gather.Sync.
func (g *selftestGather) Sync(cookie any) {
	g.check(cookie)
	g.pending = 0
}

// selftestConfig is one configuration exercised by SelfTest.
type selftestConfig struct {
	bitmap   uint64
	ias, oas uint
	quirks   Quirks
}

func selftestConfigs(f Format) []selftestConfig {
	var cfgs []selftestConfig
	switch f {
	case ARM64LPAES1, ARM64LPAES2:
		for _, bitmap := range []uint64{Size4K | Size2M | Size1G, Size16K | Size32M, Size64K | Size512M} {
			for _, as := range []uint{32, 36, 40, 42, 44, 48} {
				cfgs = append(cfgs, selftestConfig{bitmap: bitmap, ias: as, oas: as})
			}
		}
	case ARM32LPAES1:
		for _, oas := range []uint{32, 36, 40} {
			cfgs = append(cfgs, selftestConfig{bitmap: Size4K | Size2M | Size1G, ias: 32, oas: oas})
		}
	case ARM32LPAES2:
		for _, as := range []uint{32, 36, 40} {
			cfgs = append(cfgs, selftestConfig{bitmap: Size4K | Size2M | Size1G, ias: as, oas: as})
		}
	case ARMV7S:
		cfgs = append(cfgs, selftestConfig{
			bitmap: Size4K | Size64K | Size1M | Size16M,
			ias:    32,
			oas:    32,
			quirks: QuirkARMNS | QuirkNoDMA,
		})
	case ARMV8LFast:
		cfgs = append(cfgs, selftestConfig{bitmap: Size4K, ias: 32, oas: 32, quirks: QuirkNoDMA})
	}
	return cfgs
}

// SelfTest exercises every operation of format f over a set of
// configurations, and returns the first failure.
func SelfTest(f Format) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
	for _, c := range selftestConfigs(f) {
		if err := selftest(f, c); err != nil {
			return fmt.Errorf("%v ias %d oas %d page sizes %#x: %w", f, c.ias, c.oas, c.bitmap, err)
		}
	}
	log.Infof("iopgtable: %v self test passed", f)
	return nil
}

func selftest(f Format, c selftestConfig) (err error) {
	cookie := &selftestCookie{name: f.String()}
	g := &selftestGather{cookie: cookie}
	cfg := Config{
		Quirks:       c.quirks,
		PgsizeBitmap: c.bitmap,
		IAS:          c.ias,
		OAS:          c.oas,
		TLB:          g,
	}
	t, err := Alloc(f, &cfg, cookie)
	if err != nil {
		return err
	}
	defer func() {
		Free(t)
		if n := t.TableBytes(); n != 0 && err == nil {
			err = fmt.Errorf("%d bytes of table memory leaked", n)
		}
		if err == nil && len(g.errs) > 0 {
			err = errors.Join(g.errs...)
		}
	}()

	sizes := PageSizes(cfg.PgsizeBitmap)
	stride := max(largestSize(cfg.PgsizeBitmap), Size16M)
	limit := addrLimit(cfg.IAS)
	if uint64(len(sizes))*stride > limit {
		return fmt.Errorf("%d page sizes do not fit at stride %#x", len(sizes), stride)
	}

	// Empty tables translate nothing.
	for _, iova := range []uint64{42, Size1G + 42, 2*Size1G + 42} {
		if iova >= limit {
			continue
		}
		if pa, ok := t.IOVAToPhys(iova); ok {
			return fmt.Errorf("empty table translates %#x to %#x", iova, pa)
		}
	}

	// Distinct mappings of each page size.
	iova := uint64(0)
	for _, size := range sizes {
		if err := t.Map(iova, iova, size, ProtRW|ProtNoExec|ProtCache); err != nil {
			return fmt.Errorf("map of %#x at %#x: %w", size, iova, err)
		}
		if err := t.Map(iova, iova+size, size, ProtRead|ProtNoExec); !errors.Is(err, ErrExist) {
			return fmt.Errorf("overlapping map of %#x at %#x: got %v, want %v", size, iova, err, ErrExist)
		}
		if pa, ok := t.IOVAToPhys(iova + 42); !ok || pa != iova+42 {
			return fmt.Errorf("translation of %#x: got %#x, %t", iova+42, pa, ok)
		}
		if g.pending == 0 {
			return fmt.Errorf("map of %#x at %#x queued no invalidation", size, iova)
		}
		iova += stride
	}

	// Partial unmap of each block, and remap.
	small := sizes[0]
	for k := 1; k < len(sizes); k++ {
		iova := uint64(k)*stride + small
		if n := t.Unmap(iova, small); n != small {
			return fmt.Errorf("partial unmap at %#x: got %#x, want %#x", iova, n, small)
		}
		if g.pending != 0 {
			return fmt.Errorf("partial unmap at %#x returned without sync", iova)
		}
		if err := t.Map(iova, small, small, ProtRead); err != nil {
			return fmt.Errorf("remap at %#x: %w", iova, err)
		}
		if pa, ok := t.IOVAToPhys(iova + 42); !ok || pa != small+42 {
			return fmt.Errorf("translation of %#x: got %#x, %t", iova+42, pa, ok)
		}
	}

	// Full unmap, and remap.
	iova = 0
	for _, size := range sizes {
		if n := t.Unmap(iova, size); n != size {
			return fmt.Errorf("unmap of %#x at %#x: got %#x", size, iova, n)
		}
		if pa, ok := t.IOVAToPhys(iova + 42); ok {
			return fmt.Errorf("unmapped %#x translates to %#x", iova+42, pa)
		}
		if err := t.Map(iova, iova, size, ProtWrite); err != nil {
			return fmt.Errorf("remap of %#x at %#x: %w", size, iova, err)
		}
		if pa, ok := t.IOVAToPhys(iova + 42); !ok || pa != iova+42 {
			return fmt.Errorf("translation of %#x: got %#x, %t", iova+42, pa, ok)
		}
		iova += stride
	}

	// Unmap everything.
	if n := t.Unmap(0, uint64(len(sizes))*stride); n != sumSizes(sizes) {
		return fmt.Errorf("final unmap: got %#x, want %#x", n, sumSizes(sizes))
	}
	if n := t.TableBytes(); n != t.allocBytes {
		return fmt.Errorf("%d bytes of tables left after unmapping everything, want %d", n, t.allocBytes)
	}
	return nil
}

func sumSizes(sizes []uint64) uint64 {
	var s uint64
	for _, size := range sizes {
		s += size
	}
	return s
}

// largestSize returns the largest size of bitmap.
func largestSize(bitmap uint64) uint64 {
	if bitmap == 0 {
		return 0
	}
	return 1 << (63 - bits.LeadingZeros64(bitmap))
}

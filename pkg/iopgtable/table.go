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
	"sync/atomic"
	"time"

	"gvisor.dev/iopgtable/pkg/log"
)

// Ops is the set of operations on a table.
type Ops interface {
	// Map translates [iova, iova+size) to [paddr, paddr+size), using the
	// largest page sizes allowed by alignment. On failure nothing of the
	// range is left mapped.
	Map(iova, paddr, size uint64, prot Prot) error

	// MapSG maps the segments back to back starting at iova. It returns
	// the number of bytes mapped; on failure these are the fully mapped
	// leading segments.
	MapSG(iova uint64, sg []Segment, prot Prot) (uint64, error)

	// Unmap removes the translations in [iova, iova+size) and returns the
	// number of bytes they covered. Holes are skipped, so unmapping an
	// unmapped range returns 0.
	Unmap(iova, size uint64) uint64

	// IOVAToPhys translates iova.
	IOVAToPhys(iova uint64) (uint64, bool)

	// IOVAToPTE returns the raw leaf entry translating iova, or 0 if iova
	// is not mapped.
	IOVAToPTE(iova uint64) uint64

	// IsIOVACoherent returns true if iova maps memory that is cache
	// coherent with the walker.
	IsIOVACoherent(iova uint64) bool
}

// tableOps is implemented by each format.
//
// Mutating methods are called one at a time; lookup may be called
// concurrently with them.
type tableOps interface {
	// mapPage installs a single translation of size pgsize, which is in
	// the page size bitmap. iova and paddr are aligned to pgsize.
	mapPage(iova, paddr, pgsize uint64, prot Prot) error

	// unmap removes translations in [iova, iova+size), which is aligned to
	// the smallest page size.
	unmap(iova, size uint64) uint64

	// lookup returns the leaf entry and the translation of iova.
	lookup(iova uint64) (pte, paddr uint64, ok bool)

	// coherent returns true if the leaf entry pte maps coherent memory.
	coherent(pte uint64) bool
}

// warnings is used for contract warnings, which callers may trigger at a
// high rate.
var warnings = log.BasicRateLimitedLogger(time.Second)

// PageTable is a live translation table.
type PageTable struct {
	format Format
	cookie any

	// cfg is the private copy of the configuration.
	cfg Config

	ops tableOps
	mem *tableMem

	// allocBytes is the table memory allocated by Alloc.
	allocBytes int64

	// batch accumulates the invalidations of the current mutation.
	batch gatherBatch

	// inflight counts the operations in progress.
	inflight atomic.Int32

	// freed is set by Free.
	freed atomic.Bool

	// readers tracks lookups, which may run concurrently with mutations.
	readers readerEpochs
}

var _ Ops = (*PageTable)(nil)

// Format returns the table format.
func (t *PageTable) Format() Format {
	return t.format
}

// Cookie returns the cookie passed to Alloc.
func (t *PageTable) Cookie() any {
	return t.cookie
}

// Config returns a copy of the table configuration.
func (t *PageTable) Config() Config {
	return t.cfg
}

// TableBytes returns the table memory currently allocated by t.
func (t *PageTable) TableBytes() int64 {
	return t.mem.bytes.Load()
}

func (t *PageTable) enter() {
	if t.freed.Load() {
		panic(fmt.Sprintf("%v table used after Free", t.format))
	}
	t.inflight.Add(1)
}

func (t *PageTable) exit() {
	t.inflight.Add(-1)
}

// lookup walks the table on behalf of a lookup operation. Unlinked tables
// are not released while it runs.
func (t *PageTable) lookup(iova uint64) (pte, paddr uint64, ok bool) {
	if iova >= addrLimit(t.cfg.IAS) {
		return 0, 0, false
	}
	e := t.readers.enter()
	defer t.readers.exit(e)
	return t.ops.lookup(iova)
}

// checkRange validates a mapping request.
func (t *PageTable) checkRange(iova, paddr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: zero size", ErrInvalidArgument)
	}
	if min := minPageSize(t.cfg.PgsizeBitmap); (iova|paddr|size)&(min-1) != 0 {
		return fmt.Errorf("%w: iova %#x paddr %#x size %#x, minimum page size %#x", ErrAlignment, iova, paddr, size, min)
	}
	if end := iova + size; end < iova || end > addrLimit(t.cfg.IAS) {
		return fmt.Errorf("%w: iova %#x size %#x exceeds %d bits", ErrRange, iova, size, t.cfg.IAS)
	}
	if end := paddr + size; end < paddr || end > addrLimit(t.cfg.OAS) {
		return fmt.Errorf("%w: paddr %#x size %#x exceeds %d bits", ErrRange, paddr, size, t.cfg.OAS)
	}
	return nil
}

// mapRange maps one physically contiguous range. On failure it removes what
// it mapped; the caller commits the batch.
func (t *PageTable) mapRange(iova, paddr, size uint64, prot Prot) error {
	if err := t.checkRange(iova, paddr, size); err != nil {
		return err
	}
	prot = prot.effective(t.cfg.Quirks)
	if prot&ProtRW == 0 {
		// No access: nothing to do.
		return nil
	}
	for mapped := uint64(0); mapped < size; {
		pgsize := pageSizeFor((iova+mapped)|(paddr+mapped), size-mapped, t.cfg.PgsizeBitmap)
		err := t.ops.mapPage(iova+mapped, paddr+mapped, pgsize, prot)
		if err != nil {
			if errors.Is(err, ErrExist) {
				warnings.Warningf("iopgtable: %v map of [%#x, %#x) overlaps a live translation", t.format, iova+mapped, iova+mapped+pgsize)
			}
			if mapped > 0 {
				t.ops.unmap(iova, mapped)
			}
			return err
		}
		mapped += pgsize
	}
	return nil
}

// Map implements Ops.Map.
func (t *PageTable) Map(iova, paddr, size uint64, prot Prot) error {
	t.enter()
	defer t.exit()

	err := t.mapRange(iova, paddr, size, prot)
	t.commit(err != nil || t.cfg.Quirks&QuirkTLBIOnMap != 0)
	return err
}

// Unmap implements Ops.Unmap.
func (t *PageTable) Unmap(iova, size uint64) uint64 {
	t.enter()
	defer t.exit()

	min := minPageSize(t.cfg.PgsizeBitmap)
	if size == 0 || (iova|size)&(min-1) != 0 {
		return 0
	}
	limit := addrLimit(t.cfg.IAS)
	if iova >= limit {
		return 0
	}
	if end := iova + size; end < iova || end > limit {
		size = limit - iova
	}
	n := t.ops.unmap(iova, size)
	t.commit(true)
	return n
}

// IOVAToPhys implements Ops.IOVAToPhys.
func (t *PageTable) IOVAToPhys(iova uint64) (uint64, bool) {
	t.enter()
	defer t.exit()

	_, paddr, ok := t.lookup(iova)
	return paddr, ok
}

// IOVAToPTE implements Ops.IOVAToPTE.
func (t *PageTable) IOVAToPTE(iova uint64) uint64 {
	t.enter()
	defer t.exit()

	pte, _, _ := t.lookup(iova)
	return pte
}

// IsIOVACoherent implements Ops.IsIOVACoherent.
func (t *PageTable) IsIOVACoherent(iova uint64) bool {
	t.enter()
	defer t.exit()

	pte, _, ok := t.lookup(iova)
	return ok && t.ops.coherent(pte)
}

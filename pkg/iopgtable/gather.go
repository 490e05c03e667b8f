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

// Gather is the set of TLB maintenance callbacks of a table.
//
// Every callback may be called from a context that cannot block: it must not
// sleep, allocate memory, or take a lock that may be held by the
// invalidation path itself. The cookie is the one passed to Alloc.
type Gather interface {
	// FlushAll invalidates every cached translation of the context.
	FlushAll(cookie any)

	// AddFlush queues the invalidation of [iova, iova+size), changed at the
	// given granule. leaf is false if only intermediate entries changed.
	// It does not wait for completion.
	AddFlush(iova, size, granule uint64, leaf bool, cookie any)

	// Sync waits for all queued invalidations to complete. It may be called
	// with nothing queued.
	Sync(cookie any)
}

// maxBatch is the number of ranges batched by one operation before the
// whole context is flushed instead.
const maxBatch = 32

type flushRange struct {
	iova    uint64
	size    uint64
	granule uint64
	leaf    bool
}

// gatherBatch accumulates the invalidations and table frees of one
// operation.
type gatherBatch struct {
	ranges   [maxBatch]flushRange
	n        int
	overflow bool

	// frees are tables unlinked by the operation. Their memory is released
	// once the walker can no longer reach them.
	frees []*table
}

// add queues a range, merging it with the previous one when contiguous.
func (b *gatherBatch) add(iova, size, granule uint64, leaf bool) {
	if b.overflow {
		return
	}
	if b.n > 0 {
		last := &b.ranges[b.n-1]
		if last.granule == granule && last.leaf == leaf && last.iova+last.size == iova {
			last.size += size
			return
		}
	}
	if b.n == maxBatch {
		b.overflow = true
		return
	}
	b.ranges[b.n] = flushRange{iova: iova, size: size, granule: granule, leaf: leaf}
	b.n++
}

func (b *gatherBatch) empty() bool {
	return b.n == 0 && !b.overflow && len(b.frees) == 0
}

func (b *gatherBatch) reset() {
	b.n = 0
	b.overflow = false
	b.frees = b.frees[:0]
}

// queueFlush records an invalidation for the current operation.
func (t *PageTable) queueFlush(iova, size, granule uint64, leaf bool) {
	t.batch.add(iova, size, granule, leaf)
}

// deferFree releases tbl after the current operation has synchronized with
// the walker.
func (t *PageTable) deferFree(tbl *table) {
	t.batch.frees = append(t.batch.frees, tbl)
}

// commit hands the batched invalidations to the Gather. If sync is true, or
// tables were unlinked, it waits for them to complete before releasing the
// unlinked tables.
func (t *PageTable) commit(sync bool) {
	b := &t.batch
	if b.empty() {
		return
	}
	if tlb := t.cfg.TLB; tlb != nil {
		if b.overflow {
			tlb.FlushAll(t.cookie)
			flushAllCount.Inc()
		} else {
			for _, r := range b.ranges[:b.n] {
				tlb.AddFlush(r.iova, r.size, r.granule, r.leaf, t.cookie)
			}
			addFlushCount.Add(b.n)
		}
		if sync || len(b.frees) > 0 {
			tlb.Sync(t.cookie)
			syncCount.Inc()
		}
	}
	if len(b.frees) > 0 {
		t.readers.synchronize()
	}
	for _, tbl := range b.frees {
		t.mem.free(tbl)
	}
	b.reset()
}

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

// Package iotlb is a software translation cache for devices behind an
// emulated IOMMU.
//
// A Context caches the translations of one address space. It is passed as
// the cookie of an iopgtable.PageTable whose Config.TLB is Ops, so that
// table updates invalidate the cache:
//
//	ctx := iotlb.NewContext("dev0")
//	cfg.TLB = iotlb.Ops{}
//	pt, err := iopgtable.Alloc(format, &cfg, ctx)
//	...
//	ctx.Attach(pt)
//
// Invalidations are queued by AddFlush and take effect at Sync. Until then a
// translation removed from the table may still be returned by Translate,
// like a hardware TLB whose invalidation has not completed.
package iotlb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"gvisor.dev/iopgtable/pkg/iopgtable"
)

// PageSize is the granularity of cached translations.
const PageSize = iopgtable.Size4K

// ringSize is the number of invalidations queued before a Context falls
// back to flushing everything.
const ringSize = 64

// maxPageDeletes is the largest range, in pages, invalidated page by page.
// Larger ranges scan the cache.
const maxPageDeletes = 64

// Walker resolves addresses missing from the cache. *iopgtable.PageTable
// implements it.
type Walker interface {
	IOVAToPhys(iova uint64) (uint64, bool)
}

type inval struct {
	iova uint64
	size uint64
}

// invalRing is a bounded list of invalidations. A full ring degrades to a
// full invalidation.
type invalRing struct {
	r    [ringSize]inval
	n    int
	full bool
}

func (q *invalRing) add(iova, size uint64) (overflow bool) {
	switch {
	case q.full:
	case q.n == ringSize:
		q.full = true
		q.n = 0
		return true
	default:
		q.r[q.n] = inval{iova: iova, size: size}
		q.n++
	}
	return false
}

func (q *invalRing) reset() {
	q.n = 0
	q.full = false
}

// Context is the translation cache of one address space.
//
// Gather callbacks only touch the invalidation rings and the generation;
// the cache itself is updated by the next lookup after a Sync.
type Context struct {
	name   string
	walker Walker

	// cache maps page addresses to the physical address of the page.
	cache *xsync.MapOf[uint64, uint64]

	// mu protects the rings. It is taken by Gather callbacks and so is a
	// spin lock.
	mu spinLock

	// queued holds invalidations added since the last Sync.
	queued invalRing

	// synced holds invalidations completed by Sync but not yet applied to
	// the cache.
	synced invalRing

	// gen is incremented by every Sync, under mu.
	gen atomic.Uint64

	// applied is the generation whose invalidations have been applied to
	// the cache.
	applied atomic.Uint64

	// applyMu serializes updates of the cache by invalidations.
	applyMu sync.Mutex

	hits       *metrics.Counter
	misses     *metrics.Counter
	queuedN    *metrics.Counter
	overflows  *metrics.Counter
	syncs      *metrics.Counter
	evicted    *metrics.Counter
	fullFlushs *metrics.Counter
	races      *metrics.Counter
}

// NewContext returns an empty Context. name labels its metrics.
func NewContext(name string) *Context {
	counter := func(metric string) *metrics.Counter {
		return metrics.GetOrCreateCounter(fmt.Sprintf("%s{context=%q}", metric, name))
	}
	return &Context{
		name:       name,
		cache:      xsync.NewMapOf[uint64, uint64](),
		hits:       counter("iotlb_hits_total"),
		misses:     counter("iotlb_misses_total"),
		queuedN:    counter("iotlb_invalidations_queued_total"),
		overflows:  counter("iotlb_ring_overflows_total"),
		syncs:      counter("iotlb_syncs_total"),
		evicted:    counter("iotlb_entries_evicted_total"),
		fullFlushs: counter("iotlb_full_flushes_total"),
		races:      counter("iotlb_fill_races_total"),
	}
}

// Name returns the name of c.
func (c *Context) Name() string {
	return c.name
}

// Attach sets the table walked on a miss. It must be called before
// Translate and not concurrently with it.
func (c *Context) Attach(w Walker) {
	c.walker = w
}

// Translate returns the physical address of iova.
func (c *Context) Translate(iova uint64) (uint64, bool) {
	gen := c.apply()
	page, off := iova&^(PageSize-1), iova&(PageSize-1)
	if pa, ok := c.cache.Load(page); ok {
		c.hits.Inc()
		return pa | off, true
	}
	c.misses.Inc()
	if c.walker == nil {
		return 0, false
	}
	pa, ok := c.walker.IOVAToPhys(page)
	if !ok {
		return 0, false
	}
	c.cache.Store(page, pa)
	if c.gen.Load() != gen {
		// A Sync completed during the walk, which may have read an entry
		// it invalidates. Invalidations applied later cover the store.
		c.cache.Delete(page)
		c.races.Inc()
	}
	return pa | off, true
}

// Len returns the number of cached translations.
func (c *Context) Len() int {
	c.apply()
	return c.cache.Size()
}

// Pending returns the number of queued invalidations, and whether a full
// invalidation is pending.
func (c *Context) Pending() (int, bool) {
	c.mu.lock()
	defer c.mu.unlock()
	return c.queued.n, c.queued.full
}

func (c *Context) flushAll() {
	c.mu.lock()
	c.queued.n = 0
	c.queued.full = true
	c.mu.unlock()
	c.queuedN.Inc()
}

func (c *Context) addFlush(iova, size uint64) {
	c.mu.lock()
	overflow := c.queued.add(iova, size)
	c.mu.unlock()
	if overflow {
		c.overflows.Inc()
	}
	c.queuedN.Inc()
}

// sync completes the queued invalidations. It neither allocates nor
// blocks: the cache is updated by apply.
func (c *Context) sync() {
	c.mu.lock()
	if c.queued.full {
		c.synced.full = true
		c.synced.n = 0
	} else {
		for _, r := range c.queued.r[:c.queued.n] {
			if c.synced.add(r.iova, r.size) {
				c.overflows.Inc()
			}
		}
	}
	c.queued.reset()
	c.gen.Add(1)
	c.mu.unlock()
	c.syncs.Inc()
}

// apply drops the cached translations invalidated by completed Syncs, and
// returns the generation it brought the cache to.
func (c *Context) apply() uint64 {
	gen := c.gen.Load()
	if c.applied.Load() == gen {
		return gen
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.lock()
	ring := c.synced
	c.synced.reset()
	gen = c.gen.Load()
	c.mu.unlock()

	if ring.full {
		c.fullFlushs.Inc()
		c.cache.Clear()
	} else {
		for _, r := range ring.r[:ring.n] {
			c.invalidate(r.iova, r.size)
		}
	}
	c.applied.Store(gen)
	return gen
}

// invalidate drops the cached translations of [iova, iova+size).
func (c *Context) invalidate(iova, size uint64) {
	start := iova &^ (PageSize - 1)
	end := iova + size
	if end < iova {
		end = ^uint64(0)
	}
	if (end-start)/PageSize <= maxPageDeletes {
		for page := start; page < end; page += PageSize {
			if _, ok := c.cache.LoadAndDelete(page); ok {
				c.evicted.Inc()
			}
		}
		return
	}
	c.cache.Range(func(page, _ uint64) bool {
		if page >= start && page < end {
			c.cache.Delete(page)
			c.evicted.Inc()
		}
		return true
	})
}

// Ops implements iopgtable.Gather for tables whose cookie is a *Context.
type Ops struct{}

var _ iopgtable.Gather = Ops{}

func contextOf(cookie any) *Context {
	c, ok := cookie.(*Context)
	if !ok {
		panic(fmt.Sprintf("iotlb: cookie %T is not a *Context", cookie))
	}
	return c
}

// FlushAll implements iopgtable.Gather.FlushAll.
func (Ops) FlushAll(cookie any) {
	contextOf(cookie).flushAll()
}

// AddFlush implements iopgtable.Gather.AddFlush. Intermediate entries are
// not cached, so leaf and non-leaf invalidations are handled alike.
func (Ops) AddFlush(iova, size, granule uint64, leaf bool, cookie any) {
	contextOf(cookie).addFlush(iova, size)
}

// Sync implements iopgtable.Gather.Sync.
func (Ops) Sync(cookie any) {
	contextOf(cookie).sync()
}

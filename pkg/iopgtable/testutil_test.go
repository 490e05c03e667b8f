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
	"unsafe"
)

// gatherCall is one recorded Gather callback.
type gatherCall struct {
	Op      string
	IOVA    uint64
	Size    uint64
	Granule uint64
	Leaf    bool
}

// recordingGather records Gather callbacks.
type recordingGather struct {
	cookie any
	calls  []gatherCall
	bad    int
}

func (g *recordingGather) checkCookie(cookie any) {
	if cookie != g.cookie {
		g.bad++
	}
}

func (g *recordingGather) FlushAll(cookie any) {
	g.checkCookie(cookie)
	g.calls = append(g.calls, gatherCall{Op: "FlushAll"})
}

func (g *recordingGather) AddFlush(iova, size, granule uint64, leaf bool, cookie any) {
	g.checkCookie(cookie)
	g.calls = append(g.calls, gatherCall{Op: "AddFlush", IOVA: iova, Size: size, Granule: granule, Leaf: leaf})
}

func (g *recordingGather) Sync(cookie any) {
	g.checkCookie(cookie)
	g.calls = append(g.calls, gatherCall{Op: "Sync"})
}

func (g *recordingGather) reset() {
	g.calls = nil
}

func (g *recordingGather) count(op string) int {
	n := 0
	for _, c := range g.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// heapAllocator allocates table memory from the Go heap and can be made to
// fail.
type heapAllocator struct {
	allocs int
	frees  int

	// fail makes allocations fail.
	fail bool

	// limit, if non-zero, makes allocations fail once allocs reaches it.
	limit int
}

var errInjected = errors.New("injected allocation failure")

func (a *heapAllocator) AllocPagesExact(_ any, size uint64, flags AllocFlags) ([]byte, error) {
	if a.fail || (a.limit != 0 && a.allocs >= a.limit) {
		return nil, errInjected
	}
	if flags&AllocZeroed == 0 {
		return nil, errors.New("table memory must be zeroed")
	}
	a.allocs++
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

func (a *heapAllocator) FreePagesExact(any, []byte) {
	a.frees++
}

// syncDevice is a non-coherent device recording cache maintenance.
type syncDevice struct {
	syncs int
}

func (*syncDevice) Coherent() bool {
	return false
}

func (d *syncDevice) SyncForDevice(addr, size uint64) {
	d.syncs++
}

// newTestTable allocates a table of format f, failing the test on error.
func newTestTable(t *testing.T, f Format, cfg *Config) (*PageTable, *recordingGather) {
	t.Helper()
	g := &recordingGather{cookie: t.Name()}
	if cfg.TLB == nil {
		cfg.TLB = g
	}
	pt, err := Alloc(f, cfg, g.cookie)
	if err != nil {
		t.Fatalf("Alloc(%v, %+v) failed: %v", f, cfg, err)
	}
	t.Cleanup(func() {
		if !pt.freed.Load() {
			Free(pt)
		}
	})
	return pt, g
}

// defaultConfig returns a configuration accepted by format f.
func defaultConfig(f Format) Config {
	switch f {
	case ARM32LPAES1, ARM32LPAES2:
		return Config{PgsizeBitmap: Size4K | Size2M | Size1G, IAS: 32, OAS: 40}
	case ARMV7S:
		return Config{PgsizeBitmap: Size4K | Size64K | Size1M | Size16M, IAS: 32, OAS: 32}
	case ARMV8LFast:
		return Config{PgsizeBitmap: Size4K, IAS: 32, OAS: 40, IOVABase: 0, IOVAEnd: Size32M - 1}
	default:
		return Config{PgsizeBitmap: Size4K | Size2M | Size1G, IAS: 48, OAS: 48}
	}
}

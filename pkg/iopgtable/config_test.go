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

func TestParseFormat(t *testing.T) {
	for _, f := range Formats() {
		got, err := ParseFormat(f.String())
		if err != nil || got != f {
			t.Errorf("ParseFormat(%q) = %v, %v, want %v", f.String(), got, err, f)
		}
	}
	if _, err := ParseFormat("arm-v9"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(arm-v9) = %v, want %v", err, ErrUnsupportedFormat)
	}
	if got := Format(42).String(); got != "Format(42)" {
		t.Errorf("String = %q", got)
	}
}

func TestQuirks(t *testing.T) {
	q := QuirkARMNS | QuirkTLBIOnMap | QuirkUseLLCNWA
	if got, want := q.String(), "arm-ns|tlbi-on-map|use-llc-nwa"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	for i := 0; i < numQuirks; i++ {
		want := Quirks(1) << i
		if got, err := ParseQuirk(want.String()); err != nil || got != want {
			t.Errorf("ParseQuirk(%q) = %v, %v", want.String(), got, err)
		}
	}
	if _, err := ParseQuirk("fast"); err == nil {
		t.Errorf("ParseQuirk(fast) succeeded")
	}
}

func TestParseProt(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Prot
		ok   bool
	}{
		{"rw", ProtRW, true},
		{"r|noexec", ProtRead | ProtNoExec, true},
		{"RW | Cache", ProtRW | ProtCache, true},
		{"w|mmio|priv", ProtWrite | ProtMMIO | ProtPriv, true},
		{"none", 0, true},
		{"", 0, true},
		{"r|x", 0, false},
	} {
		got, ok := ParseProt(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseProt(%q) = %v, %t, want %v, %t", tc.in, got, ok, tc.want, tc.ok)
		}
	}
	p := ProtRead | ProtCache | ProtUseUpstreamHint
	if got, ok := ParseProt(p.String()); !ok || got != p {
		t.Errorf("ParseProt(%q) = %v, %t", p.String(), got, ok)
	}
}

func TestPageSizeFor(t *testing.T) {
	bitmap := Size4K | Size2M | Size1G
	for _, tc := range []struct {
		addr, size, want uint64
	}{
		{0, Size4K, Size4K},
		{0, 3 * Size2M, Size2M},
		{Size1G, Size1G, Size1G},
		{Size1G, 2 * Size1G, Size1G},
		{Size2M + Size4K, Size1G, Size4K},
		{0, Size4K - 1, 0},
	} {
		if got := pageSizeFor(tc.addr, tc.size, bitmap); got != tc.want {
			t.Errorf("pageSizeFor(%#x, %#x) = %#x, want %#x", tc.addr, tc.size, got, tc.want)
		}
	}
	if diff := cmp.Diff([]uint64{Size4K, Size2M, Size1G}, PageSizes(bitmap)); diff != "" {
		t.Errorf("PageSizes mismatch (-want +got):\n%s", diff)
	}
}

func TestGatherBatch(t *testing.T) {
	var b gatherBatch
	if !b.empty() {
		t.Fatalf("new batch is not empty")
	}
	b.add(0, Size4K, Size4K, true)
	b.add(Size4K, Size4K, Size4K, true)
	b.add(2*Size4K, Size4K, Size4K, false)
	b.add(4*Size4K, Size4K, Size4K, false)
	want := []flushRange{
		{iova: 0, size: 2 * Size4K, granule: Size4K, leaf: true},
		{iova: 2 * Size4K, size: Size4K, granule: Size4K, leaf: false},
		{iova: 4 * Size4K, size: Size4K, granule: Size4K, leaf: false},
	}
	if diff := cmp.Diff(want, b.ranges[:b.n], cmp.AllowUnexported(flushRange{})); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}

	for i := uint64(0); i < maxBatch; i++ {
		b.add(Size1G+2*i*Size4K, Size4K, Size4K, true)
	}
	if !b.overflow {
		t.Errorf("batch of %d ranges did not overflow", b.n)
	}
	b.reset()
	if !b.empty() {
		t.Errorf("batch not empty after reset")
	}
}

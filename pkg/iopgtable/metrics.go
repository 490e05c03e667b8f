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

import "github.com/VictoriaMetrics/metrics"

var (
	pagesAllocated = metrics.NewCounter("iopgtable_pages_allocated_total")
	pagesFreed     = metrics.NewCounter("iopgtable_pages_freed_total")
	allocFailures  = metrics.NewCounter("iopgtable_alloc_failures_total")
	tablesCreated  = metrics.NewCounter("iopgtable_tables_created_total")
	tablesReleased = metrics.NewCounter("iopgtable_tables_released_total")
	addFlushCount  = metrics.NewCounter("iopgtable_tlb_add_flush_total")
	flushAllCount  = metrics.NewCounter("iopgtable_tlb_flush_all_total")
	syncCount      = metrics.NewCounter("iopgtable_tlb_sync_total")
	graceWaits     = metrics.NewCounter("iopgtable_reader_grace_waits_total")

	_ = metrics.NewGauge("iopgtable_table_bytes", func() float64 {
		return float64(LiveBytes())
	})
)

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
	"runtime"
	"sync/atomic"
)

// readerEpochs tracks lookups that may hold a reference to table memory.
//
// Lookups register in the slot of the current epoch. Before unlinked tables
// are released, the mutator advances the epoch and waits for the slot of
// the previous epoch to drain: lookups registered there may have loaded an
// entry pointing to an unlinked table, and lookups registered later cannot.
type readerEpochs struct {
	epoch atomic.Uint32
	count [2]atomic.Int64
}

// enter registers a lookup and returns the token to pass to exit.
func (r *readerEpochs) enter() uint32 {
	for {
		e := r.epoch.Load()
		r.count[e&1].Add(1)
		if r.epoch.Load() == e {
			return e
		}
		// The epoch advanced before we were counted; retry in the new slot.
		r.count[e&1].Add(-1)
	}
}

// exit unregisters a lookup.
func (r *readerEpochs) exit(e uint32) {
	r.count[e&1].Add(-1)
}

// synchronize waits until every lookup that entered before the call has
// exited. Mutators call it one at a time.
func (r *readerEpochs) synchronize() {
	old := r.epoch.Add(1) - 1
	for spins := 0; r.count[old&1].Load() != 0; spins++ {
		if spins >= 64 {
			runtime.Gosched()
			graceWaits.Inc()
			spins = 0
		}
	}
}

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

package iotlb

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed attempts after which a waiter
// yields its processor.
const spinsBeforeYield = 64

// spinLock is a lock whose holders never sleep. Critical sections must be
// short and must not allocate.
type spinLock struct {
	state atomic.Uint32
}

// lock busy-waits until the lock is acquired. Locking a lock already held
// by the caller deadlocks.
func (l *spinLock) lock() {
	for i := 0; !l.state.CompareAndSwap(0, 1); i++ {
		if i == spinsBeforeYield {
			runtime.Gosched()
			i = 0
		}
	}
}

// unlock releases the lock. Unlocking a free lock has no effect.
func (l *spinLock) unlock() {
	l.state.Store(0)
}

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

	"gvisor.dev/iopgtable/pkg/log"
)

// initFns binds a format to its implementation.
type initFns struct {
	// check validates cfg and narrows it to what the format supports. It
	// must not allocate.
	check func(f Format, cfg *Config) error

	// alloc builds the table, using t.cfg as narrowed by check, and sets
	// t.cfg.Regs.
	alloc func(t *PageTable) (tableOps, error)
}

var initTable = [NumFormats]initFns{
	ARM32LPAES1: {checkLPAE, allocLPAE},
	ARM32LPAES2: {checkLPAE, allocLPAE},
	ARM64LPAES1: {checkLPAE, allocLPAE},
	ARM64LPAES2: {checkLPAE, allocLPAE},
	ARMV7S:      {checkV7S, allocV7S},
	ARMV8LFast:  {checkFast, allocFast},
}

// Alloc creates a table of format f.
//
// The table uses a copy of cfg. On success, the page sizes, address sizes
// and registers chosen by the format are written back to cfg; callers must
// use them rather than the values they requested. On failure, no memory is
// allocated and no Gather callback is made.
func Alloc(f Format, cfg *Config, cookie any) (*PageTable, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidArgument)
	}
	fns := initTable[f]

	t := &PageTable{
		format: f,
		cookie: cookie,
		cfg:    *cfg,
	}
	t.cfg.Regs = nil
	if err := fns.check(f, &t.cfg); err != nil {
		return nil, err
	}

	t.mem = newTableMem(&t.cfg, cookie)
	ops, err := fns.alloc(t)
	if err != nil {
		t.mem.freeAll()
		return nil, err
	}
	if !regsMatch(f, t.cfg.Regs) {
		panic(fmt.Sprintf("%v table set registers of type %T", f, t.cfg.Regs))
	}
	t.ops = ops
	t.allocBytes = t.TableBytes()
	tablesCreated.Inc()
	log.Debugf("iopgtable: allocated %v table: ias %d oas %d page sizes %#x quirks %v, %d bytes",
		f, t.cfg.IAS, t.cfg.OAS, t.cfg.PgsizeBitmap, t.cfg.Quirks, t.TableBytes())

	cfg.PgsizeBitmap = t.cfg.PgsizeBitmap
	cfg.IAS = t.cfg.IAS
	cfg.OAS = t.cfg.OAS
	cfg.Regs = cloneRegs(t.cfg.Regs)
	return t, nil
}

// Free releases t and all of its table memory.
//
// The caller must ensure that no operation on t is in progress and that
// the walker no longer uses the table. Translation caches may still hold
// entries of t.
func Free(t *PageTable) {
	if n := t.inflight.Load(); n != 0 {
		panic(fmt.Sprintf("%v table freed with %d operations in flight", t.format, n))
	}
	if !t.freed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("%v table freed twice", t.format))
	}
	t.commit(true)
	t.mem.freeAll()
	tablesReleased.Inc()
}

func cloneRegs(r FormatConfig) FormatConfig {
	switch r := r.(type) {
	case *LPAES1Config:
		c := *r
		return &c
	case *LPAES2Config:
		c := *r
		return &c
	case *V7SConfig:
		c := *r
		return &c
	case *FastConfig:
		c := *r
		return &c
	default:
		return r
	}
}

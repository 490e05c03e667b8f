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

package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/iopgtable/pkg/iopgtable"
	"gvisor.dev/iopgtable/pkg/log"
)

// SelfTest implements subcommands.Command for the "selftest" command.
type SelfTest struct {
	jobs int
}

// Name implements subcommands.Command.Name.
func (*SelfTest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelfTest) Synopsis() string {
	return "run the self test of table formats"
}

// Usage implements subcommands.Command.Usage.
func (*SelfTest) Usage() string {
	return `selftest [-jobs=N] [format...] - run the self test of the given formats, or of all formats
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SelfTest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.jobs, "jobs", runtime.NumCPU(), "number of formats tested concurrently.")
}

// Execute implements subcommands.Command.Execute.
func (s *SelfTest) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	formats := iopgtable.Formats()
	if f.NArg() > 0 {
		formats = formats[:0]
		for _, name := range f.Args() {
			fm, err := iopgtable.ParseFormat(name)
			if err != nil {
				fmt.Fprintf(f.Output(), "%v\n", err)
				return subcommands.ExitUsageError
			}
			formats = append(formats, fm)
		}
	}

	errs := runSelfTests(formats, s.jobs)
	failed := 0
	for i, fm := range formats {
		if errs[i] != nil {
			failed++
			fmt.Printf("FAIL %v: %v\n", fm, errs[i])
			continue
		}
		fmt.Printf("PASS %v\n", fm)
	}
	if failed > 0 {
		log.Warningf("%d of %d self tests failed", failed, len(formats))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runSelfTests tests formats, at most jobs at a time, and returns the
// error of each.
func runSelfTests(formats []iopgtable.Format, jobs int) []error {
	errs := make([]error, len(formats))
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, fm := range formats {
		i, fm := i, fm
		g.Go(func() error {
			log.Debugf("self test of %v started", fm)
			errs[i] = iopgtable.SelfTest(fm)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

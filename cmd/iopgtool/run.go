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
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/mohae/deepcopy"

	"gvisor.dev/iopgtable/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	repeat int
	quiet  bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "apply a scenario file to a table"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-repeat=N] [-quiet] <scenario.toml|scenario.yaml> - allocate the scenario's table and apply its steps
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.repeat, "repeat", 1, "number of times the scenario is run, each on a new table.")
	f.BoolVar(&r.quiet, "quiet", false, "only report failures.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	sc, err := loadScenario(f.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	var out io.Writer = os.Stdout
	if r.quiet {
		out = io.Discard
	}
	if err := repeatScenario(sc, r.repeat, out); err != nil {
		log.Warningf("scenario %q: %v", f.Arg(0), err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// repeatScenario runs sc n times. Each run works on a copy, since running
// normalizes the scenario in place.
func repeatScenario(sc *Scenario, n int, out io.Writer) error {
	for i := 0; i < max(n, 1); i++ {
		run := deepcopy.Copy(sc).(*Scenario)
		if err := runScenario(run, out); err != nil {
			return err
		}
	}
	return nil
}

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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	summary bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print table and translation cache metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-summary] [scenario...] - run the scenarios quietly, then print metrics in Prometheus format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.summary, "summary", false, "print one line per metric instead of the Prometheus exposition.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, path := range f.Args() {
		sc, err := loadScenario(path)
		if err != nil {
			fatalf("%v", err)
		}
		if err := runScenario(sc, io.Discard); err != nil {
			fmt.Fprintf(os.Stderr, "scenario %q: %v\n", path, err)
		}
	}

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	if !m.summary {
		os.Stdout.Write(buf.Bytes())
		return subcommands.ExitSuccess
	}
	lines, err := summarize(&buf)
	if err != nil {
		fatalf("parsing metrics: %v", err)
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return subcommands.ExitSuccess
}

// summarize parses a Prometheus text exposition and returns one sorted
// "name{labels} value" line per sample.
func summarize(r io.Reader) ([]string, error) {
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(r)
	if err != nil {
		return nil, err
	}
	var lines []string
	for name, fam := range families {
		for _, m := range fam.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			id := name
			if len(labels) > 0 {
				id += "{" + strings.Join(labels, ",") + "}"
			}
			// Only the field of the family's type is set.
			v := m.GetCounter().GetValue() + m.GetGauge().GetValue() + m.GetUntyped().GetValue()
			lines = append(lines, fmt.Sprintf("%s %g", id, v))
		}
	}
	sort.Strings(lines)
	return lines, nil
}

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

// Binary iopgtool exercises IOMMU translation tables from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"gvisor.dev/iopgtable/pkg/log"
)

// envPrefix prefixes the environment variables that set flag defaults.
const envPrefix = "IOPGTOOL_"

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFormat = flag.String("log-format", "text", "log format: text, json or logrus, or a comma separated list of them.")
	logLevel  = flag.String("log-level", "", "log level: warning, info or debug. Overrides -debug.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(SelfTest), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Metrics), "")

	// Environment files are optional.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
	if err := applyEnv(flag.CommandLine, os.LookupEnv); err != nil {
		fatalf("%v", err)
	}
	flag.Parse()

	e, err := newEmitter(*logFormat, os.Stderr)
	if err != nil {
		fatalf("%v", err)
	}
	log.SetTarget(e)
	if *debug {
		log.SetLevel(log.Debug)
	}
	if *logLevel != "" {
		lv, err := log.ParseLevel(*logLevel)
		if err != nil {
			fatalf("%v", err)
		}
		log.SetLevel(lv)
	}
	log.Debugf("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background())))
}

// applyEnv sets the flags of fs that have an IOPGTOOL_<NAME> variable in
// the environment. Dashes in flag names are underscores in variable names.
func applyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := lookup(name)
		if !ok || err != nil {
			return
		}
		if serr := fs.Set(f.Name, v); serr != nil {
			err = fmt.Errorf("invalid %s=%q: %w", name, v, serr)
		}
	})
	return err
}

// newEmitter returns the emitter for format, a comma separated list of
// text, json and logrus.
func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	var m log.MultiEmitter
	for _, f := range strings.Split(format, ",") {
		switch strings.TrimSpace(f) {
		case "text":
			m = append(m, log.GoogleEmitter{Writer: &log.Writer{Next: w}})
		case "json":
			m = append(m, log.JSONEmitter{Writer: &log.Writer{Next: w}})
		case "logrus":
			l := logrus.New()
			l.SetOutput(w)
			m = append(m, log.NewLogrusEmitter(l))
		default:
			return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", f)
		}
	}
	if len(m) == 1 {
		return m[0], nil
	}
	return &m, nil
}

// fatalf logs the error, prints it to stderr and exits.
func fatalf(format string, args ...any) {
	log.Warningf("FATAL: "+format, args...)
	fmt.Fprintf(os.Stderr, "iopgtool: "+format+"\n", args...)
	os.Exit(128)
}

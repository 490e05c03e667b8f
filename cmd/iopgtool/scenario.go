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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"
	"gopkg.in/yaml.v3"

	"gvisor.dev/iopgtable/pkg/iopgtable"
	"gvisor.dev/iopgtable/pkg/iotlb"
	"gvisor.dev/iopgtable/pkg/log"
)

// Scenario is a table configuration and the steps applied to the table.
//
// Sizes and expected values are strings so that both formats accept "2M"
// as well as "0x200000".
type Scenario struct {
	Format    string   `toml:"format" yaml:"format"`
	IAS       uint     `toml:"ias" yaml:"ias"`
	OAS       uint     `toml:"oas" yaml:"oas"`
	PageSizes []string `toml:"page_sizes" yaml:"page_sizes"`
	Quirks    []string `toml:"quirks" yaml:"quirks"`
	IOVABase  uint64   `toml:"iova_base" yaml:"iova_base"`
	IOVAEnd   uint64   `toml:"iova_end" yaml:"iova_end"`
	Steps     []Step   `toml:"step" yaml:"steps"`
}

// Step is one operation on the table.
type Step struct {
	// Op is one of map, map_sg, unmap, translate, walk, pte or coherent.
	// translate goes through the translation cache, walk reads the table.
	Op       string    `toml:"op" yaml:"op"`
	IOVA     uint64    `toml:"iova" yaml:"iova"`
	Paddr    uint64    `toml:"paddr" yaml:"paddr"`
	Size     string    `toml:"size" yaml:"size"`
	Prot     string    `toml:"prot" yaml:"prot"`
	Segments []Segment `toml:"segment" yaml:"segments"`

	// Expect is the expected result: an address, a byte count, an entry,
	// "none" for a failed translation, or true/false for coherent.
	Expect string `toml:"expect" yaml:"expect"`

	// Error is the expected error of map and map_sg, by name.
	Error string `toml:"error" yaml:"error"`
}

// Segment is one segment of a map_sg step.
type Segment struct {
	Phys uint64 `toml:"phys" yaml:"phys"`
	Size string `toml:"size" yaml:"size"`
}

// loadScenario decodes a TOML or YAML scenario, chosen by file extension.
func loadScenario(path string) (*Scenario, error) {
	var sc Scenario
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &sc); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := decodeYAML(f, &sc); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", ext)
	}
	return &sc, nil
}

func decodeYAML(r io.Reader, sc *Scenario) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return dec.Decode(sc)
}

var sizeSuffixes = map[byte]uint{'K': 10, 'M': 20, 'G': 30}

// parseSize parses a byte count, either a number in Go syntax or a decimal
// number with a K, M or G suffix.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if shift, ok := sizeSuffixes[s[len(s)-1]]; ok {
		n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return n << shift, nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// allSizes is the page size bitmap requested when a scenario names none;
// backends narrow it to what they support.
const allSizes = iopgtable.Size4K | iopgtable.Size16K | iopgtable.Size64K |
	iopgtable.Size1M | iopgtable.Size2M | iopgtable.Size16M |
	iopgtable.Size32M | iopgtable.Size512M | iopgtable.Size1G

// normalize fills defaults in place.
func (sc *Scenario) normalize() {
	if sc.IAS == 0 {
		sc.IAS = 32
	}
	if sc.OAS == 0 {
		sc.OAS = 32
	}
	for i := range sc.Steps {
		st := &sc.Steps[i]
		st.Op = strings.ToLower(st.Op)
		if st.Prot == "" {
			st.Prot = "rw"
		}
	}
}

// config returns the table configuration of sc.
func (sc *Scenario) config() (iopgtable.Format, iopgtable.Config, error) {
	var cfg iopgtable.Config
	f, err := iopgtable.ParseFormat(sc.Format)
	if err != nil {
		return 0, cfg, err
	}
	cfg.IAS, cfg.OAS = sc.IAS, sc.OAS
	cfg.IOVABase, cfg.IOVAEnd = sc.IOVABase, sc.IOVAEnd
	for _, s := range sc.PageSizes {
		n, err := parseSize(s)
		if err != nil {
			return 0, cfg, err
		}
		cfg.PgsizeBitmap |= n
	}
	if cfg.PgsizeBitmap == 0 {
		cfg.PgsizeBitmap = allSizes
	}
	for _, name := range sc.Quirks {
		q, err := iopgtable.ParseQuirk(name)
		if err != nil {
			return 0, cfg, err
		}
		cfg.Quirks |= q
	}
	return f, cfg, nil
}

// allocTable allocates a table, retrying while table memory is exhausted.
func allocTable(f iopgtable.Format, cfg *iopgtable.Config, cookie any) (*iopgtable.PageTable, error) {
	var pt *iopgtable.PageTable
	op := func() error {
		var err error
		pt, err = iopgtable.Alloc(f, cfg, cookie)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, iopgtable.ErrNoMemory):
			log.Infof("allocating %v table: %v, retrying", f, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return pt, nil
}

var errorNames = map[string]error{
	"alignment": iopgtable.ErrAlignment,
	"range":     iopgtable.ErrRange,
	"exist":     iopgtable.ErrExist,
	"nomem":     iopgtable.ErrNoMemory,
	"invalid":   iopgtable.ErrInvalidArgument,
}

// runScenario allocates the table of sc, applies its steps and writes one
// line per step to out. It returns an error if the table cannot be
// allocated or a step does not meet its expectation.
func runScenario(sc *Scenario, out io.Writer) error {
	sc.normalize()
	f, cfg, err := sc.config()
	if err != nil {
		return err
	}
	ctx := iotlb.NewContext(sc.Format)
	cfg.TLB = iotlb.Ops{}
	pt, err := allocTable(f, &cfg, ctx)
	if err != nil {
		return err
	}
	defer iopgtable.Free(pt)
	ctx.Attach(pt)
	fmt.Fprintf(out, "table %v ias=%d oas=%d pages=%#x quirks=%v bytes=%d\n",
		f, cfg.IAS, cfg.OAS, cfg.PgsizeBitmap, cfg.Quirks, pt.TableBytes())

	failed := 0
	for i := range sc.Steps {
		res, err := runStep(pt, ctx, &sc.Steps[i])
		status := ""
		if err != nil {
			failed++
			status = "  FAIL: " + err.Error()
		}
		fmt.Fprintf(out, "%3d %-9s iova=%#x %s%s\n", i, sc.Steps[i].Op, sc.Steps[i].IOVA, res, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d steps failed", failed, len(sc.Steps))
	}
	return nil
}

// runStep applies st and returns its printed result. The error reports an
// unmet expectation or an invalid step.
func runStep(pt *iopgtable.PageTable, ctx *iotlb.Context, st *Step) (string, error) {
	prot, ok := iopgtable.ParseProt(st.Prot)
	if !ok {
		return "", fmt.Errorf("invalid prot %q", st.Prot)
	}
	switch st.Op {
	case "map":
		size, err := parseSize(st.Size)
		if err != nil {
			return "", err
		}
		err = pt.Map(st.IOVA, st.Paddr, size, prot)
		return resultOf(err), checkError(err, st.Error)

	case "map_sg":
		sg := make([]iopgtable.Segment, 0, len(st.Segments))
		for _, s := range st.Segments {
			n, err := parseSize(s.Size)
			if err != nil {
				return "", err
			}
			sg = append(sg, iopgtable.Segment{Phys: s.Phys, Len: n})
		}
		n, err := pt.MapSG(st.IOVA, sg, prot)
		res := fmt.Sprintf("mapped=%#x %s", n, resultOf(err))
		if err := checkError(err, st.Error); err != nil {
			return res, err
		}
		return res, checkValue(n, st.Expect)

	case "unmap":
		size, err := parseSize(st.Size)
		if err != nil {
			return "", err
		}
		n := pt.Unmap(st.IOVA, size)
		return fmt.Sprintf("unmapped=%#x", n), checkValue(n, st.Expect)

	case "translate", "walk":
		translate := ctx.Translate
		if st.Op == "walk" {
			translate = pt.IOVAToPhys
		}
		pa, ok := translate(st.IOVA)
		if !ok {
			return "-> none", checkMissing(st.Expect)
		}
		return fmt.Sprintf("-> %#x", pa), checkValue(pa, st.Expect)

	case "pte":
		pte := pt.IOVAToPTE(st.IOVA)
		return fmt.Sprintf("pte=%#x", pte), checkValue(pte, st.Expect)

	case "coherent":
		c := pt.IsIOVACoherent(st.IOVA)
		res := fmt.Sprintf("coherent=%t", c)
		if st.Expect == "" {
			return res, nil
		}
		want, err := strconv.ParseBool(st.Expect)
		if err != nil {
			return res, fmt.Errorf("invalid expectation %q", st.Expect)
		}
		if c != want {
			return res, fmt.Errorf("want %t", want)
		}
		return res, nil
	}
	return "", fmt.Errorf("unknown op %q", st.Op)
}

func resultOf(err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// checkError compares err with the error named want, "" meaning success.
func checkError(err error, want string) error {
	if want == "" {
		return err
	}
	target, ok := errorNames[want]
	if !ok {
		return fmt.Errorf("unknown error name %q", want)
	}
	if !errors.Is(err, target) {
		return fmt.Errorf("want error %v, got %v", target, err)
	}
	return nil
}

func checkValue(got uint64, want string) error {
	if want == "" {
		return nil
	}
	if want == "none" {
		return fmt.Errorf("want none, got %#x", got)
	}
	n, err := parseSize(want)
	if err != nil {
		return fmt.Errorf("invalid expectation: %w", err)
	}
	if got != n {
		return fmt.Errorf("want %#x", n)
	}
	return nil
}

func checkMissing(want string) error {
	if want == "" || want == "none" {
		return nil
	}
	return fmt.Errorf("want %s", want)
}

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

import "strings"

// Prot is the set of permissions and attributes of a mapping.
type Prot uint32

// Protection flags.
const (
	// ProtRead allows device reads.
	ProtRead Prot = 1 << iota

	// ProtWrite allows device writes.
	ProtWrite

	// ProtCache maps normal cacheable memory.
	ProtCache

	// ProtNoExec forbids instruction fetches.
	ProtNoExec

	// ProtMMIO maps device memory. It takes precedence over ProtCache.
	ProtMMIO

	// ProtPriv restricts the mapping to privileged accesses.
	ProtPriv

	// ProtUseUpstreamHint uses the upstream hardware's cache attributes.
	ProtUseUpstreamHint

	// ProtUseLLCNWA maps write-back, no write-allocate memory.
	ProtUseLLCNWA
)

// ProtRW is the common read-write protection.
const ProtRW = ProtRead | ProtWrite

var protNames = []string{"r", "w", "cache", "noexec", "mmio", "priv", "upstream-hint", "llc-nwa"}

// String implements fmt.Stringer.
func (p Prot) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	for i, n := range protNames {
		if p&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// ParseProt parses a '|' separated list of flags, as returned by String.
// The shorthand "rw" is accepted.
func ParseProt(s string) (Prot, bool) {
	var p Prot
	for _, f := range strings.Split(s, "|") {
		f = strings.TrimSpace(strings.ToLower(f))
		switch f {
		case "", "none":
			continue
		case "rw":
			p |= ProtRW
			continue
		}
		found := false
		for i, n := range protNames {
			if n == f {
				p |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return p, true
}

// effective applies the quirks of the table to prot.
func (p Prot) effective(q Quirks) Prot {
	if q&QuirkNoPerms != 0 {
		p = (p | ProtRW) &^ ProtNoExec
	}
	return p
}

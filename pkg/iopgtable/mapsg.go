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

// Segment is a physically contiguous region of a scatter list.
type Segment struct {
	Phys uint64
	Len  uint64
}

// MapSG implements Ops.MapSG.
//
// On failure, unmapping [iova, iova+mapped) reverses every change made by
// the call.
func (t *PageTable) MapSG(iova uint64, sg []Segment, prot Prot) (mapped uint64, err error) {
	t.enter()
	defer t.exit()

	for _, s := range sg {
		if err = t.mapRange(iova+mapped, s.Phys, s.Len, prot); err != nil {
			break
		}
		mapped += s.Len
	}
	t.commit(err != nil || t.cfg.Quirks&QuirkTLBIOnMap != 0)
	return mapped, err
}

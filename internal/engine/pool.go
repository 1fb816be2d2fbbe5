// Copyright 2024 The MNAT Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"math/rand"
	"net"
	"sort"
	"time"

	"mnat.io/internal/mnat"
	"mnat.io/internal/poolconfig"
)

// maxBorrowCollisions bounds the retry loop in LocalPool.Borrow (spec.md
// section 4.8, "give up after 50 collisions or a full wrap").
const maxBorrowCollisions = 50

type idxEntry struct {
	idx uint64
	sg  mnat.SG
}

// LocalPool is the server's inventory of local (source, group) pairs that
// may be leased to global subscriptions, drawn from an ordered list of
// PoolRanges resolved by the poolconfig package.
type LocalPool struct {
	ranges  []poolconfig.PoolRange
	sgCount uint64

	assignedSGs  map[string]uint64 // Local SG string -> linear index
	assignedIdxs []idxEntry        // sorted ascending by idx

	rng *rand.Rand
}

// NewLocalPool builds a pool over ranges, which must already have had
// default source ranges and exclude subtraction resolved by poolconfig.
func NewLocalPool(ranges []poolconfig.PoolRange) *LocalPool {
	var total uint64
	for _, r := range ranges {
		total += r.GroupCount * r.SourceCount
	}
	return &LocalPool{
		ranges:      ranges,
		sgCount:     total,
		assignedSGs: make(map[string]uint64),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len reports how many local (S,G)s are currently leased.
func (p *LocalPool) Len() int {
	return len(p.assignedIdxs)
}

// Full reports whether every slot in the pool is leased.
func (p *LocalPool) Full() bool {
	return uint64(len(p.assignedIdxs)) >= p.sgCount
}

// Borrow leases one free local (S,G), given the borrowing global SG's
// source address (used when a range's source policy is "keep"). It
// implements spec.md section 4.8's uniform-over-free-slots algorithm with
// bounded collision retries.
func (p *LocalPool) Borrow(globalSource net.IP) (mnat.SG, bool) {
	if p.sgCount == 0 || p.Full() {
		return mnat.SG{}, false
	}
	free := p.sgCount - uint64(len(p.assignedIdxs))

	start := p.rng.Uint64() % free
	collisions := 0
	idx := start
	for {
		candidate := p.freeSlotAt(idx)
		sg, ok := p.materialize(candidate, globalSource)
		if !ok {
			return mnat.SG{}, false
		}
		key := sg.String()
		if _, taken := p.assignedSGs[key]; !taken {
			p.insert(candidate, sg)
			return sg, true
		}
		collisions++
		if collisions >= maxBorrowCollisions {
			return mnat.SG{}, false
		}
		idx = (idx + 1) % free
		if idx == start {
			return mnat.SG{}, false
		}
	}
}

// freeSlotAt maps a rank among the currently-free slots to its absolute
// linear index, by shifting past every assigned index at or below it.
func (p *LocalPool) freeSlotAt(rank uint64) uint64 {
	idx := rank
	for _, e := range p.assignedIdxs {
		if e.idx <= idx {
			idx++
		} else {
			break
		}
	}
	return idx
}

// materialize decodes a linear index into an actual local (S,G).
func (p *LocalPool) materialize(idx uint64, globalSource net.IP) (mnat.SG, bool) {
	for _, r := range p.ranges {
		rangeSize := r.GroupCount * r.SourceCount
		if idx < rangeSize {
			if r.GroupCount == 0 {
				return mnat.SG{}, false
			}
			srcIdx := idx / r.GroupCount
			grpIdx := idx % r.GroupCount
			return sgFromRange(r, srcIdx, grpIdx, globalSource)
		}
		idx -= rangeSize
	}
	return mnat.SG{}, false
}

func sgFromRange(r poolconfig.PoolRange, srcIdx, grpIdx uint64, globalSource net.IP) (mnat.SG, bool) {
	var source net.IP
	switch r.SourceRange.Kind {
	case poolconfig.SourceKeep:
		source = globalSource
	case poolconfig.SourceASM:
		source = nil
	case poolconfig.SourceCIDR:
		source = r.SourceRange.Range.Nth(srcIdx)
	}

	group := groupAt(r.UsableRanges, grpIdx)
	if group == nil {
		return mnat.SG{}, false
	}
	return mnat.SG{Source: source, Group: group}, true
}

func groupAt(ranges []poolconfig.IPRange, idx uint64) net.IP {
	for _, r := range ranges {
		size := r.Size()
		if idx < size {
			return r.Nth(idx)
		}
		idx -= size
	}
	return nil
}

// insert records a successful lease, keeping assignedIdxs sorted by idx so
// freeSlotAt's single forward pass stays correct.
func (p *LocalPool) insert(idx uint64, sg mnat.SG) {
	p.assignedSGs[sg.String()] = idx
	pos := sort.Search(len(p.assignedIdxs), func(i int) bool {
		return p.assignedIdxs[i].idx >= idx
	})
	p.assignedIdxs = append(p.assignedIdxs, idxEntry{})
	copy(p.assignedIdxs[pos+1:], p.assignedIdxs[pos:])
	p.assignedIdxs[pos] = idxEntry{idx: idx, sg: sg}
}

// Return releases a previously-borrowed local SG, reporting whether the
// pool was full immediately before the release (spec.md section 4.8).
func (p *LocalPool) Return(sg mnat.SG) bool {
	key := sg.String()
	idx, ok := p.assignedSGs[key]
	if !ok {
		return false
	}
	wasFull := p.Full()
	delete(p.assignedSGs, key)

	pos := sort.Search(len(p.assignedIdxs), func(i int) bool {
		return p.assignedIdxs[i].idx >= idx
	})
	if pos < len(p.assignedIdxs) && p.assignedIdxs[pos].idx == idx {
		p.assignedIdxs = append(p.assignedIdxs[:pos], p.assignedIdxs[pos+1:]...)
	}
	return wasFull
}

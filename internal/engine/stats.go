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

// Stats is a point-in-time snapshot of engine occupancy, additive to the
// wire protocol proper (spec.md names no debug surface; this mirrors the
// debug dump the original Python assignment engine exposed).
type Stats struct {
	Watchers       int    `json:"watchers"`
	GlobalSGs      int    `json:"global-sgs"`
	PoolSize       uint64 `json:"pool-size"`
	PoolAssigned   int    `json:"pool-assigned"`
	PoolAvailable  uint64 `json:"pool-available"`
}

// Stats returns a snapshot of the engine's current occupancy.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	assigned := uint64(e.pool.Len())
	available := uint64(0)
	if e.pool.sgCount > assigned {
		available = e.pool.sgCount - assigned
	}
	return Stats{
		Watchers:      len(e.watchers),
		GlobalSGs:     len(e.subscribedSGs),
		PoolSize:      e.pool.sgCount,
		PoolAssigned:  e.pool.Len(),
		PoolAvailable: available,
	}
}

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

import "fmt"

// checkInvariantsLocked re-verifies the cross-reference invariants of
// spec.md section 3 and the pool invariants of section 8. It must be
// called with e.mu held. A violation is an engine bug, not a client
// error, so it panics rather than degrading silently (spec.md section 7,
// error kind (g)).
func (e *Engine) checkInvariantsLocked() {
	for wid, w := range e.watchers {
		for sg, gsg := range w.SubscribedGSGs {
			if sg != gsg.SG.String() {
				panic(fmt.Sprintf("engine: watcher %s subscription key %q does not match gsg %s", wid, sg, gsg.SG))
			}
			top, ok := e.subscribedSGs[sg]
			if !ok || top != gsg {
				panic(fmt.Sprintf("engine: gsg %s reachable from watcher %s but not from top.subscribedSGs", sg, wid))
			}
			back, ok := gsg.SubscribedWatchers[wid]
			if !ok || back != w {
				panic(fmt.Sprintf("engine: gsg %s missing back-reference to watcher %s", sg, wid))
			}
		}
	}

	for sg, gsg := range e.subscribedSGs {
		if sg != gsg.SG.String() {
			panic(fmt.Sprintf("engine: top.subscribedSGs key %q does not match gsg %s", sg, gsg.SG))
		}
		if len(gsg.SubscribedWatchers) == 0 {
			panic(fmt.Sprintf("engine: gsg %s has no subscribed watchers but was not destroyed", gsg.SG))
		}
		for wid, w := range gsg.SubscribedWatchers {
			found, ok := w.SubscribedGSGs[sg]
			if !ok || found != gsg {
				panic(fmt.Sprintf("engine: watcher %s missing reciprocal subscription to gsg %s", wid, sg))
			}
		}
	}

	if len(e.pool.assignedSGs) != len(e.pool.assignedIdxs) {
		panic(fmt.Sprintf("engine: pool assignedSGs/assignedIdxs size mismatch: %d != %d", len(e.pool.assignedSGs), len(e.pool.assignedIdxs)))
	}
	for _, entry := range e.pool.assignedIdxs {
		idx, ok := e.pool.assignedSGs[entry.sg.String()]
		if !ok || idx != entry.idx {
			panic(fmt.Sprintf("engine: pool reverse lookup mismatch for %s", entry.sg))
		}
	}
}

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
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"mnat.io/internal/mnat"
	"mnat.io/internal/poolconfig"
)

// DefaultTimeoutDuration is how long a watcher may go without a refresh
// before it's evicted (spec.md section 3, section 6).
const DefaultTimeoutDuration = 60 * time.Second

// DefaultRecheckDelay bounds how often CheckTimeouts actually does work.
const DefaultRecheckDelay = 15 * time.Second

// Engine is the server's assignment engine. Every exported method acquires
// the engine-wide mutex, performs its work atomically, and releases;
// GetNewWatcherID, SetSubscribedSGs and CheckTimeouts also check the
// invariants while holding it -- no request handler may call back into the
// engine while holding an external I/O lock (spec.md section 5).
type Engine struct {
	mu sync.Mutex

	logger log.Logger
	clock  func() time.Time

	pool *LocalPool

	subscribedSGs map[string]*GlobalSG
	watchers      map[WatcherID]*Watcher
	nextSGID      uint64

	timeoutDuration  time.Duration
	recheckDelay     time.Duration
	lastTimeoutCheck time.Time
}

// New builds an Engine over the given pool ranges.
func New(ranges []poolconfig.PoolRange, logger log.Logger) *Engine {
	return &Engine{
		logger:          logger,
		clock:           time.Now,
		pool:            NewLocalPool(ranges),
		subscribedSGs:   make(map[string]*GlobalSG),
		watchers:        make(map[WatcherID]*Watcher),
		timeoutDuration: DefaultTimeoutDuration,
		recheckDelay:    DefaultRecheckDelay,
	}
}

// GetNewWatcherID creates a new watcher and returns its id.
func (e *Engine) GetNewWatcherID() WatcherID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var id WatcherID
	for {
		id = WatcherID(randomWatcherID())
		if _, exists := e.watchers[id]; !exists {
			break
		}
	}
	e.watchers[id] = newWatcher(id, e.clock())
	e.checkInvariantsLocked()
	return id
}

func randomWatcherID() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("engine: reading random watcher id: %v", err))
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}

// ErrUnknownWatcher is returned by operations on a watcher id the engine
// has never seen or has since evicted.
var ErrUnknownWatcher = fmt.Errorf("engine: unknown watcher")

// RefreshWatcherID resets a watcher's liveness timer.
func (e *Engine) RefreshWatcherID(wid WatcherID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.watchers[wid]
	if !ok {
		return ErrUnknownWatcher
	}
	w.LastRefresh = e.clock()
	return nil
}

// SetSubscribedSGs replaces a watcher's explicit subscription set,
// creating the watcher if it doesn't exist (spec.md section 4.7).
func (e *Engine) SetSubscribedSGs(wid WatcherID, sgs []mnat.SG) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.getOrCreateWatcherLocked(wid)

	want := make(map[string]mnat.SG, len(sgs))
	for _, sg := range sgs {
		want[sg.String()] = sg
	}
	for key, gsg := range w.SubscribedGSGs {
		if _, keep := want[key]; !keep {
			e.unsubscribeLocked(w, gsg.SG)
		}
	}
	for key, sg := range want {
		if _, already := w.SubscribedGSGs[key]; !already {
			e.subscribeLocked(w, sg)
		}
	}
	e.checkInvariantsLocked()
	return nil
}

// SetMonitors replaces a watcher's monitor set, creating the watcher if it
// doesn't exist (spec.md section 4.7).
func (e *Engine) SetMonitors(wid WatcherID, monitors []Monitor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.getOrCreateWatcherLocked(wid)
	w.Monitors = make(map[MonitorID]Monitor, len(monitors))
	for _, m := range monitors {
		w.Monitors[m.ID] = m
	}
	return nil
}

func (e *Engine) getOrCreateWatcherLocked(wid WatcherID) *Watcher {
	w, ok := e.watchers[wid]
	if !ok {
		w = newWatcher(wid, e.clock())
		e.watchers[wid] = w
	}
	return w
}

// subscribeLocked implements the subscribe policy of spec.md section 4.7.
func (e *Engine) subscribeLocked(w *Watcher, sg mnat.SG) {
	key := sg.String()
	gsg, exists := e.subscribedSGs[key]
	if !exists {
		e.nextSGID++
		gsg = newGlobalSG(sg, e.nextSGID)
		e.subscribedSGs[key] = gsg
		if local, ok := e.pool.Borrow(sg.Source); ok {
			gsg.Assignment = &LocalAssignment{GlobalSG: gsg, Local: local}
		}
	}
	gsg.SubscribedWatchers[w.ID] = w
	w.SubscribedGSGs[key] = gsg
}

// unsubscribeLocked implements the unsubscribe policy of spec.md section
// 4.7, including the "reassign the first waiter" reaction to newly freed
// pool space.
func (e *Engine) unsubscribeLocked(w *Watcher, sg mnat.SG) {
	key := sg.String()
	gsg, ok := w.SubscribedGSGs[key]
	if !ok {
		return
	}
	delete(w.SubscribedGSGs, key)
	delete(gsg.SubscribedWatchers, w.ID)

	if len(gsg.SubscribedWatchers) > 0 {
		return
	}
	delete(e.subscribedSGs, key)
	if gsg.Assignment == nil {
		return
	}
	wasFull := e.pool.Return(gsg.Assignment.Local)
	gsg.Assignment = nil
	if !wasFull {
		return
	}
	// Pool transitioned from full to not-full: reassign the first waiting
	// gsg found, in arbitrary order (spec.md section 9, open question 1
	// leaves this policy as-is rather than reassigning in subscription
	// order).
	for _, waiter := range e.subscribedSGs {
		if waiter.Assignment != nil {
			continue
		}
		if local, ok := e.pool.Borrow(waiter.SG.Source); ok {
			waiter.Assignment = &LocalAssignment{GlobalSG: waiter, Local: local}
		}
		break
	}
}

// ViewFor produces the polled response for a watcher: every SG it
// explicitly subscribes to, plus every globally-subscribed SG that
// matches one of its monitors, ordered by sg_id.
func (e *Engine) ViewFor(wid WatcherID) ([]ViewEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.watchers[wid]
	if !ok {
		return nil, ErrUnknownWatcher
	}

	seen := make(map[uint64]bool)
	var entries []ViewEntry
	add := func(gsg *GlobalSG) {
		if seen[gsg.SGID] {
			return
		}
		seen[gsg.SGID] = true
		entry := ViewEntry{SG: gsg.SG, SGID: gsg.SGID, State: mnat.Unassigned}
		if gsg.Assignment != nil {
			entry.Local = gsg.Assignment.Local
			if gsg.Assignment.Local.Source == nil {
				entry.State = mnat.AssignedASM
			} else {
				entry.State = mnat.Assigned
			}
		}
		entries = append(entries, entry)
	}

	for _, gsg := range w.SubscribedGSGs {
		add(gsg)
	}
	for _, gsg := range e.subscribedSGs {
		for _, m := range w.Monitors {
			if m.Includes(gsg.SG) {
				add(gsg)
				break
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].SGID < entries[j].SGID })
	return entries, nil
}

// CheckTimeouts evicts watchers that haven't refreshed within
// timeoutDuration, at most once per recheckDelay.
func (e *Engine) CheckTimeouts() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	if !e.lastTimeoutCheck.IsZero() && now.Sub(e.lastTimeoutCheck) < e.recheckDelay {
		return
	}
	e.lastTimeoutCheck = now
	e.checkInvariantsLocked()

	var dead []WatcherID
	for id, w := range e.watchers {
		if now.Sub(w.LastRefresh) > e.timeoutDuration {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		e.evictLocked(id)
	}
}

func (e *Engine) evictLocked(wid WatcherID) {
	w, ok := e.watchers[wid]
	if !ok {
		return
	}
	for _, gsg := range w.SubscribedGSGs {
		e.unsubscribeLocked(w, gsg.SG)
	}
	delete(e.watchers, wid)
	if e.logger != nil {
		e.logger.Log("op", "evict_watcher", "watcher_id", string(wid))
	}
}

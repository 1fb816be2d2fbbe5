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

// Package engine is the server's assignment engine: it owns the watcher
// registry, the global-SG subscription graph, and the local pool, and
// reconciles them under a single mutex (spec.md section 4.7-4.8).
package engine

import (
	"net"
	"time"

	"mnat.io/internal/mnat"
)

// WatcherID is the opaque, random watcher identifier handed out by
// get-new-watcher-id.
type WatcherID string

// MonitorID names one entry in a Watcher's monitor set.
type MonitorID string

// Monitor is a standing rule that exposes assignments outside a watcher's
// explicit subscription set. The only variant today is SourcePrefix.
type Monitor struct {
	ID     MonitorID
	Prefix net.IPNet
}

// Includes reports whether gsg's source falls within the monitor's prefix.
func (m Monitor) Includes(sg mnat.SG) bool {
	if sg.Source == nil {
		return false
	}
	return m.Prefix.Contains(sg.Source)
}

// LocalAssignment binds a GlobalSG to its leased local SG.
type LocalAssignment struct {
	GlobalSG *GlobalSG
	Local    mnat.SG
}

// GlobalSG is one globally-subscribed (source, group), shared by every
// watcher currently subscribed to it.
type GlobalSG struct {
	SG                mnat.SG
	SGID              uint64
	SubscribedWatchers map[WatcherID]*Watcher
	Assignment        *LocalAssignment
}

func newGlobalSG(sg mnat.SG, id uint64) *GlobalSG {
	return &GlobalSG{
		SG:                 sg,
		SGID:               id,
		SubscribedWatchers: make(map[WatcherID]*Watcher),
	}
}

// Watcher is one egress or ingress client's registration with the server.
type Watcher struct {
	ID             WatcherID
	SubscribedGSGs map[string]*GlobalSG // keyed by SG.String()
	Monitors       map[MonitorID]Monitor
	LastRefresh    time.Time
}

func newWatcher(id WatcherID, now time.Time) *Watcher {
	return &Watcher{
		ID:             id,
		SubscribedGSGs: make(map[string]*GlobalSG),
		Monitors:       make(map[MonitorID]Monitor),
		LastRefresh:    now,
	}
}

// ViewEntry is one row of a polled assigned-channels response.
type ViewEntry struct {
	SG    mnat.SG
	SGID  uint64
	State mnat.LocalState
	Local mnat.SG
}

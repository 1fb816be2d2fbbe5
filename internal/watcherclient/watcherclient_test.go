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

package watcherclient

import (
	"net"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"mnat.io/internal/mnat"
)

func TestSGWireRoundTrip(t *testing.T) {
	sg := mnat.SG{Source: net.ParseIP("10.0.0.1"), Group: net.ParseIP("239.1.1.1")}
	w := sgToWire(sg)
	require.Equal(t, "10.0.0.1", w.Source)
	require.Equal(t, "239.1.1.1", w.Group)

	back := sgFromWire(w)
	require.True(t, back.Source.Equal(sg.Source))
	require.True(t, back.Group.Equal(sg.Group))
}

func TestSGWireRoundTripASM(t *testing.T) {
	sg := mnat.SG{Group: net.ParseIP("239.1.1.1")}
	w := sgToWire(sg)
	require.Empty(t, w.Source)

	back := sgFromWire(w)
	require.Nil(t, back.Source)
}

func TestReconcileKeepsUnchangedAndDropsChanged(t *testing.T) {
	c := &Client{
		cfg:      Config{Mode: Egress},
		managers: make(map[string]*translateManager),
		logger:   nil,
	}

	global1 := mnat.SG{Source: net.ParseIP("10.0.0.1"), Group: net.ParseIP("239.1.1.1")}
	local1 := mnat.SG{Source: net.ParseIP("192.168.0.1"), Group: net.ParseIP("239.2.2.2")}

	m1 := mnat.Mapping{Global: global1, State: mnat.Assigned, Local: local1}
	key := m1.Global.String()

	// Simulate an already-running manager whose local assignment matches;
	// reconcile must leave it alone (no real pipeline/join fields needed
	// since stop() is never called on the kept path).
	running := &translateManager{mapping: m1}
	c.managers[key] = running

	c.reconcileNoStart(map[string]mnat.Mapping{key: m1})
	require.Same(t, running, c.managers[key])

	// Changing the local assignment must drop the old manager so a fresh
	// one gets started.
	m1Changed := m1
	m1Changed.Local = mnat.SG{Source: net.ParseIP("192.168.0.9"), Group: net.ParseIP("239.2.2.2")}
	c.reconcileNoStart(map[string]mnat.Mapping{key: m1Changed})
	_, stillRunning := c.managers[key]
	require.False(t, stillRunning)
}

func TestReconcileTracksPendingUnassigned(t *testing.T) {
	c := &Client{
		cfg:      Config{Mode: Egress},
		managers: make(map[string]*translateManager),
		logger:   log.NewNopLogger(),
	}

	global1 := mnat.SG{Source: net.ParseIP("10.0.0.1"), Group: net.ParseIP("239.1.1.1")}
	m1 := mnat.Mapping{Global: global1, State: mnat.Unassigned}
	key := m1.Global.String()

	c.reconcile(map[string]mnat.Mapping{key: m1})
	mgr, ok := c.managers[key]
	require.True(t, ok)
	require.True(t, mgr.pending)

	// Still unassigned on the next poll: the pending manager is left in
	// place rather than torn down and recreated.
	c.reconcile(map[string]mnat.Mapping{key: m1})
	require.Same(t, mgr, c.managers[key])

	// ping/stop on a pending manager must be safe no-ops.
	mgr.ping(c.logger)
	mgr.stop(c.logger)
}

// reconcileNoStart exercises the teardown half of reconcile without
// touching startManager, which needs real interfaces; it makes the same
// keep-or-drop decision as reconcile's first loop for assigned mappings,
// but skips the pending-manager case and does not ping or stop the
// managers it keeps or drops.
func (c *Client) reconcileNoStart(mappings map[string]mnat.Mapping) {
	for key, mgr := range c.managers {
		m, ok := mappings[key]
		if ok && m.State != mnat.Unassigned && m.SameLocal(mgr.mapping) {
			continue
		}
		delete(c.managers, key)
	}
}

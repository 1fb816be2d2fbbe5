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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mnat.io/internal/mnat"
	"mnat.io/internal/poolconfig"
)

func smallPoolConfig(t *testing.T) []poolconfig.PoolRange {
	t.Helper()
	const cfg = `{ "group-pool": { "ranges": [
      { "group-range": "239.1.0.0/30", "source-range": "asm" } ] } }`
	parsed, warnings, err := poolconfig.Parse([]byte(cfg), true)
	require.NoError(t, err)
	require.Empty(t, warnings)
	return parsed.Ranges
}

func mustSG(t *testing.T, src, grp string) mnat.SG {
	t.Helper()
	sg, err := mnat.ParseSG(src + "," + grp)
	require.NoError(t, err)
	return sg
}

func TestGetNewWatcherIDUnique(t *testing.T) {
	e := New(smallPoolConfig(t), nil)
	a := e.GetNewWatcherID()
	b := e.GetNewWatcherID()
	require.NotEqual(t, a, b)
}

func TestSubscribeAssignsFromPool(t *testing.T) {
	e := New(smallPoolConfig(t), nil)
	wid := e.GetNewWatcherID()
	sg := mustSG(t, "10.0.0.1", "232.1.1.1")

	require.NoError(t, e.SetSubscribedSGs(wid, []mnat.SG{sg}))
	view, err := e.ViewFor(wid)
	require.NoError(t, err)
	require.Len(t, view, 1)
	require.Equal(t, mnat.AssignedASM, view[0].State)
}

func TestSetSubscribedSGsIsIdempotent(t *testing.T) {
	e := New(smallPoolConfig(t), nil)
	wid := e.GetNewWatcherID()
	sg := mustSG(t, "10.0.0.1", "232.1.1.1")

	require.NoError(t, e.SetSubscribedSGs(wid, []mnat.SG{sg}))
	view1, _ := e.ViewFor(wid)
	require.NoError(t, e.SetSubscribedSGs(wid, []mnat.SG{sg}))
	view2, _ := e.ViewFor(wid)
	require.Equal(t, view1, view2)
}

func TestPoolRoundTripRestoresState(t *testing.T) {
	e := New(smallPoolConfig(t), nil)
	wid := e.GetNewWatcherID()

	sgs := []mnat.SG{
		mustSG(t, "10.0.0.1", "232.1.1.1"),
		mustSG(t, "10.0.0.2", "232.1.1.2"),
	}
	require.NoError(t, e.SetSubscribedSGs(wid, sgs))
	require.Equal(t, 2, e.pool.Len())

	require.NoError(t, e.SetSubscribedSGs(wid, nil))
	require.Equal(t, 0, e.pool.Len())
}

func TestFullPoolLeavesWaiterUnassignedThenReassignsOnRelease(t *testing.T) {
	// 239.1.0.0/30 has 4 addresses, asm source => sg_count = 4.
	e := New(smallPoolConfig(t), nil)
	wid := e.GetNewWatcherID()

	sgs := make([]mnat.SG, 0, 5)
	for i := 1; i <= 5; i++ {
		sgs = append(sgs, mustSG(t, "10.0.0.1", ipFor(i)))
	}
	require.NoError(t, e.SetSubscribedSGs(wid, sgs))

	view, err := e.ViewFor(wid)
	require.NoError(t, err)
	require.Len(t, view, 5)

	unassigned := 0
	var firstAssigned mnat.SG
	for _, v := range view {
		if v.State == mnat.Unassigned {
			unassigned++
		} else if firstAssigned.Group == nil {
			firstAssigned = v.SG
		}
	}
	require.Equal(t, 1, unassigned)

	// Release one assigned subscription; the waiter should now be assigned.
	require.NoError(t, e.SetSubscribedSGs(wid, sgsWithout(sgs, firstAssigned)))
	released, err := e.ViewFor(wid)
	require.NoError(t, err)
	require.Len(t, released, 4)
	for _, v := range released {
		require.NotEqual(t, mnat.Unassigned, v.State, v.SG.String())
	}

	// Subscribing the released SG again finds the pool full once more.
	require.NoError(t, e.SetSubscribedSGs(wid, sgs))

	view2, err := e.ViewFor(wid)
	require.NoError(t, err)
	stillUnassigned := 0
	for _, v := range view2 {
		if v.State == mnat.Unassigned {
			stillUnassigned++
		}
	}
	require.Equal(t, 1, stillUnassigned)
}

func ipFor(i int) string {
	return []string{"", "232.1.1.1", "232.1.1.2", "232.1.1.3", "232.1.1.4", "232.1.1.5"}[i]
}

func sgsWithout(sgs []mnat.SG, drop mnat.SG) []mnat.SG {
	var out []mnat.SG
	for _, sg := range sgs {
		if sg.String() == drop.String() {
			continue
		}
		out = append(out, sg)
	}
	return out
}

func TestWatcherTimeoutEvictsAndReturnsToPool(t *testing.T) {
	e := New(smallPoolConfig(t), nil)
	now := time.Now()
	e.clock = func() time.Time { return now }

	wid := e.GetNewWatcherID()
	sg := mustSG(t, "10.0.0.1", "232.1.1.1")
	require.NoError(t, e.SetSubscribedSGs(wid, []mnat.SG{sg}))
	require.Equal(t, 1, e.pool.Len())

	now = now.Add(61 * time.Second)
	e.clock = func() time.Time { return now }
	e.CheckTimeouts()

	_, err := e.ViewFor(wid)
	require.ErrorIs(t, err, ErrUnknownWatcher)
	require.Equal(t, 0, e.pool.Len())
}

func TestRefreshWatcherIDUnknown(t *testing.T) {
	e := New(smallPoolConfig(t), nil)
	err := e.RefreshWatcherID(WatcherID("nope"))
	require.ErrorIs(t, err, ErrUnknownWatcher)
}

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

package h2session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsDeadBeforeGracePeriod(t *testing.T) {
	s := &Session{connectedAt: time.Now()}
	require.False(t, s.IsDead(time.Now().Add(5*time.Second)))
}

func TestIsDeadAfterStaleRefresh(t *testing.T) {
	base := time.Now()
	s := &Session{connectedAt: base.Add(-time.Hour)}
	s.MarkRefresh(base.Add(-time.Hour))
	s.MarkAssignCheck(base)
	require.True(t, s.IsDead(base))
}

func TestIsDeadFalseWhenBothFresh(t *testing.T) {
	base := time.Now()
	s := &Session{connectedAt: base.Add(-time.Hour)}
	s.MarkRefresh(base)
	s.MarkAssignCheck(base)
	require.False(t, s.IsDead(base))
}

func TestWatcherIDStale(t *testing.T) {
	base := time.Now()
	s := &Session{}
	require.False(t, s.WatcherIDStale(base))

	s.MarkRefresh(base.Add(-70 * time.Second))
	require.True(t, s.WatcherIDStale(base))

	s.MarkRefresh(base.Add(-10 * time.Second))
	require.False(t, s.WatcherIDStale(base))
}

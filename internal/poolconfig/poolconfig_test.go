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

package poolconfig

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
{ "group-pool": {
    "default-source-range": "keep",
    "ranges": [
      { "group-range": "239.1.0.0/16", "source-range": "keep",
        "exclude": [{"groupex-range": "239.1.1.0/24"}] } ] } }
`

func TestParseBasicPool(t *testing.T) {
	cfg, warnings, err := Parse([]byte(sampleConfig), true)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, cfg.Ranges, 1)

	r := cfg.Ranges[0]
	require.Equal(t, SourceKeep, r.SourceRange.Kind)
	require.Equal(t, uint64(1), r.SourceCount)
	// 239.1.0.0/16 has 65536 addresses; excluding a /24 removes 256.
	require.Equal(t, uint64(65536-256), r.GroupCount)
	require.Len(t, r.UsableRanges, 2)
}

func TestStrictRejectsNonMulticastBase(t *testing.T) {
	const cfg = `{ "group-pool": { "ranges": [
      { "group-range": "10.0.0.0/24", "source-range": "asm" } ] } }`
	_, _, err := Parse([]byte(cfg), true)
	require.Error(t, err)
}

func TestLenientWarnsInsteadOfFailing(t *testing.T) {
	const cfg = `{ "group-pool": { "ranges": [
      { "group-range": "10.0.0.0/24", "source-range": "asm" } ] } }`
	parsed, warnings, err := Parse([]byte(cfg), false)
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
	require.Len(t, parsed.Ranges, 1)
}

func TestStrictRejectsExcludeOutsideBase(t *testing.T) {
	const cfg = `{ "group-pool": { "ranges": [
      { "group-range": "239.1.0.0/24", "source-range": "asm",
        "exclude": [{"groupex-range": "239.2.0.0/24"}] } ] } }`
	_, _, err := Parse([]byte(cfg), true)
	require.Error(t, err)
}

func TestIPRangeSubtractSplitsIntoTwo(t *testing.T) {
	base, err := NewIPRangeFromCIDR("239.1.0.0/24")
	require.NoError(t, err)
	ex, err := NewIPRangeFromCIDR("239.1.0.64/26")
	require.NoError(t, err)

	out := base.Subtract(ex)
	require.Len(t, out, 2)
	require.Equal(t, net.ParseIP("239.1.0.0").To4(), out[0].From.To4())
	require.Equal(t, net.ParseIP("239.1.0.63").To4(), out[0].To.To4())
	require.Equal(t, net.ParseIP("239.1.0.128").To4(), out[1].From.To4())
	require.Equal(t, net.ParseIP("239.1.0.255").To4(), out[1].To.To4())
}

func TestIPRangeNth(t *testing.T) {
	base, err := NewIPRangeFromCIDR("239.1.0.0/24")
	require.NoError(t, err)
	require.Equal(t, net.ParseIP("239.1.0.5").To4(), base.Nth(5).To4())
}

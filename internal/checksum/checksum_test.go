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

package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCarryAddFoldsOverflow(t *testing.T) {
	// 0xFFFF + 0x0002 = 0x10001; folding the carry gives 0x0001 + 1 = 2.
	require.Equal(t, uint32(2), CarryAdd(0xFFFF, 0x0002))
}

func TestInvert(t *testing.T) {
	require.Equal(t, uint16(0xFFFF), Invert(0))
	require.Equal(t, uint16(0), Invert(0xFFFF))
}

func TestAdjustIdentityIsZero(t *testing.T) {
	src := []byte{192, 168, 1, 2}
	grp := []byte{232, 1, 1, 1}
	adjust := Adjust(src, grp, src, grp)
	// carry_add(invert(S), S) is 0xFFFF, the one's-complement negative
	// zero: applying it leaves any checksum unchanged.
	require.Equal(t, uint32(0xFFFF), adjust)
}

func TestApplyUDPZeroStaysZero(t *testing.T) {
	require.Equal(t, uint16(0), ApplyUDP(0x1234, 0))
}

func TestApplyUDPZeroResultBecomesFFFF(t *testing.T) {
	// Choose an adjust/inCk pair whose incremental result is exactly
	// zero: invert(carry_add(adjust, invert(inCk))) == 0 means
	// carry_add(adjust, invert(inCk)) == 0xFFFF.
	inCk := uint16(0x0001)
	// invert(inCk) = 0xFFFE; pick adjust = 1 so carry_add(1, 0xFFFE) = 0xFFFF.
	out := ApplyUDP(1, inCk)
	require.Equal(t, uint16(0xFFFF), out)
}

func TestApplyUDPRoundTrip(t *testing.T) {
	inSrc := []byte{10, 0, 0, 1}
	inGrp := []byte{239, 1, 1, 1}
	outSrc := []byte{10, 0, 0, 2}
	outGrp := []byte{239, 2, 2, 2}

	adjust := Adjust(inSrc, inGrp, outSrc, outGrp)
	reverse := Adjust(outSrc, outGrp, inSrc, inGrp)

	inCk := uint16(0xBEEF)
	out := ApplyUDP(adjust, inCk)
	back := ApplyUDP(reverse, out)
	require.Equal(t, inCk, back)
}

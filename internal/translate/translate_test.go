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

package translate

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildV4UDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte, udpCk uint16) []byte {
	totalLen := 20 + 8 + len(payload)
	pkt := make([]byte, totalLen)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	pkt[8] = 64
	pkt[9] = 17
	copy(pkt[12:16], src[:])
	copy(pkt[16:20], dst[:])
	binary.BigEndian.PutUint16(pkt[20:22], srcPort)
	binary.BigEndian.PutUint16(pkt[22:24], dstPort)
	binary.BigEndian.PutUint16(pkt[24:26], uint16(8+len(payload)))
	binary.LittleEndian.PutUint16(pkt[26:28], udpCk)
	copy(pkt[28:], payload)

	ipCk := invert(sum(pkt[:20]))
	binary.LittleEndian.PutUint16(pkt[10:12], ipCk)
	return pkt
}

func buildV6UDP(src, dst [16]byte, srcPort, dstPort uint16, payload []byte, udpCk uint16) []byte {
	pkt := make([]byte, 40+8+len(payload))
	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], uint16(8+len(payload)))
	pkt[6] = 17
	pkt[7] = 64
	copy(pkt[8:24], src[:])
	copy(pkt[24:40], dst[:])
	binary.BigEndian.PutUint16(pkt[40:42], srcPort)
	binary.BigEndian.PutUint16(pkt[42:44], dstPort)
	binary.BigEndian.PutUint16(pkt[44:46], uint16(8+len(payload)))
	binary.LittleEndian.PutUint16(pkt[46:48], udpCk)
	copy(pkt[48:], payload)
	return pkt
}

// sum/invert mirror the checksum package's host-order convention, used
// here only to build well-formed fixtures.
func sum(b []byte) uint32 {
	var s uint32
	for i := 0; i+1 < len(b); i += 2 {
		s += uint32(b[i]) | uint32(b[i+1])<<8
		for s>>16 != 0 {
			s = (s & 0xFFFF) + (s >> 16)
		}
	}
	return s
}

func invert(x uint32) uint16 {
	return uint16(^x & 0xFFFF)
}

func TestV4ToV4Translate(t *testing.T) {
	inSrc := [4]byte{198, 51, 100, 7}
	inGrp := [4]byte{232, 1, 1, 1}
	outSrc := [4]byte{10, 0, 0, 1}
	outGrp := [4]byte{239, 1, 1, 1}

	pkt := buildV4UDP(inSrc, inGrp, 5000, 5001, []byte("hello"), 0xABCD)

	tr := New(inSrc[:], inGrp[:], outSrc[:], outGrp[:])
	out, ok := tr.Translate(pkt)
	require.True(t, ok)
	require.Equal(t, outSrc[:], []byte(out[12:16]))
	require.Equal(t, outGrp[:], []byte(out[16:20]))
	require.Equal(t, "hello", string(out[28:]))

	// Output IP header must itself be checksum-valid.
	require.Equal(t, uint16(0), invert(sum(out[:20])))
}

func TestV4ToV4TranslateZeroUDPChecksumStaysZero(t *testing.T) {
	inSrc := [4]byte{198, 51, 100, 7}
	inGrp := [4]byte{232, 1, 1, 1}
	outSrc := [4]byte{10, 0, 0, 1}
	outGrp := [4]byte{239, 1, 1, 1}
	pkt := buildV4UDP(inSrc, inGrp, 5000, 5001, []byte("x"), 0)

	tr := New(inSrc[:], inGrp[:], outSrc[:], outGrp[:])
	out, ok := tr.Translate(pkt)
	require.True(t, ok)
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(out[26:28]))
}

func TestV4ToV4DropsFragment(t *testing.T) {
	inSrc := [4]byte{198, 51, 100, 7}
	inGrp := [4]byte{232, 1, 1, 1}
	pkt := buildV4UDP(inSrc, inGrp, 1, 2, []byte("x"), 0xAAAA)
	binary.BigEndian.PutUint16(pkt[6:8], 0x2000) // MF set

	tr := New(inSrc[:], inGrp[:], []byte{10, 0, 0, 1}, []byte{239, 1, 1, 1})
	_, ok := tr.Translate(pkt)
	require.False(t, ok)
}

func TestV4ToV6Translate(t *testing.T) {
	inSrc := [4]byte{198, 51, 100, 7}
	inGrp := [4]byte{232, 1, 1, 1}
	outSrc := [16]byte{0x20, 0x01, 0xdb, 0x8}
	outSrc[15] = 1
	outGrp := [16]byte{0xff, 0x0e}
	outGrp[15] = 2

	pkt := buildV4UDP(inSrc, inGrp, 5000, 5001, []byte("payload"), 0x1234)

	tr := New(inSrc[:], inGrp[:], outSrc[:], outGrp[:])
	out, ok := tr.Translate(pkt)
	require.True(t, ok)
	require.Equal(t, byte(6), out[0]>>4)
	require.Equal(t, outSrc[:], []byte(out[8:24]))
	require.Equal(t, outGrp[:], []byte(out[24:40]))
	require.Equal(t, "payload", string(out[48:]))
}

func TestV6ToV4Translate(t *testing.T) {
	inSrc := [16]byte{0x20, 0x01, 0xdb, 0x8}
	inSrc[15] = 5
	inGrp := [16]byte{0xff, 0x0e}
	inGrp[15] = 9
	outSrc := [4]byte{10, 1, 1, 1}
	outGrp := [4]byte{239, 9, 9, 9}

	pkt := buildV6UDP(inSrc, inGrp, 6000, 6001, []byte("abc"), 0x4321)

	tr := New(inSrc[:], inGrp[:], outSrc[:], outGrp[:])
	out, ok := tr.Translate(pkt)
	require.True(t, ok)
	require.Equal(t, byte(4), out[0]>>4)
	require.Equal(t, outSrc[:], []byte(out[12:16]))
	require.Equal(t, outGrp[:], []byte(out[16:20]))
	require.Equal(t, uint16(0), invert(sum(out[:20])))

	// A synthesized v4 UDP checksum must never come out zero.
	udpCk := binary.LittleEndian.Uint16(out[26:28])
	require.NotEqual(t, uint16(0), udpCk)
}

func TestMalformedHeaderRejected(t *testing.T) {
	tr := New([]byte{1, 2, 3, 4}, []byte{232, 1, 1, 1}, []byte{5, 6, 7, 8}, []byte{239, 1, 1, 1})
	_, ok := tr.Translate([]byte{0x45, 0, 0, 4})
	require.False(t, ok)
}

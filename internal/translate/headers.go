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

import "encoding/binary"

// v4Header is a read-only view over a parsed, validated IPv4 header. All
// offsets are relative to the start of the IP packet.
type v4Header struct {
	ihl        int // header length in bytes
	totalLen   int
	protocol   byte
	ttl        byte
	tos        byte
	udpOff     int // offset of the UDP header, == ihl
}

func parseV4(pkt []byte) (v4Header, bool) {
	if len(pkt) < 28 {
		return v4Header{}, false
	}
	version := pkt[0] >> 4
	if version != 4 {
		return v4Header{}, false
	}
	ihl := int(pkt[0]&0x0F) * 4
	if ihl < 20 || ihl > len(pkt) {
		return v4Header{}, false
	}
	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen > len(pkt) {
		return v4Header{}, false
	}
	if pkt[9] != 17 {
		return v4Header{}, false
	}
	flagsFrag := binary.BigEndian.Uint16(pkt[6:8])
	mf := flagsFrag&0x2000 != 0
	fragOffset := flagsFrag & 0x1FFF
	if mf || fragOffset != 0 {
		return v4Header{}, false
	}
	if ihl+8 > totalLen {
		return v4Header{}, false
	}
	return v4Header{
		ihl:      ihl,
		totalLen: totalLen,
		protocol: pkt[9],
		ttl:      pkt[8],
		tos:      pkt[1],
		udpOff:   ihl,
	}, true
}

// v6ExtHeader identifiers for the bounded extension-header walk (SPEC_FULL
// section 4.2: walk the chain instead of rejecting any packet that has
// one, rejecting only if it ends in a Fragment header).
const (
	nextHopByHop    = 0
	nextRouting     = 43
	nextFragment    = 44
	nextDstOptions  = 60
	nextUDP         = 17
	maxExtHeaderHop = 8
)

type v6Header struct {
	trafficClass byte
	flowLabel    uint32
	payloadLen   int
	hopLimit     byte
	udpOff       int // offset of the UDP header (after fixed header + any extensions)
}

func parseV6(pkt []byte) (v6Header, bool) {
	if len(pkt) < 48 {
		return v6Header{}, false
	}
	if pkt[0]>>4 != 6 {
		return v6Header{}, false
	}
	payloadLen := int(binary.BigEndian.Uint16(pkt[4:6]))
	if 40+payloadLen > len(pkt) {
		return v6Header{}, false
	}
	firstWord := binary.BigEndian.Uint32(pkt[0:4])
	trafficClass := byte((firstWord >> 20) & 0xFF)
	flowLabel := firstWord & 0x000FFFFF

	nextHeader := pkt[6]
	hopLimit := pkt[7]

	off := 40
	for i := 0; i < maxExtHeaderHop; i++ {
		switch nextHeader {
		case nextUDP:
			return v6Header{
				trafficClass: trafficClass,
				flowLabel:    flowLabel,
				payloadLen:   payloadLen,
				hopLimit:     hopLimit,
				udpOff:       off,
			}, true
		case nextFragment:
			// Any-fragment input is dropped (spec.md Non-goals).
			return v6Header{}, false
		case nextHopByHop, nextRouting, nextDstOptions:
			if off+8 > len(pkt) {
				return v6Header{}, false
			}
			nh := pkt[off]
			extLen := int(pkt[off+1])
			hdrLen := (extLen + 1) * 8
			if off+hdrLen > len(pkt) {
				return v6Header{}, false
			}
			nextHeader = nh
			off += hdrLen
		default:
			// Unknown/unsupported next header: not a bare UDP datagram.
			return v6Header{}, false
		}
	}
	return v6Header{}, false
}

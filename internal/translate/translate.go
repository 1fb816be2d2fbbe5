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

// Package translate rewrites UDP multicast packets between a global
// (source, group) and a local (source, group), across any combination of
// IPv4 and IPv6 families, patching IP and UDP checksums incrementally
// instead of recomputing them from scratch (spec.md section 4.2).
//
// A note on checksum byte order: Translate sums and stores checksum words
// in the same host-order convention the checksum package computes in.
// That's safe and standard -- it's the same trick BSD and Linux kernels
// use for NAT checksum adjustment -- because a one's-complement checksum
// is invariant under a byte order applied uniformly to every word that
// feeds it. Every other header field (lengths, identification, ports) is
// read and written in real network byte order, since those have to be
// correct on the wire regardless of how the checksum was computed.
package translate

import (
	"encoding/binary"
	"math/rand"

	"mnat.io/internal/checksum"
)

// Translator rewrites packets in one direction between a fixed pair of
// global and local (source, group) endpoints. Family conversion (v4/v6) is
// inferred from the address lengths given at construction.
type Translator struct {
	inV6  bool
	outV6 bool

	inSrc, inGrp   []byte
	outSrc, outGrp []byte

	adjust uint32 // precomputed address-word delta, used for every packet
}

// New builds a Translator for one direction. inSrc/inGrp are the addresses
// packets are expected to arrive tagged with; outSrc/outGrp are what they
// get rewritten to. Each pair must be internally consistent (both v4, or
// both v6); the two pairs may differ in family.
func New(inSrc, inGrp, outSrc, outGrp []byte) *Translator {
	return &Translator{
		inV6:   len(inSrc) == 16,
		outV6:  len(outSrc) == 16,
		inSrc:  inSrc,
		inGrp:  inGrp,
		outSrc: outSrc,
		outGrp: outGrp,
		adjust: checksum.Adjust(inSrc, inGrp, outSrc, outGrp),
	}
}

// Translate rewrites one packet into a newly allocated buffer (pkt itself
// is not modified), returning the output bytes and true on success. It
// returns false for anything the translator must drop: malformed headers,
// fragments, unsupported
// extension header chains, or a protocol other than UDP.
func (t *Translator) Translate(pkt []byte) ([]byte, bool) {
	switch {
	case !t.inV6 && !t.outV6:
		return t.v4ToV4(pkt)
	case t.inV6 && t.outV6:
		return t.v6ToV6(pkt)
	case !t.inV6 && t.outV6:
		return t.v4ToV6(pkt)
	default:
		return t.v6ToV4(pkt)
	}
}

func (t *Translator) v4ToV4(pkt []byte) ([]byte, bool) {
	hdr, ok := parseV4(pkt)
	if !ok {
		return nil, false
	}
	out := append([]byte(nil), pkt[:hdr.totalLen]...)
	copy(out[12:16], t.outSrc)
	copy(out[16:20], t.outGrp)

	ipCk := binary.LittleEndian.Uint16(out[10:12])
	newIPCk := checksum.ApplyMandatory(t.adjust, ipCk)
	binary.LittleEndian.PutUint16(out[10:12], newIPCk)

	udpCkOff := hdr.udpOff + 6
	if udpCkOff+2 > len(out) {
		return nil, false
	}
	udpCk := binary.LittleEndian.Uint16(out[udpCkOff : udpCkOff+2])
	newUDPCk := checksum.ApplyUDP(t.adjust, udpCk)
	binary.LittleEndian.PutUint16(out[udpCkOff:udpCkOff+2], newUDPCk)

	return out, true
}

func (t *Translator) v6ToV6(pkt []byte) ([]byte, bool) {
	hdr, ok := parseV6(pkt)
	if !ok {
		return nil, false
	}
	end := 40 + hdr.payloadLen
	out := append([]byte(nil), pkt[:end]...)
	copy(out[8:24], t.outSrc)
	copy(out[24:40], t.outGrp)

	udpCkOff := hdr.udpOff + 6
	if udpCkOff+2 > len(out) {
		return nil, false
	}
	udpCk := binary.LittleEndian.Uint16(out[udpCkOff : udpCkOff+2])
	newUDPCk := checksum.ApplyUDP(t.adjust, udpCk)
	binary.LittleEndian.PutUint16(out[udpCkOff:udpCkOff+2], newUDPCk)

	return out, true
}

func (t *Translator) v4ToV6(pkt []byte) ([]byte, bool) {
	hdr, ok := parseV4(pkt)
	if !ok {
		return nil, false
	}
	payload := pkt[hdr.udpOff:hdr.totalLen]
	if len(payload) < 8 {
		return nil, false
	}

	out := make([]byte, 40+len(payload))
	out[0] = 0x60 | (hdr.tos >> 4)
	out[1] = hdr.tos << 4
	out[2] = 0
	out[3] = 0
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	out[6] = 17 // NextHeader = UDP
	out[7] = hdr.ttl
	copy(out[8:24], t.outSrc)
	copy(out[24:40], t.outGrp)
	copy(out[40:], payload)

	// The output is IPv6, where a UDP checksum is mandatory: even if the
	// inbound v4 packet had checksumming disabled (0 = unchecked), the
	// outbound checksum field can never be zero.
	udpCkOff := 40 + 6
	udpCk := binary.LittleEndian.Uint16(out[udpCkOff : udpCkOff+2])
	newUDPCk := checksum.ApplyMandatory(t.adjust, udpCk)
	binary.LittleEndian.PutUint16(out[udpCkOff:udpCkOff+2], newUDPCk)

	return out, true
}

func (t *Translator) v6ToV4(pkt []byte) ([]byte, bool) {
	hdr, ok := parseV6(pkt)
	if !ok {
		return nil, false
	}
	payload := pkt[hdr.udpOff : 40+hdr.payloadLen]
	if len(payload) < 8 {
		return nil, false
	}
	totalLen := 20 + len(payload)
	if totalLen > 0xFFFF {
		return nil, false
	}

	out := make([]byte, totalLen)
	out[0] = 0x45
	out[1] = hdr.trafficClass
	binary.BigEndian.PutUint16(out[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(out[4:6], uint16(rand.Intn(65536)))
	binary.BigEndian.PutUint16(out[6:8], 0) // no fragmentation
	out[8] = hdr.hopLimit
	out[9] = 17 // Protocol = UDP
	copy(out[12:16], t.outSrc)
	copy(out[16:20], t.outGrp)
	copy(out[20:], payload)

	binary.LittleEndian.PutUint16(out[10:12], 0)
	newIPCk := checksum.Invert(checksum.Sum(out[:20]))
	binary.LittleEndian.PutUint16(out[10:12], newIPCk)

	udpCkOff := 20 + 6
	udpCk := binary.LittleEndian.Uint16(out[udpCkOff : udpCkOff+2])
	newUDPCk := checksum.ApplyMandatory(t.adjust, udpCk)
	binary.LittleEndian.PutUint16(out[udpCkOff:udpCkOff+2], newUDPCk)

	return out, true
}

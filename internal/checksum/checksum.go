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

// Package checksum implements the 16-bit one's-complement arithmetic the
// packet translator uses to patch IP and UDP checksums incrementally
// instead of recomputing them from scratch (spec.md section 4.1).
package checksum

// Sum computes a 16-bit one's-complement sum over b, interpreted as
// little-endian 16-bit words in host order. An odd trailing byte is
// treated as the low half of a final word. The result is folded (carry
// added back into bit 0) after every addition, so it's always a valid
// 16-bit one's-complement value.
func Sum(b []byte) uint32 {
	var sum uint32
	n := len(b)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(b[i]) | uint32(b[i+1])<<8
		sum = CarryAdd(sum, 0)
	}
	if i < n {
		sum += uint32(b[i])
		sum = CarryAdd(sum, 0)
	}
	return sum
}

// CarryAdd adds a and b as 16-bit one's-complement values, folding any
// overflow bits back into the low 16 bits until none remain.
func CarryAdd(a, b uint32) uint32 {
	sum := a + b
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return sum
}

// Invert returns the one's complement of the low 16 bits of x.
func Invert(x uint32) uint16 {
	return uint16(^x & 0xFFFF)
}

// Adjust precomputes the incremental checksum adjustment for translating
// packets from (inSrc, inGrp) to (outSrc, outGrp): the value to carry-add
// into the inverted input checksum, then invert again, to get the output
// checksum (spec.md section 4.1).
func Adjust(inSrc, inGrp, outSrc, outGrp []byte) uint32 {
	inSum := Sum(append(append([]byte{}, inSrc...), inGrp...))
	outSum := Sum(append(append([]byte{}, outSrc...), outGrp...))
	return CarryAdd(uint32(Invert(inSum)), outSum)
}

// ApplyUDP applies a precomputed Adjust() value to a UDP (or IP) checksum
// field. A zero input checksum means "unchecked" and must stay zero
// (spec.md section 4.1); any other value is patched incrementally, and a
// result that's arithmetically zero is stored as 0xFFFF so it doesn't get
// misread as "unchecked" by the receiver.
func ApplyUDP(adjust uint32, inCk uint16) uint16 {
	if inCk == 0 {
		return 0
	}
	out := Invert(CarryAdd(adjust, uint32(Invert(uint32(inCk)))))
	if out == 0 {
		return 0xFFFF
	}
	return out
}

// ApplyMandatory is like ApplyUDP but for checksums that are never allowed
// to be zero-means-unchecked (the IPv4 header checksum, and a UDP checksum
// synthesized where none previously existed, e.g. v6-to-v4 translation).
func ApplyMandatory(adjust uint32, inCk uint16) uint16 {
	out := Invert(CarryAdd(adjust, uint32(Invert(uint32(inCk)))))
	if out == 0 {
		return 0xFFFF
	}
	return out
}

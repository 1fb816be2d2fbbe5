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

// Package mnat holds the address and (source, group) types shared by the
// server, the egress/ingress watcher clients, and the packet translator.
package mnat

import (
	"fmt"
	"net"
	"strings"
)

// SG is an ordered (source, group) pair. Both addresses must be of the
// same family; Group is expected to hold a multicast address and Source a
// unicast address, but SG itself doesn't enforce that -- callers validate
// with IsMulticast/IsUnicast where it matters.
type SG struct {
	Source net.IP
	Group  net.IP
}

// String renders "source,group", the wire line format used by the join
// file (spec.md section 6) and the ingress export file.
func (sg SG) String() string {
	return fmt.Sprintf("%s,%s", ipString(sg.Source), ipString(sg.Group))
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "-"
	}
	return ip.String()
}

// IsV6 reports whether this SG's addresses are IPv6. It assumes Source and
// Group are the same family, which every constructor in this package
// enforces.
func (sg SG) IsV6() bool {
	return sg.Group.To4() == nil
}

// ParseSG parses a "source,group" line as used by the egress join file and
// the ingress export file.
func ParseSG(line string) (SG, error) {
	srcStr, grpStr, ok := strings.Cut(line, ",")
	if !ok {
		return SG{}, fmt.Errorf("malformed source,group line %q", line)
	}
	src := net.ParseIP(srcStr)
	if src == nil {
		return SG{}, fmt.Errorf("invalid source address %q", srcStr)
	}
	grp := net.ParseIP(grpStr)
	if grp == nil {
		return SG{}, fmt.Errorf("invalid group address %q", grpStr)
	}
	if sameFamily(src, grp) == 0 {
		return SG{}, fmt.Errorf("source %q and group %q are different address families", srcStr, grpStr)
	}
	if !grp.IsMulticast() {
		return SG{}, fmt.Errorf("group %q is not a multicast address", grpStr)
	}
	return SG{Source: Normalize(src), Group: Normalize(grp)}, nil
}

// sameFamily returns 4 or 6 if a and b are both that family, or 0 if they
// differ.
func sameFamily(a, b net.IP) int {
	a4, b4 := a.To4() != nil, b.To4() != nil
	if a4 != b4 {
		return 0
	}
	if a4 {
		return 4
	}
	return 6
}

// Normalize returns the shortest canonical form for ip: 4-byte for IPv4,
// 16-byte for IPv6. net.ParseIP returns a 16-byte form for IPv4-mapped
// addresses, which confuses length-based family checks downstream (every
// family decision in this tree, including translate.New's, is made by
// slice length).
func Normalize(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

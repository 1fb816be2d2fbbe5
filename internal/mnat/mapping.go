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

package mnat

// LocalState is the tagged variant describing a global SG's local
// assignment, as seen by a watcher client (spec.md section 3,
// "LocalAssignmentView").
type LocalState int

const (
	// Unassigned means the server has not (yet) given this SG a local
	// mapping, usually because the pool is exhausted.
	Unassigned LocalState = iota
	// Assigned means the SG has a local (source, group) pair.
	Assigned
	// AssignedASM means the SG has a local group but no specific source
	// (any-source multicast pool).
	AssignedASM
)

func (s LocalState) String() string {
	switch s {
	case Assigned:
		return "assigned-local-multicast"
	case AssignedASM:
		return "assigned-local-multicast-asm"
	default:
		return "unassigned"
	}
}

// Mapping is a client-side view of one global SG and (if any) its local
// assignment.
type Mapping struct {
	Global SG
	State  LocalState
	Local  SG // valid when State != Unassigned; Local.Source is nil for AssignedASM
}

// SameLocal reports whether two mappings have the same local assignment,
// used by the watcher client's reconciliation to decide whether a
// TranslateManager needs to be stopped and restarted (spec.md section
// 4.6, "Kept").
func (m Mapping) SameLocal(other Mapping) bool {
	if m.State != other.State {
		return false
	}
	if m.State == Unassigned {
		return true
	}
	return ipEqual(m.Local.Source, other.Local.Source) && ipEqual(m.Local.Group, other.Local.Group)
}

func ipEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Direction is which way a TranslateManager rewrites packets.
type Direction int

const (
	// ToLocal rewrites global (S,G) packets to local (S,G): the egress
	// direction, used to deliver a global channel onto the address a
	// receiver actually joined.
	ToLocal Direction = iota
	// ToGlobal rewrites local (S,G) packets back to global (S,G): the
	// ingress direction, used to put a site's request for a channel onto
	// the wire the upstream source expects.
	ToGlobal
)

func (d Direction) String() string {
	if d == ToGlobal {
		return "to-global"
	}
	return "to-local"
}

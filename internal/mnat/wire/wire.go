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

// Package wire holds the JSON request/response shapes exchanged between
// watcher clients and the assignment server, paths rooted at /mnat-ds,
// Content-Type application/yang-data+json (spec.md section 6).
package wire

// ContentType is the required Content-Type for every request and response
// body on the wire protocol.
const ContentType = "application/yang-data+json"

// BasePath is the root every endpoint is mounted under.
const BasePath = "/mnat-ds"

// NewWatcherIDResponse is the body of operations/get-new-watcher-id.
type NewWatcherIDResponse struct {
	WatcherID string `json:"watcher-id"`
}

// RefreshWatcherIDRequest is the body of operations/refresh-watcher-id.
type RefreshWatcherIDRequest struct {
	WatcherID string `json:"watcher-id"`
}

// SG is the wire encoding of a (source, group) pair. Source is omitted
// for any-source-multicast assignments.
type SG struct {
	Source string `json:"source,omitempty"`
	Group  string `json:"group"`
}

// EgressGlobalJoinedRequest is the body of a create/update on
// egress-global-joined[/watcher={id}]: the set of global (S,G)s an egress
// watcher currently has active join-file entries for.
type EgressGlobalJoinedRequest struct {
	WatcherID string `json:"watcher-id,omitempty"`
	SGs       []SG   `json:"sgs"`
}

// SourcePrefix is one entry of an ingress watcher's monitor set.
type SourcePrefix struct {
	MonitorID string `json:"monitor-id"`
	Prefix    string `json:"prefix"`
}

// IngressWatchingRequest is the body of a create/update on
// ingress-watching[/watcher={id}]: the source prefixes an ingress watcher
// wants to see assignments for.
type IngressWatchingRequest struct {
	WatcherID string         `json:"watcher-id,omitempty"`
	Monitors  []SourcePrefix `json:"monitors"`
}

// AssignedChannel is one row of an assigned-channels view.
type AssignedChannel struct {
	SG    SG     `json:"sg"`
	SGID  uint64 `json:"sg-id"`
	State string `json:"state"`
	Local *SG    `json:"local-mapping,omitempty"`
}

// AssignedChannelsResponse is the body of
// data/ietf-mnat:assigned-channels[/watcher={id}].
type AssignedChannelsResponse struct {
	Channels []AssignedChannel `json:"channels"`
}

// ErrorResponse is returned for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

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

// Package serverapi maps the HTTP/2 endpoint surface onto internal/engine
// operations (spec.md section 4.9).
package serverapi

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"mnat.io/internal/engine"
	"mnat.io/internal/mnat"
	"mnat.io/internal/mnat/wire"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "mnat_server_requests_total",
	Help: "Server API requests by endpoint and status.",
}, []string{"endpoint", "status"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Server wires an *engine.Engine into an http.Handler.
type Server struct {
	eng    *engine.Engine
	logger log.Logger
	router *mux.Router
}

// New builds a Server and registers its routes.
func New(eng *engine.Engine, logger log.Logger) *Server {
	s := &Server{eng: eng, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	base := s.router.PathPrefix(wire.BasePath).Subrouter()

	base.HandleFunc("/operations/get-new-watcher-id", s.handleGetNewWatcherID).Methods(http.MethodPost)
	base.HandleFunc("/operations/refresh-watcher-id", s.handleRefreshWatcherID).Methods(http.MethodPost)

	base.HandleFunc("/egress-global-joined", s.handleEgressGlobalJoined).Methods(http.MethodPut, http.MethodPost)
	base.HandleFunc("/egress-global-joined/watcher={id}", s.handleEgressGlobalJoined).Methods(http.MethodPut, http.MethodPost)

	base.HandleFunc("/ingress-watching", s.handleIngressWatching).Methods(http.MethodPut, http.MethodPost)
	base.HandleFunc("/ingress-watching/watcher={id}", s.handleIngressWatching).Methods(http.MethodPut, http.MethodPost)

	base.HandleFunc("/data/ietf-mnat:assigned-channels", s.handleAssignedChannels).Methods(http.MethodGet)
	base.HandleFunc("/data/ietf-mnat:assigned-channels/watcher={id}", s.handleAssignedChannels).Methods(http.MethodGet)

	s.router.HandleFunc("/debug/stats", s.handleDebugStats).Methods(http.MethodGet)
}

func (s *Server) handleGetNewWatcherID(w http.ResponseWriter, r *http.Request) {
	wid := s.eng.GetNewWatcherID()
	s.writeJSON(w, http.StatusOK, "get-new-watcher-id", wire.NewWatcherIDResponse{WatcherID: string(wid)})
}

func (s *Server) handleRefreshWatcherID(w http.ResponseWriter, r *http.Request) {
	var req wire.RefreshWatcherIDRequest
	if !s.decode(w, r, "refresh-watcher-id", &req) {
		return
	}
	if err := s.eng.RefreshWatcherID(engine.WatcherID(req.WatcherID)); err != nil {
		s.writeError(w, http.StatusNotFound, "refresh-watcher-id", err)
		return
	}
	s.writeJSON(w, http.StatusOK, "refresh-watcher-id", struct{}{})
}

func (s *Server) handleEgressGlobalJoined(w http.ResponseWriter, r *http.Request) {
	var req wire.EgressGlobalJoinedRequest
	if !s.decode(w, r, "egress-global-joined", &req) {
		return
	}
	wid := watcherIDFromRequest(r, req.WatcherID)
	sgs := make([]mnat.SG, 0, len(req.SGs))
	for _, wsg := range req.SGs {
		sgs = append(sgs, sgFromWire(wsg))
	}
	if err := s.eng.SetSubscribedSGs(engine.WatcherID(wid), sgs); err != nil {
		s.writeError(w, http.StatusNotFound, "egress-global-joined", err)
		return
	}
	s.writeJSON(w, http.StatusOK, "egress-global-joined", struct{}{})
}

func (s *Server) handleIngressWatching(w http.ResponseWriter, r *http.Request) {
	var req wire.IngressWatchingRequest
	if !s.decode(w, r, "ingress-watching", &req) {
		return
	}
	wid := watcherIDFromRequest(r, req.WatcherID)
	monitors := make([]engine.Monitor, 0, len(req.Monitors))
	for _, m := range req.Monitors {
		_, prefix, err := net.ParseCIDR(m.Prefix)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "ingress-watching", err)
			return
		}
		monitors = append(monitors, engine.Monitor{ID: engine.MonitorID(m.MonitorID), Prefix: *prefix})
	}
	if err := s.eng.SetMonitors(engine.WatcherID(wid), monitors); err != nil {
		s.writeError(w, http.StatusNotFound, "ingress-watching", err)
		return
	}
	s.writeJSON(w, http.StatusOK, "ingress-watching", struct{}{})
}

func (s *Server) handleAssignedChannels(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wid := vars["id"]
	if wid == "" {
		wid = r.URL.Query().Get("watcher")
	}

	s.eng.CheckTimeouts()
	view, err := s.eng.ViewFor(engine.WatcherID(wid))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "assigned-channels", err)
		return
	}

	resp := wire.AssignedChannelsResponse{Channels: make([]wire.AssignedChannel, 0, len(view))}
	for _, entry := range view {
		ac := wire.AssignedChannel{
			SG:    sgToWire(entry.SG),
			SGID:  entry.SGID,
			State: entry.State.String(),
		}
		if entry.State != mnat.Unassigned {
			local := sgToWire(entry.Local)
			ac.Local = &local
		}
		resp.Channels = append(resp.Channels, ac)
	}
	s.writeJSON(w, http.StatusOK, "assigned-channels", resp)
}

// handleDebugStats is an additive endpoint (not part of the wire
// protocol's content-type contract) exposing a snapshot for operators,
// grounded in the original implementation's assignments.py debug dump.
func (s *Server) handleDebugStats(w http.ResponseWriter, r *http.Request) {
	stats := s.eng.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func watcherIDFromRequest(r *http.Request, bodyID string) string {
	if id := mux.Vars(r)["id"]; id != "" {
		return id
	}
	return bodyID
}

func sgFromWire(w wire.SG) mnat.SG {
	var src net.IP
	if w.Source != "" {
		src = net.ParseIP(w.Source)
	}
	return mnat.SG{Source: src, Group: net.ParseIP(w.Group)}
}

func sgToWire(sg mnat.SG) wire.SG {
	out := wire.SG{Group: sg.Group.String()}
	if sg.Source != nil {
		out.Source = sg.Source.String()
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, endpoint string, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, endpoint, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, endpoint string, v interface{}) {
	requestsTotal.WithLabelValues(endpoint, http.StatusText(status)).Inc()
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, endpoint string, err error) {
	requestsTotal.WithLabelValues(endpoint, http.StatusText(status)).Inc()
	if s.logger != nil {
		s.logger.Log("op", endpoint, "error", err)
	}
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Error: err.Error()})
}

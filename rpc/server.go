// Package rpc serves the small inter-node HTTP surface described in
// spec §4.10: role-change notification, optional sync-op delivery, health
// and status probes, and the manual sync/failover operator actions.
// Grounded on the teacher's ais/vote.go HTTP handler shape
// (method-switch-on-path, checkRESTItems-style item extraction), served
// here via github.com/gorilla/mux rather than the teacher's hand-rolled
// URL path trie, since ten flat routes don't warrant one.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/failover"
	"github.com/NVIDIA/imgcrawld/repl"
)

// FailoverController is the subset of *failover.Controller the RPC
// surface needs, narrowed to an interface for easier test substitution.
type FailoverController interface {
	Trigger(ctx context.Context, reason string) (failover.Event, error)
}

// Server implements the §4.10 endpoint table over one *mux.Router.
type Server struct {
	localNode string
	registry  *cluster.Registry
	log       *repl.Log
	workers   *repl.Workers
	recon     *repl.Reconciler
	failover  FailoverController

	router *mux.Router
}

// New wires every endpoint. failover may be nil on a node that never
// drives failover itself (it still reports status/health).
func New(localNode string, registry *cluster.Registry, log *repl.Log, workers *repl.Workers, recon *repl.Reconciler, failover FailoverController) *Server {
	s := &Server{localNode: localNode, registry: registry, log: log, workers: workers, recon: recon, failover: failover}
	r := mux.NewRouter()
	r.HandleFunc("/api/role-change", s.handleRoleChange).Methods(http.MethodPost)
	r.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync-status", s.handleSyncStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/{action}", s.handleSyncToggle).Methods(http.MethodPost)
	r.HandleFunc("/api/failover/{target}", s.handleFailover).Methods(http.MethodPost)
	r.HandleFunc("/api/force-sync", s.handleForceSync).Methods(http.MethodPost)
	r.HandleFunc("/api/replication-lag", s.handleReplicationLag).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("rpc: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

type roleChangeRequest struct {
	NodeName  string    `json:"node_name"`
	NewRole   string    `json:"new_role"`
	Timestamp time.Time `json:"timestamp"`
}

// handleRoleChange acknowledges a peer's role-transition notification.
// The registry's own view is only ever mutated locally via
// cluster.Registry.SetPrimary (driven by the local HealthMonitor/
// Controller); this endpoint exists so a freshly-promoted peer can tell
// everyone else to expect it, for logging/alerting purposes.
func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request) {
	var req roleChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	glog.Infof("rpc: %s notified role change: %s is now %s", s.localNode, req.NodeName, req.NewRole)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncOpRequest struct {
	OperationID   string          `json:"operation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	OperationType string          `json:"operation_type"`
	TableName     string          `json:"table_name"`
	Data          json.RawMessage `json:"data"`
	SourceNode    string          `json:"source_node"`
}

// handleSync accepts a single Sync Operation delivered over HTTP, the
// fallback delivery mode kept per the Open Question decision (see
// DESIGN.md): normal replication runs through repl.Workers' direct pgx
// connections, never through this endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload []repl.Column
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	op := repl.Op{
		ID:        req.OperationID,
		Kind:      repl.OpKind(req.OperationType),
		Table:     req.TableName,
		Payload:   payload,
		Origin:    req.SourceNode,
		Status:    repl.StatusPending,
		CreatedAt: req.Timestamp,
	}
	s.log.Append(op)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := s.registry.Get()
	role := "unknown"
	if n, ok := view.Nodes[s.localNode]; ok {
		role = string(n.Role)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
		"node_name": s.localNode,
		"role":      role,
	})
}

type nodeSnapshot struct {
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Health     string  `json:"health"`
	Priority   int     `json:"priority"`
	FailCount  int32   `json:"fail_count"`
	LagSeconds float64 `json:"lag_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := s.registry.Get()
	nodes := make([]nodeSnapshot, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		nodes = append(nodes, nodeSnapshot{
			Name: n.Name, Role: string(n.Role), Health: string(n.HealthStatus()),
			Priority: n.Priority, FailCount: n.FailCount.Load(), LagSeconds: n.LagSeconds.Load(),
		})
	}
	primary := ""
	if view.Primary != nil {
		primary = view.Primary.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": view.Version,
		"primary": primary,
		"nodes":   nodes,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	enabled := true
	if s.workers != nil {
		enabled = s.workers.Enabled()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_size": s.log.Len(),
		"auto_sync":  enabled,
		"checked_at": time.Now(),
	})
}

func (s *Server) handleSyncToggle(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	if s.workers == nil {
		writeError(w, http.StatusServiceUnavailable, cmn.ErrSchemaOrConn)
		return
	}
	switch action {
	case "enable":
		s.workers.SetEnabled(true)
	case "disable":
		s.workers.SetEnabled(false)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "error": "unknown action"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "auto_sync": s.workers.Enabled()})
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	if s.failover == nil {
		writeError(w, http.StatusServiceUnavailable, cmn.ErrFailoverInFlight)
		return
	}
	ev, err := s.failover.Trigger(r.Context(), "manual request via /api/failover/"+target)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "new_primary": ev.NewPrimary})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		writeError(w, http.StatusServiceUnavailable, cmn.ErrSchemaOrConn)
		return
	}
	go s.recon.RunNow(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleReplicationLag(w http.ResponseWriter, r *http.Request) {
	view := s.registry.Get()
	lag := make(map[string]float64, len(view.Nodes))
	for _, n := range view.Secondaries() {
		lag[n.Name] = n.LagSeconds.Load()
	}
	writeJSON(w, http.StatusOK, map[string]any{"lag_seconds": lag, "checked_at": time.Now()})
}

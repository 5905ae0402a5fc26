// Package api implements the thin HTTP/JSON control-plane façade: start
// a crawl, list/delete images, and poll background task status.
// Grounded on the teacher's ais/vote.go handler shape (reused already by
// the rpc package) and spec §7's 202/409 crawl-trigger and
// synchronous-below-threshold delete contract. This package replaces the
// teacher's original api/ directory outright: that directory was a
// client SDK for aistore's own REST surface (dsort.go, query.go, the apc
// constants package) with nothing to adapt toward a server-side
// control-plane façade for a different product.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"go.uber.org/atomic"

	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/crawl"
	"github.com/NVIDIA/imgcrawld/download"
	"github.com/NVIDIA/imgcrawld/hastore"
	"github.com/NVIDIA/imgcrawld/transport"
)

// DeleteSyncThreshold below which a delete request is handled
// synchronously; at or above it, a background task is started and its
// id returned immediately.
const DeleteSyncThreshold = 50

// Server serves the control-plane façade described in spec §9/Non-goals
// (peripheral, thin) over every image-crawling and housekeeping action.
type Server struct {
	session     *transport.Session
	downloadDir string
	engineOpts  crawl.Options
	cluster     *hastore.Cluster

	crawling    atomic.Bool
	lastResult  atomic.Pointer[crawl.Result]

	tasks *taskStore
	router *mux.Router
}

// New builds a Server. cluster may be nil in a deployment with no HA
// layer configured yet (list/delete endpoints then return 503).
func New(session *transport.Session, downloadDir string, engineOpts crawl.Options, cluster *hastore.Cluster) *Server {
	s := &Server{session: session, downloadDir: downloadDir, engineOpts: engineOpts, cluster: cluster, tasks: newTaskStore()}
	r := mux.NewRouter()
	r.HandleFunc("/crawl", s.handleStartCrawl).Methods(http.MethodPost)
	r.HandleFunc("/crawl/status", s.handleCrawlStatus).Methods(http.MethodGet)
	r.HandleFunc("/images", s.handleListImages).Methods(http.MethodGet)
	r.HandleFunc("/images", s.handleDeleteImages).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

type startCrawlRequest struct {
	StartURL string `json:"start_url"`
}

// handleStartCrawl returns 202 and runs the crawl in the background, or
// 409 if one is already running, per spec §7/§4.5.
func (s *Server) handleStartCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StartURL == "" {
		writeError(w, http.StatusBadRequest, cmn.ErrParse)
		return
	}
	if !s.crawling.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, cmn.ErrCrawlInFlight)
		return
	}

	go func() {
		defer s.crawling.Store(false)
		dl, err := download.New(s.session, s.downloadDir)
		if err != nil {
			glog.Errorf("api: crawl of %s: build downloader: %v", req.StartURL, err)
			return
		}
		engine := crawl.New(s.session, dl, s.engineOpts, crawl.Callbacks{})
		result, err := engine.Start(context.Background(), req.StartURL)
		if err != nil {
			glog.Errorf("api: crawl of %s failed: %v", req.StartURL, err)
			return
		}
		s.lastResult.Store(&result)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	status := "idle"
	if s.crawling.Load() {
		status = "running"
	}
	resp := map[string]any{"status": status}
	if last := s.lastResult.Load(); last != nil {
		resp["last_result"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusServiceUnavailable, cmn.ErrSchemaOrConn)
		return
	}
	limit := 100
	sess, err := s.cluster.ReadSession(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sess.Close()

	rows, err := sess.Query(r.Context(), "SELECT id, url, filename, width, height, is_downloaded FROM images ORDER BY id DESC LIMIT $1", limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rows.Close()

	var images []map[string]any
	for rows.Next() {
		var id, width, height int64
		var url, filename string
		var downloaded bool
		if err := rows.Scan(&id, &url, &filename, &width, &height, &downloaded); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		images = append(images, map[string]any{
			"id": id, "url": url, "filename": filename,
			"width": width, "height": height, "is_downloaded": downloaded,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

type deleteImagesRequest struct {
	IDs []int64 `json:"ids"`
}

// handleDeleteImages deletes synchronously below DeleteSyncThreshold;
// at or above it, starts a background task and returns its id, per
// spec §7.
func (s *Server) handleDeleteImages(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusServiceUnavailable, cmn.ErrSchemaOrConn)
		return
	}
	var req deleteImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, cmn.ErrParse)
		return
	}

	if len(req.IDs) < DeleteSyncThreshold {
		result, err := s.deleteImages(r.Context(), req.IDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	task := s.tasks.create(len(req.IDs))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.runDeleteTask(ctx, task, req.IDs)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "task_id": task.id})
}

type deleteResult struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Deleted   int      `json:"deleted"`
	Errors    []string `json:"errors"`
}

func (s *Server) deleteImages(ctx context.Context, ids []int64) (deleteResult, error) {
	res := deleteResult{Total: len(ids)}
	sess, err := s.cluster.WriteSession(ctx)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if err := sess.Begin(ctx); err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := sess.Delete(ctx, "images", id); err != nil {
			res.Errors = append(res.Errors, err.Error())
		} else {
			res.Deleted++
		}
		res.Processed++
	}
	if err := sess.Commit(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Server) runDeleteTask(ctx context.Context, task *deleteTask, ids []int64) {
	task.setStatus(taskRunning)
	res, err := s.deleteImages(ctx, ids)
	task.mu.Lock()
	task.Total, task.Processed, task.Deleted, task.Errors = res.Total, res.Processed, res.Deleted, res.Errors
	task.mu.Unlock()
	if err != nil {
		task.Errors = append(task.Errors, err.Error())
		task.setStatus(taskFailed)
		return
	}
	task.setStatus(taskCompleted)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := s.tasks.get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "error": "unknown task"})
		return
	}
	writeJSON(w, http.StatusOK, task.snapshot())
}

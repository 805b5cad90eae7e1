package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/cbreaker"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/monitoring"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/pool"
)

// apiServer holds the thin JSON handlers API/CLI/dashboard clients consume.
// All orchestration behavior lives in the packages it delegates to.
type apiServer struct {
	pool      *pool.Pool
	ds        podsub.Datastore
	dashboard *monitoring.Dashboard
	collector *monitoring.Collector
	alerts    *monitoring.AlertManager
	breakers  *cbreaker.Manager
	logger    kitlog.Logger
}

type submitRequest struct {
	podsub.GenerationRequest
	Priority   int  `json:"priority"`
	MaxRetries *int `json:"max_retries"`
}

func (s *apiServer) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	maxRetries := -1
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	job, err := s.pool.SubmitJob(r.Context(), &req.GenerationRequest, podsub.SubmitOptions{
		Priority:   req.Priority,
		MaxRetries: maxRetries,
	})
	if err != nil {
		switch {
		case podsub.IsInvalidArgument(err):
			s.writeError(w, http.StatusUnprocessableEntity, err)
		case podsub.IsNoCapacity(err):
			s.writeError(w, http.StatusServiceUnavailable, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *apiServer) getJob(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	job, err := s.ds.Job(r.Context(), id)
	if err != nil {
		if podsub.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := podsub.JobFilter{
		Status:   podsub.JobStatus(r.URL.Query().Get("status")),
		WorkerID: r.URL.Query().Get("worker_id"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Limit = n
	}
	jobs, err := s.ds.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := s.ds.DeleteJob(r.Context(), id); err != nil {
		if podsub.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) getJobLogs(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	logs, err := s.ds.ListLogs(r.Context(), podsub.LogFilter{JobID: &id})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *apiServer) getStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *apiServer) getDashboard(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		window = d
	}
	snap, err := s.dashboard.Snapshot(r.Context(), window)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *apiServer) getAlerts(w http.ResponseWriter, r *http.Request) {
	if severity := r.URL.Query().Get("severity"); severity != "" {
		s.writeJSON(w, http.StatusOK, s.alerts.BySeverity(monitoring.Severity(severity)))
		return
	}
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		n = parsed
	}
	s.writeJSON(w, http.StatusOK, s.alerts.Recent(n))
}

func (s *apiServer) getBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

type scaleRequest struct {
	Count int `json:"count"`
}

func (s *apiServer) scale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pool.Scale(r.Context(), req.Count); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *apiServer) restartWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pool.Restart(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(s.logger).Log("msg", "failed to encode response", "err", err)
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) uint {
	// The route pattern guarantees digits.
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id)
}

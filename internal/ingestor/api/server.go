// Package api serves the operator HTTP API of the ingestor.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/dispatcher"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/intake"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/syncer"
)

const (
	statusCacheKey      = "status_counts"
	statusCacheDuration = time.Second
	defaultRunsLimit    = 50
	maxRunsLimit        = 500
)

type Dispatcher interface {
	Status() dispatcher.Status
	TriggerCycle(ctx context.Context) (dispatcher.CycleResult, error)
}

type SyncRunner interface {
	Run(ctx context.Context, syncType string, trigger syncer.Trigger) (syncer.RunResult, error)
	Status() []syncer.RoutineStatus
}

type Server struct {
	repo       database.WorkItemRepository
	runs       database.SyncRunRepository
	intake     *intake.Service
	dispatcher Dispatcher
	syncs      SyncRunner
	// Serves the progress stream.
	progress    http.Handler
	statusCache *cache.Cache
}

func NewServer(
	repo database.WorkItemRepository,
	runs database.SyncRunRepository,
	intakeService *intake.Service,
	d Dispatcher,
	syncs SyncRunner,
	progress http.Handler,
) *Server {
	return &Server{
		repo:        repo,
		runs:        runs,
		intake:      intakeService,
		dispatcher:  d,
		syncs:       syncs,
		progress:    progress,
		statusCache: cache.New(statusCacheDuration, time.Minute),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/items", s.enqueueItem)
		r.Post("/items/archive", s.enqueueArchive)
		r.Post("/items/requeue", s.requeue)
		r.Post("/items/requeue-failed", s.requeueFailed)
		r.Get("/items/{id}", s.getItem)
		r.Post("/items/{id}/queue", s.queueItem)

		r.Post("/dispatcher/cycle", s.triggerCycle)
		r.Get("/status", s.status)
		if s.progress != nil {
			r.Handle("/progress", s.progress)
		}

		r.Get("/sync/runs", s.listSyncRuns)
		r.Get("/sync/status", s.syncStatus)
		r.Post("/sync/{type}", s.triggerSync)
	})
	return r
}

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	item, err := s.intake.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) enqueueArchive(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.intake.EnqueueArchive(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type requeueRequest struct {
	Ids []int64 `json:"ids"`
}

type requeueFailedRequest struct {
	Origin string `json:"origin"`
}

type requeueResponse struct {
	Requeued []int64 `json:"requeued"`
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Ids) == 0 {
		writeError(w, r, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "ids", Value: req.Ids, Message: "at least one id is required"}))
		return
	}
	requeued, err := s.repo.Requeue(r.Context(), req.Ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.statusCache.Delete(statusCacheKey)
	writeJSON(w, http.StatusOK, requeueResponse{Requeued: nonNil(requeued)})
}

func (s *Server) requeueFailed(w http.ResponseWriter, r *http.Request) {
	var req requeueFailedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requeued, err := s.repo.RequeueFailed(r.Context(), req.Origin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.statusCache.Delete(statusCacheKey)
	writeJSON(w, http.StatusOK, requeueResponse{Requeued: nonNil(requeued)})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemId(w, r)
	if !ok {
		return
	}
	item, err := s.repo.GetById(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// queueItem releases a pending item to the dispatcher once its upstream step has finished.
func (s *Server) queueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemId(w, r)
	if !ok {
		return
	}
	if err := s.repo.MarkQueued(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.statusCache.Delete(statusCacheKey)
	item, err := s.repo.GetById(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) triggerCycle(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.TriggerCycle(r.Context())
	if err != nil {
		var alreadyRunning *ingesterrors.ErrAlreadyRunning
		if errors.As(err, &alreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{"outcome": "already_running", "error": err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}
	s.statusCache.Delete(statusCacheKey)
	writeJSON(w, http.StatusOK, result)
}

type statusResponse struct {
	Counts     database.StatusCounts `json:"counts"`
	Running    bool                  `json:"running"`
	Dispatcher dispatcher.Status     `json:"dispatcher"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.statusCounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := s.dispatcher.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Counts:     counts,
		Running:    d.State == dispatcher.StateRunning,
		Dispatcher: d,
	})
}

// statusCounts serves counts from a short-lived cache so that polling clients don't each hit the store.
func (s *Server) statusCounts(ctx context.Context) (database.StatusCounts, error) {
	if cached, ok := s.statusCache.Get(statusCacheKey); ok {
		return cached.(database.StatusCounts), nil
	}
	counts, err := s.repo.StatusCounts(ctx)
	if err != nil {
		return database.StatusCounts{}, err
	}
	s.statusCache.SetDefault(statusCacheKey, counts)
	return counts, nil
}

func (s *Server) listSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "limit", Value: raw, Message: "limit must be a positive integer"}))
			return
		}
		limit = n
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	runs, err := s.runs.List(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*database.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"routines": s.syncs.Status()})
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncs.Run(r.Context(), chi.URLParam(r, "type"), syncer.TriggerManual)
	if err != nil {
		if result.Outcome != "" {
			writeJSON(w, ingesterrors.HttpStatusFromError(err), map[string]interface{}{
				"outcome": result.Outcome,
				"error":   err.Error(),
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func itemId(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, r, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "id", Value: raw, Message: "id must be an integer"}))
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := ingesterrors.HttpStatusFromError(err)
	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(log.WithField("path", r.URL.Path), err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/clip-search/internal/analytics"
	"github.com/renderinc/clip-search/internal/document"
	"github.com/renderinc/clip-search/internal/ingest"
	"github.com/renderinc/clip-search/internal/search"
	"github.com/renderinc/clip-search/internal/service"
	"github.com/renderinc/clip-search/internal/storage"
)

// rejected ids returned with a task
const taskRejectionLimit = 100

// Backend is the part of the service the HTTP API exposes.
type Backend interface {
	Ingest(ctx context.Context, kind string, paths []string) (ingest.Result, error)
	IngestAsync(ctx context.Context, kind string, paths []string) (string, error)
	Task(ctx context.Context, id string) (*storage.Run, error)
	Rejections(ctx context.Context, id string, limit int) ([]string, error)
	Search(ctx context.Context, coll document.Collection, req search.Request, scope search.Scope) (search.Page, error)
	Analytics(ctx context.Context, req analytics.Request, scope search.Scope) (analytics.Report, error)
	ClearData(ctx context.Context, target string) error
	Statistics(ctx context.Context) (service.Statistics, error)
	Projects(ctx context.Context, scope search.Scope) ([]search.ProjectSummary, error)
	TimeRange(ctx context.Context, scope search.Scope) (search.TimeStats, error)
	Healthy() error
}

type Server struct {
	backend Backend
	auth    Authenticator
	metrics http.Handler
	log     logrus.FieldLogger
}

type ImportRequest struct {
	Type  string   `json:"type"`
	Paths []string `json:"paths"`
	Wait  bool     `json:"wait"` // block until the run finishes
}

type ImportResponse struct {
	TaskID   string   `json:"task_id,omitempty"`
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
	Duration string   `json:"duration,omitempty"`
}

type TaskResponse struct {
	*storage.Run
	RejectedIDs []string `json:"rejected_ids,omitempty"`
}

type ClearRequest struct {
	Target string `json:"target"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// NewServer builds the API. metricsHandler may be nil.
func NewServer(backend Backend, auth Authenticator, metricsHandler http.Handler, log logrus.FieldLogger) *Server {
	return &Server{
		backend: backend,
		auth:    auth,
		metrics: metricsHandler,
		log:     log,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/search/{collection:videos|comments}", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet)
	api.HandleFunc("/time-range", s.handleTimeRange).Methods(http.MethodGet)
	api.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin/data").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)
	admin.HandleFunc("/import/{id}", s.handleTask).Methods(http.MethodGet)
	admin.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)
	admin.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)

	return r
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) search.Scope {
	scope, _ := ctx.Value(scopeKey{}).(search.Scope)
	return scope
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := s.auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !scopeFrom(r.Context()).Privileged() {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("Request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Healthy(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	coll, err := document.ParseCollection(mux.Vars(r)["collection"])
	if err != nil {
		s.writeError(w, &service.ValidationError{Field: "collection", Reason: err.Error()})
		return
	}
	var req search.Request
	if !s.decode(w, r, &req) {
		return
	}

	page, err := s.backend.Search(r.Context(), coll, req, scopeFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.backend.Projects(r.Context(), scopeFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleTimeRange(w http.ResponseWriter, r *http.Request) {
	tr, err := s.backend.TimeRange(r.Context(), scopeFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	var req analytics.Request
	if !s.decode(w, r, &req) {
		return
	}
	rep, err := s.backend.Analytics(r.Context(), req, scopeFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !req.Wait {
		id, err := s.backend.IngestAsync(r.Context(), req.Type, req.Paths)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ImportResponse{TaskID: id})
		return
	}

	res, err := s.backend.Ingest(r.Context(), req.Type, req.Paths)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ImportResponse{
		Accepted: res.Accepted,
		Rejected: res.Rejected,
		Duration: res.Duration.String(),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.backend.Task(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := taskRejectionLimit
	if v := r.URL.Query().Get("rejected_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			limit = n
		}
	}
	resp := TaskResponse{Run: run}
	if run.Rejected > 0 && limit > 0 {
		if resp.RejectedIDs, err = s.backend.Rejections(r.Context(), id, limit); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.ClearData(r.Context(), req.Target); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": req.Target})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Statistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON body; an empty body leaves v at its zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
	return false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

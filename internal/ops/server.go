package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/jobs"
)

const (
	// DefaultHTTPTimeout bounds non-streaming requests.
	DefaultHTTPTimeout = 30 * time.Second

	defaultListLimit = 50
	maxListLimit     = 500
)

// Server is the ops HTTP server.
type Server struct {
	store       *gormdb.Store
	jobStore    *gormdb.JobStore
	queue       *jobs.Queue
	registry    *jobs.Registry
	broadcaster *Broadcaster
	router      *chi.Mux
	server      *http.Server
}

// NewServer wires the ops routes.
func NewServer(store *gormdb.Store, queue *jobs.Queue, registry *jobs.Registry, broadcaster *Broadcaster) *Server {
	s := &Server{
		store:       store,
		jobStore:    gormdb.NewJobStore(store),
		queue:       queue,
		registry:    registry,
		broadcaster: broadcaster,
		router:      chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/events", s.broadcaster.HandleSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Get("/api/jobs", s.handleListJobs)
		r.Get("/api/runs/{id}", s.handleGetJob)
		r.Post("/api/jobs/{type}", s.handleEnqueue)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on port in the background.
func (s *Server) Start(port int) {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops HTTP server error")
		}
	}()
	log.Info().Int("port", port).Msg("Ops HTTP server started")
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"driver":  s.store.Driver(),
		"clients": s.broadcaster.ClientCount(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.jobStore.List(r.Context(), nil, r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.jobStore.CountByStatus(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   runs,
		"counts": counts,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobStore.Get(r.Context(), nil, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "type")
	if _, ok := s.registry.Get(jobType); !ok {
		writeError(w, http.StatusNotFound, "unknown job type: "+jobType)
		return
	}

	inv := jobs.Invocation{Type: jobType}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "payload must be JSON")
			return
		}
		inv.Payload = json.RawMessage(body)
	}

	job, err := s.queue.Enqueue(r.Context(), nil, inv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

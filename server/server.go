// Package server is the HTTP ingress of flowd: webhook deliveries, manual
// trigger firing and read-only inspection of triggers, tasks and
// executions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/task"
	"github.com/deepnoodle-ai/flow/trigger"
	"github.com/gorilla/mux"
)

const maxFireBody = 1 << 20

// Runner is the part of the engine the server controls.
type Runner interface {
	Cancel(executionID string) bool
	Running() []string
}

// Options configures a Server. Triggers and Checkpoints are required; the
// routes backed by the other fields are omitted when they are nil.
type Options struct {
	Addr        string
	Triggers    *trigger.Manager
	Webhooks    *trigger.WebhookHandler
	Registry    *task.Registry
	Runner      Runner
	Checkpoints *flow.CheckpointManager
	Metrics     http.Handler
	Logger      *slog.Logger
}

type Server struct {
	http.Server
	triggers    *trigger.Manager
	webhooks    *trigger.WebhookHandler
	registry    *task.Registry
	runner      Runner
	checkpoints *flow.CheckpointManager
	logger      *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Triggers == nil {
		return nil, fmt.Errorf("trigger manager is required")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		Server: http.Server{
			Addr:              opts.Addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		triggers:    opts.Triggers,
		webhooks:    opts.Webhooks,
		registry:    opts.Registry,
		runner:      opts.Runner,
		checkpoints: opts.Checkpoints,
		logger:      opts.Logger,
	}

	router := mux.NewRouter()
	if s.webhooks != nil {
		router.HandleFunc("/hooks/{path:.*}", s.HandleWebhook)
	}
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/triggers", s.HandleListTriggers).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{id}", s.HandleGetTrigger).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{id}/fire", s.HandleFireTrigger).Methods(http.MethodPost)
	if s.registry != nil {
		api.HandleFunc("/tasks", s.HandleListTasks).Methods(http.MethodGet)
	}
	api.HandleFunc("/executions", s.HandleListRunning).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/journal", s.HandleGetJournal).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.HandleCancelExecution).Methods(http.MethodPost)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.Use(s.loggingMiddleware)
	s.Handler = router
	return s, nil
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	return s.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	result, err := s.webhooks.Deliver(r.Context(), path, r)
	if err != nil {
		status := webhookStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("webhook delivery failed", "path", path, "error", err)
		} else {
			s.logger.Warn("webhook delivery rejected", "path", path, "error", err)
		}
		respondWithError(w, status, err.Error())
		return
	}
	respondWithResult(w, result)
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, trigger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trigger.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, trigger.ErrInvalidSignature), errors.Is(err, trigger.ErrTimestampOutOfRange):
		return http.StatusUnauthorized
	case errors.Is(err, trigger.ErrReplay):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.triggers.Status())
}

func (s *Server) HandleGetTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.triggers.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "trigger not found")
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (s *Server) HandleFireTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.triggers.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "trigger not found")
		return
	}
	if !t.IsEnabled {
		respondWithError(w, http.StatusConflict, "trigger is disabled")
		return
	}
	payload, err := decodePayload(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithResult(w, s.triggers.FireTrigger(r.Context(), id, payload))
}

// decodePayload reads an optional JSON object body.
func decodePayload(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxFireBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func (s *Server) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"tasks": s.registry.ListAll()})
}

func (s *Server) HandleListRunning(w http.ResponseWriter, r *http.Request) {
	running := []string{}
	if s.runner != nil {
		running = append(running, s.runner.Running()...)
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"running": running})
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	latest, err := s.checkpoints.LoadLatest(r.Context(), id)
	if err != nil {
		s.respondWithLoadError(w, id, err)
		return
	}
	view := latest.ToMap()
	view["running"] = s.isRunning(id)
	respondWithJSON(w, http.StatusOK, view)
}

func (s *Server) HandleGetJournal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.checkpoints.Store().ListJournal(r.Context(), id)
	if err != nil {
		s.respondWithLoadError(w, id, err)
		return
	}
	if entries == nil {
		entries = []*flow.JournalEntry{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"execution_id": id, "entries": entries})
}

func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.runner == nil || !s.runner.Cancel(id) {
		respondWithError(w, http.StatusNotFound, "execution is not running in this process")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "message": "cancellation requested"})
}

func (s *Server) isRunning(id string) bool {
	if s.runner == nil {
		return false
	}
	for _, running := range s.runner.Running() {
		if running == id {
			return true
		}
	}
	return false
}

func (s *Server) respondWithLoadError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, flow.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "execution not found")
		return
	}
	s.logger.Error("failed to load execution", "execution_id", id, "error", err)
	respondWithError(w, http.StatusInternalServerError, "failed to load execution")
}

func respondWithResult(w http.ResponseWriter, result trigger.Result) {
	status := http.StatusAccepted
	if !result.Success {
		status = http.StatusInternalServerError
	}
	respondWithJSON(w, status, result)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		response = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// Package server provides the Parallax HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/parallax-dev/parallax/internal/config"
	"github.com/parallax-dev/parallax/internal/orchestrator"
	"github.com/parallax-dev/parallax/pkg/eventbus"
	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/store"
)

// Server is the Parallax HTTP API server.
type Server struct {
	config *config.Config
	store  store.TaskStore
	bus    eventbus.Bus
	orch   *orchestrator.Orchestrator
	log    *logrus.Logger
	router chi.Router
}

// New creates a new Server with all dependencies.
func New(cfg *config.Config, st store.TaskStore, bus eventbus.Bus, orch *orchestrator.Orchestrator, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		config: cfg,
		store:  st,
		bus:    bus,
		orch:   orch,
		log:    log,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", s.config.ServerAddr).Info("parallax server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/logs", s.handleGetLogs)
		r.Get("/tasks/{id}/events", s.handleTaskEvents)
		r.Post("/tasks/{id}/stop", s.handleStopTask)
		r.Get("/tasks/{id}/messages", s.handleGetMessages)
		r.Post("/tasks/{id}/messages", s.handleSendMessage)
	})

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createTaskRequest struct {
	Repo               string `json:"repo"`
	Prompt             string `json:"prompt"`
	Agent              string `json:"agent,omitempty"`
	Provider           string `json:"provider,omitempty"`
	KeepAlive          bool   `json:"keep_alive,omitempty"`
	MaxDurationMinutes int    `json:"max_duration_minutes,omitempty"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := s.orch.CreateTask(r.Context(), orchestrator.CreateRequest{
		Repo:               req.Repo,
		Prompt:             req.Prompt,
		AgentType:          req.Agent,
		Provider:           req.Provider,
		KeepAlive:          req.KeepAlive,
		MaxDurationMinutes: req.MaxDurationMinutes,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid 'after' parameter")
			return
		}
		after = n
	}

	logs, err := s.store.GetLogs(r.Context(), id, after)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if logs == nil {
		logs = []*model.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// handleTaskEvents streams live log entries (including transient agent
// output) over server-sent events until the client disconnects.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.RequestStop(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

// handleSendMessage continues a completed keep-alive task with a follow-up
// instruction.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.orch.Continue(r.Context(), id, req.Content); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "continuing"})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps model sentinel errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, model.ErrNotValid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrTerminal):
		s.writeError(w, http.StatusConflict, "task already finished")
	default:
		s.log.WithError(err).Error("internal error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

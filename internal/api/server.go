// Package api exposes the core over HTTP: status and alert queries, operator
// actions, and a WebSocket stream of alert changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/alerter"
	"github.com/vigilcore/vigil/internal/core"
	"github.com/vigilcore/vigil/internal/logbuf"
	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/version"
	"github.com/vigilcore/vigil/internal/vigilerr"
)

// Backend is the part of the core the server drives.
type Backend interface {
	Status() core.Status
	Snapshot() []types.Alert
	Alert(alertID string) (types.Alert, error)
	Acknowledge(alertID, actorID string) error
	Resolve(alertID, actorID string) error
	RecordActivity()
	ResetSession()
	Subscribe(fn func(alerter.Change)) string
	Unsubscribe(id string)
}

// Config holds server configuration.
type Config struct {
	Listen         string
	AllowedOrigins []string
	TerminalID     string
}

// Server provides the HTTP API.
type Server struct {
	cfg        Config
	backend    Backend
	logs       *logbuf.Buffer
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server. logs may be nil.
func NewServer(cfg Config, backend Backend, logs *logbuf.Buffer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		backend:   backend,
		logs:      logs,
		logger:    logger.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleStream)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleAlerts)
		r.Get("/{id}", s.handleAlert)
		r.Post("/{id}/acknowledge", s.handleAcknowledge)
		r.Post("/{id}/resolve", s.handleResolve)
	})

	r.Post("/activity", s.handleActivity)
	r.Get("/session", s.handleSession)
	r.Post("/session/reset", s.handleSessionReset)
	r.Get("/api/logs", s.handleLogs)

	return r
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"terminalId": s.cfg.TerminalID,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"version":    version.Get(),
		"core":       s.backend.Status(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.backend.Snapshot()
	if st := r.URL.Query().Get("status"); st != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if string(a.Status) == st {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.backend.Alert(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type actionRequest struct {
	ActorID string `json:"actorId"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.backend.Acknowledge)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.backend.Resolve)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, apply func(alertID, actorID string) error) {
	var req actionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	id := chi.URLParam(r, "id")
	err := apply(id, req.ActorID)
	if err != nil && !vigilerr.Is(err, vigilerr.CodeNotifyFailed) {
		s.writeError(w, err)
		return
	}

	a, getErr := s.backend.Alert(id)
	if getErr != nil {
		s.writeError(w, getErr)
		return
	}
	// The local transition stands even when the source was not told.
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"alert": a, "warning": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": a})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.backend.RecordActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status().Session)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	s.backend.ResetSession()
	writeJSON(w, http.StatusOK, s.backend.Status().Session)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []logbuf.Entry{}, "count": 0})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	level := zerolog.TraceLevel
	if v := r.URL.Query().Get("level"); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid level"})
			return
		}
		level = lvl
	}
	entries := s.logs.Recent(limit, level)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch vigilerr.CodeOf(err) {
	case vigilerr.CodeNotFound:
		status = http.StatusNotFound
	case vigilerr.CodeInvalidTransition:
		status = http.StatusConflict
	case vigilerr.CodeNotConnected:
		status = http.StatusServiceUnavailable
	case vigilerr.CodeMalformed:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  vigilerr.CodeOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

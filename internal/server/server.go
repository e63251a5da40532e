// Package server exposes the orchestrator and ledger over a small JSON HTTP
// API. The API carries no authorization surface on purpose: permission
// grants are forbidden to this core, and gate decisions stay advisory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pvoronin/watchgate/internal/ledger"
	"github.com/pvoronin/watchgate/internal/pipeline"
	"github.com/pvoronin/watchgate/internal/replay"
)

// maxRequestBytes bounds a turn request body.
const maxRequestBytes = 1 << 20

// Config holds HTTP server configuration.
type Config struct {
	Port       int
	ConfigPath string
}

// Server serves turn execution and ledger reads.
type Server struct {
	cfg    Config
	store  *ledger.Store
	runner *pipeline.Runner
	log    *zap.Logger
	srv    *http.Server
}

// New creates a server over an opened ledger and runner.
func New(cfg Config, store *ledger.Store, runner *pipeline.Runner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, store: store, runner: runner, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", s.handleRunTurn)
	mux.HandleFunc("GET /v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /v1/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/verify", s.handleVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Serve starts the HTTP server on the configured port. Blocks until stopped.
func (s *Server) Serve() error {
	s.log.Info("listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeOn starts the server on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	err := s.srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ReloadPipeline re-reads the pipeline table from disk and swaps it into
// the runner. Called by the hot-reloader on file change.
func (s *Server) ReloadPipeline() error {
	cfg, hash, err := pipeline.LoadConfigWithHash(s.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("reload pipeline config: %w", err)
	}
	s.runner.Reload(cfg, hash)
	s.log.Info("pipeline config reloaded", zap.String("hash", hash))
	return nil
}

func (s *Server) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid turn request: "+err.Error())
		return
	}

	result, err := s.runner.RunTurn(r.Context(), req)
	if err != nil {
		s.log.Error("turn failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "turn execution failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetByID(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Error("event lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
	default:
		writeJSON(w, http.StatusOK, e)
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}

	result, err := replay.Read(r.Context(), s.store, replay.Filter{
		CorrelationID: correlationID,
		TurnID:        r.URL.Query().Get("turn_id"),
	})
	if err != nil {
		s.log.Error("replay failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	result := replay.VerifyChain(r.Context(), s.store)
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Len(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"events": strconv.FormatInt(n, 10),
		"config": s.runner.ConfigHash(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

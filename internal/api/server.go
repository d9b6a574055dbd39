// Package api implements the Hearth HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/emberhall/hearth/internal/buildinfo"
	"github.com/emberhall/hearth/internal/history"
	"github.com/emberhall/hearth/internal/homeassistant"
	"github.com/emberhall/hearth/internal/orchestrator"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Pinger checks connectivity to Home Assistant for the health report.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	orch    *orchestrator.Orchestrator
	hist    *history.Log
	ha      Pinger
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *orchestrator.Orchestrator, hist *history.Log, ha Pinger, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		hist:    hist,
		ha:      ha,
		logger:  logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/converse", s.handleConverse)
	mux.HandleFunc("POST /api/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/areas", s.handleAreas)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // command generation can be slow
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ConverseRequest is one utterance from a voice satellite or client.
type ConverseRequest struct {
	Text string `json:"text"`
	// ConversationID keys the confirmation session. Falls back to
	// DeviceID, then to a fresh UUID (no confirmation continuity).
	ConversationID string `json:"conversation_id"`
	DeviceID       string `json:"device_id"`
}

// ConverseResponse carries the assistant's reply.
type ConverseResponse struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
	Success        bool   `json:"success"`
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req ConverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required", s.logger)
		return
	}

	key := req.ConversationID
	if key == "" {
		key = req.DeviceID
	}
	if key == "" {
		key = uuid.NewString()
	}

	result := s.orch.Handle(r.Context(), req.Text, key)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ConverseResponse{
		RequestID:      uuid.NewString(),
		ConversationID: key,
		Response:       result.Response,
		Success:        result.Success,
	}, s.logger)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.orch.Rebuild(ctx); err != nil {
			s.logger.Error("rebuild failed", "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "rebuilding"}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		limit = n
	}

	entries := s.hist.Recent(limit)
	if entries == nil {
		entries = []history.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(entries),
		"entries": entries,
	}, s.logger)
}

func (s *Server) handleAreas(w http.ResponseWriter, r *http.Request) {
	summary := s.orch.AreaSummary()
	if summary == nil {
		summary = homeassistant.AreaSummary{}
	}
	devices := s.orch.AreaDevices()
	if devices == nil {
		devices = []homeassistant.DeviceDetail{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"summary": summary,
		"devices": devices,
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	haStatus := "ok"
	if s.ha != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ha.Ping(ctx); err != nil {
			status = "degraded"
			haStatus = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":            status,
		"homeassistant":     haStatus,
		"active_sessions":   s.orch.SessionCount(),
		"indexed_documents": s.orch.IndexedDocuments(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Hearth",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

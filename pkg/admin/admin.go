// Package admin implements the gateway's admin HTTP API: health, service
// info and downlink command enqueue. Only the enqueue route is guarded,
// by a single static bearer token compared in constant time.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/protei/gpsgateway/internal/logger"
	"github.com/protei/gpsgateway/pkg/health"
)

// CommandEnqueuer is the subset of the presence & command store the admin
// API needs to accept a downlink command.
type CommandEnqueuer interface {
	EnqueueCommand(ctx context.Context, imei, command string) (int64, error)
}

// Server is the admin HTTP API.
type Server struct {
	addr      string
	secretKey string
	health    *health.Check
	store     CommandEnqueuer
	log       *logger.Logger
	server    *http.Server
}

// New creates an admin Server bound to addr.
func New(addr, secretKey string, h *health.Check, store CommandEnqueuer, log *logger.Logger) *Server {
	return &Server{addr: addr, secretKey: secretKey, health: h, store: store, log: log}
}

// Start builds the route table and begins serving. Blocks until Stop is
// called or ListenAndServe fails.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/info", s.handleInfo)
	mux.HandleFunc("/api/commands/", s.requireAuth(s.handleEnqueueCommand))

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("admin api listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secretKey)) != 1 {
			s.sendError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// healthResponse is the wire shape of GET /api/health.
type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	code := http.StatusOK
	status := "ok"
	if !snap.Healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	s.sendJSON(w, code, healthResponse{
		Status:        status,
		Timestamp:     snap.Timestamp,
		UptimeSeconds: snap.UptimeSeconds,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"service": "gpsgateway",
		"status":  s.health.Snapshot(),
	})
}

type enqueueRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	imei := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	if imei == "" {
		s.sendError(w, http.StatusBadRequest, "missing imei in path")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		s.sendError(w, http.StatusBadRequest, "command is required")
		return
	}

	id, err := s.store.EnqueueCommand(r.Context(), imei, req.Command)
	if err != nil {
		s.log.Error("enqueue command failed", err, "imei", imei)
		s.sendError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "command queued for delivery",
		"id":      id,
		"imei":    imei,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode json response", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

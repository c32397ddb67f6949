// Package api exposes the proxfleetd HTTP API on a unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/proxfleet/proxfleet/internal/certs"
	"github.com/proxfleet/proxfleet/internal/config"
	"github.com/proxfleet/proxfleet/internal/fleet"
	"github.com/proxfleet/proxfleet/internal/instance"
	"github.com/proxfleet/proxfleet/internal/metrics"
	"github.com/proxfleet/proxfleet/internal/version"
)

// Server is the proxfleetd HTTP API server.
type Server struct {
	cfg    *config.Config
	mgr    *fleet.Manager
	met    *metrics.Metrics
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, mgr *fleet.Manager, met *metrics.Metrics) *Server {
	s := &Server{
		cfg: cfg,
		mgr: mgr,
		met: met,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /v1/instances", s.handleListInstances)
	s.mux.HandleFunc("GET /v1/instances/{name}", s.handleGetInstance)
	s.mux.HandleFunc("PATCH /v1/instances/{name}", s.handleUpdateInstance)
	s.mux.HandleFunc("DELETE /v1/instances/{name}", s.handleDeleteInstance)
	s.mux.HandleFunc("POST /v1/instances/{name}/start", s.handleStartInstance)
	s.mux.HandleFunc("POST /v1/instances/{name}/stop", s.handleStopInstance)
	s.mux.HandleFunc("GET /v1/instances/{name}/users", s.handleListUsers)
	s.mux.HandleFunc("POST /v1/instances/{name}/users", s.handleAddUser)
	s.mux.HandleFunc("DELETE /v1/instances/{name}/users/{username}", s.handleRemoveUser)
	s.mux.HandleFunc("GET /v1/instances/{name}/cert", s.handleCertInfo)
	s.mux.HandleFunc("POST /v1/instances/{name}/cert", s.handleRegenerateCert)
	s.mux.HandleFunc("GET /v1/instances/{name}/logs", s.handleLogs)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.met != nil {
		s.mux.Handle("GET /metrics", s.met.Handler())
	}
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	os.Chmod(s.cfg.SocketPath, 0600)

	log.Printf("proxfleetd API listening on %s", s.cfg.SocketPath)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	os.Remove(s.cfg.SocketPath)
	return err
}

type statusResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Instances map[string]int `json:"instances"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recs, err := s.mgr.List()
	if err != nil {
		writeOpError(w, err)
		return
	}
	counts := map[string]int{}
	for _, rec := range recs {
		counts[string(rec.Status)]++
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "running",
		Version:   version.Version(),
		Instances: counts,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeOpError maps a manager error onto an HTTP status.
func writeOpError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, instance.ErrNotFound),
		errors.Is(err, instance.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, instance.ErrNameConflict),
		errors.Is(err, instance.ErrPortConflict),
		errors.Is(err, instance.ErrDuplicateUser):
		return http.StatusConflict
	case instance.IsValidation(err),
		errors.Is(err, instance.ErrInvalidPort):
		return http.StatusBadRequest
	}
	var certErr *certs.Error
	if errors.As(err, &certErr) && errors.Is(err, os.ErrNotExist) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

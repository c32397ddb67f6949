package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/proxfleet/proxfleet/internal/fleet"
)

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var spec fleet.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	rec, err := s.mgr.Create(spec)
	if err != nil {
		writeOpError(w, err)
		return
	}
	log.Printf("instance created: %s (%s, port %d)", rec.Name, rec.ProxyType, rec.Port)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	recs, err := s.mgr.List()
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Get(r.PathValue("name"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var spec fleet.UpdateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	rec, err := s.mgr.Update(r.PathValue("name"), spec)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.mgr.Delete(name); err != nil {
		writeOpError(w, err)
		return
	}
	log.Printf("instance deleted: %s", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.mgr.Start(name); err != nil {
		writeOpError(w, err)
		return
	}
	rec, err := s.mgr.Get(name)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.mgr.Stop(name); err != nil {
		writeOpError(w, err)
		return
	}
	rec, err := s.mgr.Get(name)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type addUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.mgr.ListUsers(r.PathValue("name"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := s.mgr.AddUser(r.PathValue("name"), req.Username, req.Password); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.RemoveUser(r.PathValue("name"), r.PathValue("username")); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCertInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.CertInfo(r.PathValue("name"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRegenerateCert(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.RegenerateCert(r.PathValue("name"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	lines, err := s.mgr.Logs(r.PathValue("name"), tail)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.mgr.Events(r.URL.Query().Get("instance"), limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

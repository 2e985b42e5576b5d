// Package hostapi implements the host's runner-registry HTTP surface
// (C8): create/list/update/rotate/disconnect/disable/enable/delete and
// the register endpoint runners call into (spec.md §4.8).
package hostapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/automn/runner/internal/registry"
	"github.com/automn/runner/internal/types"
)

// Server serves the host's runner registry management API.
type Server struct {
	registry *registry.Registry
}

// NewServer wraps reg in an HTTP surface.
func NewServer(reg *registry.Registry) *Server {
	return &Server{registry: reg}
}

const routePrefix = "/api/settings/runner-hosts"

// Handler builds the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(routePrefix, s.handleCollection)
	mux.HandleFunc(routePrefix+"/", s.handleItem)
	return mux
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createRequest struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	AdminOnly bool   `json:"adminOnly"`
	Secret    string `json:"secret,omitempty"`
}

type createResponse struct {
	types.RunnerIdentity
	Secret string `json:"secret"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	identity, secret, err := s.registry.Create(req.Name, req.Endpoint, req.AdminOnly, req.Secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{RunnerIdentity: identity, Secret: secret})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleItem routes /api/settings/runner-hosts/{id}[/action].
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, routePrefix+"/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPatch:
			s.handleUpdate(w, r, id)
		case http.MethodDelete:
			s.handleDelete(w, r, id)
		case http.MethodGet:
			s.handleGet(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "rotate-secret":
		s.handleRotateSecret(w, r, id)
	case "disconnect":
		s.handleDisconnect(w, r, id)
	case "disable":
		s.handleDisable(w, r, id)
	case "enable":
		s.handleEnable(w, r, id)
	case "register":
		s.handleRegister(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := s.registry.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

type updateRequest struct {
	Name      string `json:"name"`
	AdminOnly bool   `json:"adminOnly"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.Update(id, req.Name, req.AdminOnly); err != nil {
		writeRegistryError(w, err)
		return
	}
	identity, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.registry.Delete(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request, id string) {
	secret, err := s.registry.RotateSecret(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.registry.Disconnect(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	identity, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.registry.Disable(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	identity, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.registry.Enable(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	identity, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, id string) {
	var req types.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(id, req); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RegisterResponse{HostVersion: HostVersion, MinimumRunnerVersion: MinimumRunnerVersion})
}

// HostVersion and MinimumRunnerVersion are this build's compatibility markers.
const (
	HostVersion          = "1.0.0"
	MinimumRunnerVersion = "1.0.0"
)

func writeRegistryError(w http.ResponseWriter, err error) {
	switch err {
	case registry.ErrRunnerNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case registry.ErrSecretMismatch:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case registry.ErrRunnerDisabled:
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

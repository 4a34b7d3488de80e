// internal/api/session_handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/ipam"
	"github.com/McDevStudios/asshm/internal/models"
	"github.com/McDevStudios/asshm/internal/sessions"
	"github.com/McDevStudios/asshm/internal/sshkeys"
)

// SessionHandler handles session-related API endpoints
type SessionHandler struct {
	sessions *sessions.Repository
	ipam     *ipam.Repository
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(repo *sessions.Repository, inventory *ipam.Repository) *SessionHandler {
	return &SessionHandler{
		sessions: repo,
		ipam:     inventory,
	}
}

// RegisterRoutes registers the session routes. The fixed paths come before
// the {name} routes so "groups" and "tags" are never taken as session names.
func (h *SessionHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/sessions", h.getSessions).Methods("GET")
	r.HandleFunc("/api/sessions", h.createSession).Methods("POST")
	r.HandleFunc("/api/sessions/groups", h.getGroups).Methods("GET")
	r.HandleFunc("/api/sessions/tags", h.getTags).Methods("GET")
	r.HandleFunc("/api/sessions/{name}", h.getSession).Methods("GET")
	r.HandleFunc("/api/sessions/{name}", h.updateSession).Methods("PUT")
	r.HandleFunc("/api/sessions/{name}", h.deleteSession).Methods("DELETE")
	r.HandleFunc("/api/sessions/{name}/connect", h.recordConnection).Methods("POST")
	r.HandleFunc("/api/sessions/{name}/ipam-link", h.linkToIPAM).Methods("POST")
}

// getSessions returns sessions, optionally narrowed by group, tag and search
// query parameters
func (h *SessionHandler) getSessions(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSessions").Logger()

	// Parse filter parameters
	query := r.URL.Query()
	opts := sessions.FilterOptions{
		Group:  query.Get("group"),
		Tag:    query.Get("tag"),
		Search: query.Get("search"),
	}

	list := h.sessions.Filter(opts)

	// Return JSON response
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		logger.Error().Err(err).Msg("Failed to encode sessions")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// createSession stores a new session
func (h *SessionHandler) createSession(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "createSession").Logger()

	var s models.Session
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		logger.Error().Err(err).Msg("Failed to parse session")
		http.Error(w, "Invalid session data", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Add(s); err != nil {
		switch {
		case errors.Is(err, sessions.ErrDuplicateName):
			logger.Warn().Str("name", s.Name).Msg("Duplicate session name")
			http.Error(w, "A session with this name already exists", http.StatusConflict)
		case errors.Is(err, sessions.ErrEmptyName):
			http.Error(w, "Session name must not be empty", http.StatusBadRequest)
		default:
			logger.Error().Err(err).Msg("Failed to create session")
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
		}
		return
	}

	h.warnOnKeyFormat(logger, s)

	created, _ := h.sessions.Get(s.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(created); err != nil {
		logger.Error().Err(err).Msg("Failed to encode session")
	}
}

// getSession returns a single session by name
func (h *SessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSession").Logger()

	name := mux.Vars(r)["name"]
	s, ok := h.sessions.Get(name)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		logger.Error().Err(err).Msg("Failed to encode session")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// updateSession replaces the stored session. The name in the URL wins over
// any name in the body, so sessions cannot be renamed through this route.
func (h *SessionHandler) updateSession(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "updateSession").Logger()

	name := mux.Vars(r)["name"]

	var s models.Session
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		logger.Error().Err(err).Msg("Failed to parse session")
		http.Error(w, "Invalid session data", http.StatusBadRequest)
		return
	}
	s.Name = name

	if err := h.sessions.Update(s); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		logger.Error().Err(err).Str("name", name).Msg("Failed to update session")
		http.Error(w, "Failed to update session", http.StatusInternalServerError)
		return
	}

	h.warnOnKeyFormat(logger, s)

	updated, _ := h.sessions.Get(name)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(updated); err != nil {
		logger.Error().Err(err).Msg("Failed to encode session")
	}
}

// deleteSession removes a session. IPAM entries that reference it keep their
// session name; the reference is resolved lazily on read.
func (h *SessionHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "deleteSession").Logger()

	name := mux.Vars(r)["name"]
	if err := h.sessions.Delete(name); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		logger.Error().Err(err).Str("name", name).Msg("Failed to delete session")
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// getGroups returns the distinct group names in use
func (h *SessionHandler) getGroups(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getGroups").Logger()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.sessions.Groups()); err != nil {
		logger.Error().Err(err).Msg("Failed to encode groups")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getTags returns the distinct tags in use
func (h *SessionHandler) getTags(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getTags").Logger()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.sessions.Tags()); err != nil {
		logger.Error().Err(err).Msg("Failed to encode tags")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// recordConnection stamps a connection on the session and returns it. The
// caller launches its own client; this route only keeps the bookkeeping.
func (h *SessionHandler) recordConnection(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "recordConnection").Logger()

	name := mux.Vars(r)["name"]
	if !h.sessions.Exists(name) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.sessions.RecordConnection(name)

	s, _ := h.sessions.Get(name)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		logger.Error().Err(err).Msg("Failed to encode session")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// linkToIPAM creates or updates the IPAM entry for the session's host
func (h *SessionHandler) linkToIPAM(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "linkToIPAM").Logger()

	name := mux.Vars(r)["name"]
	s, ok := h.sessions.Get(name)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if !h.ipam.LinkSession(s) {
		logger.Warn().Str("name", name).Str("host", s.Host).Msg("Session host is not an IP address")
		http.Error(w, "Session host is not an IP address", http.StatusBadRequest)
		return
	}

	addr, _ := models.ParseIP(s.Host)
	entry, _ := h.ipam.GetEntry(addr.String())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		logger.Error().Err(err).Msg("Failed to encode entry")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// warnOnKeyFormat logs when a session references an OpenSSH-format key,
// which PuTTY-family clients cannot load without conversion.
func (h *SessionHandler) warnOnKeyFormat(logger zerolog.Logger, s models.Session) {
	if s.KeyFile == "" || sshkeys.IsPPKFile(s.KeyFile) {
		return
	}
	if sshkeys.IsOpenSSHFormat(s.KeyFile) {
		logger.Warn().
			Str("session", s.Name).
			Str("keyFile", s.KeyFile).
			Str("suggested", sshkeys.SuggestedPPKPath(s.KeyFile)).
			Msg("Key file is OpenSSH format; PuTTY clients need a PPK conversion")
	}
}

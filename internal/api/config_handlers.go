// internal/api/config_handlers.go
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/config"
)

// ConfigHandler exposes the configuration store over the API
type ConfigHandler struct {
	cfg *config.Store
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Store) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// RegisterRoutes registers the config routes
func (h *ConfigHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/config", h.getConfig).Methods("GET")
	r.HandleFunc("/api/config/{section}/{key}", h.getValue).Methods("GET")
	r.HandleFunc("/api/config/{section}/{key}", h.setValue).Methods("PUT")
}

// getConfig returns the full configuration
func (h *ConfigHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getConfig").Logger()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.cfg.Snapshot()); err != nil {
		logger.Error().Err(err).Msg("Failed to encode configuration")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getValue returns a single configuration value
func (h *ConfigHandler) getValue(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getConfigValue").Logger()

	vars := mux.Vars(r)
	section, key := vars["section"], vars["key"]

	value := h.cfg.Get(section, key, nil)
	if value == nil {
		http.Error(w, "Configuration key not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"section": section,
		"key":     key,
		"value":   value,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode configuration value")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// setValue updates a single configuration value and saves the file. Saving
// is best effort; the response reports whether the value reached disk.
func (h *ConfigHandler) setValue(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "setConfigValue").Logger()

	vars := mux.Vars(r)
	section, key := vars["section"], vars["key"]

	var body struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Error().Err(err).Msg("Failed to parse configuration value")
		http.Error(w, "Invalid configuration value", http.StatusBadRequest)
		return
	}
	if body.Value == nil {
		http.Error(w, "Missing value", http.StatusBadRequest)
		return
	}

	h.cfg.Set(section, key, body.Value)
	saved := h.cfg.Save()

	logger.Info().Str("section", section).Str("key", key).Bool("saved", saved).Msg("Configuration updated")

	response := map[string]interface{}{
		"section": section,
		"key":     key,
		"value":   body.Value,
		"saved":   saved,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

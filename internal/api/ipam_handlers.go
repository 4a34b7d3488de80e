// internal/api/ipam_handlers.go
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/ipam"
	"github.com/McDevStudios/asshm/internal/models"
	"github.com/McDevStudios/asshm/internal/sessions"
)

// IPAMHandler handles address-management API endpoints
type IPAMHandler struct {
	ipam     *ipam.Repository
	sessions *sessions.Repository
}

// NewIPAMHandler creates a new IPAM handler
func NewIPAMHandler(inventory *ipam.Repository, repo *sessions.Repository) *IPAMHandler {
	return &IPAMHandler{
		ipam:     inventory,
		sessions: repo,
	}
}

// RegisterRoutes registers the IPAM routes. CIDRs contain a slash, so
// subnets are addressed through query parameters rather than path segments.
func (h *IPAMHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/ipam/subnets", h.getSubnets).Methods("GET")
	r.HandleFunc("/api/ipam/subnets", h.createSubnet).Methods("POST")
	r.HandleFunc("/api/ipam/subnets", h.deleteSubnet).Methods("DELETE")
	r.HandleFunc("/api/ipam/stats", h.getUsageStats).Methods("GET")
	r.HandleFunc("/api/ipam/entries", h.getEntries).Methods("GET")
	r.HandleFunc("/api/ipam/entries", h.upsertEntry).Methods("POST")
	r.HandleFunc("/api/ipam/entries/{ip}", h.getEntry).Methods("GET")
	r.HandleFunc("/api/ipam/entries/{ip}", h.deleteEntry).Methods("DELETE")
	r.HandleFunc("/api/ipam/find-subnet", h.findSubnet).Methods("GET")
	r.HandleFunc("/api/ipam/import", h.importCSV).Methods("POST")
	r.HandleFunc("/api/ipam/export", h.exportCSV).Methods("GET")
}

// getSubnets returns all registered subnets
func (h *IPAMHandler) getSubnets(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSubnets").Logger()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.ipam.Subnets()); err != nil {
		logger.Error().Err(err).Msg("Failed to encode subnets")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// createSubnet registers a new subnet
func (h *IPAMHandler) createSubnet(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "createSubnet").Logger()

	var body struct {
		CIDR        string `json:"cidr"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Error().Err(err).Msg("Failed to parse subnet")
		http.Error(w, "Invalid subnet data", http.StatusBadRequest)
		return
	}

	subnet, err := models.NewSubnet(body.CIDR, body.Name, body.Description)
	if err != nil {
		logger.Warn().Err(err).Str("cidr", body.CIDR).Msg("Invalid CIDR")
		http.Error(w, "Invalid CIDR notation", http.StatusBadRequest)
		return
	}

	if !h.ipam.AddSubnet(subnet) {
		http.Error(w, "Subnet already exists", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(subnet); err != nil {
		logger.Error().Err(err).Msg("Failed to encode subnet")
	}
}

// deleteSubnet removes a subnet and every entry assigned to it
func (h *IPAMHandler) deleteSubnet(w http.ResponseWriter, r *http.Request) {
	cidr := r.URL.Query().Get("cidr")
	if cidr == "" {
		http.Error(w, "Missing cidr parameter", http.StatusBadRequest)
		return
	}

	if !h.ipam.RemoveSubnet(cidr) {
		http.Error(w, "Subnet not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// getUsageStats returns address usage for one subnet
func (h *IPAMHandler) getUsageStats(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getUsageStats").Logger()

	cidr := r.URL.Query().Get("cidr")
	if cidr == "" {
		http.Error(w, "Missing cidr parameter", http.StatusBadRequest)
		return
	}

	stats, err := h.ipam.UsageStats(cidr)
	if err != nil {
		if errors.Is(err, ipam.ErrSubnetNotFound) {
			http.Error(w, "Subnet not found", http.StatusNotFound)
			return
		}
		logger.Error().Err(err).Str("cidr", cidr).Msg("Failed to compute usage stats")
		http.Error(w, "Failed to compute usage statistics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		logger.Error().Err(err).Msg("Failed to encode usage stats")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getEntries returns tracked addresses, optionally limited to one subnet
func (h *IPAMHandler) getEntries(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getEntries").Logger()

	entries := h.ipam.Entries()
	if subnet := r.URL.Query().Get("subnet"); subnet != "" {
		filtered := make([]models.IPAMEntry, 0)
		for _, e := range entries {
			if e.Subnet == subnet {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		logger.Error().Err(err).Msg("Failed to encode entries")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// upsertEntry creates or replaces the entry for an address
func (h *IPAMHandler) upsertEntry(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "upsertEntry").Logger()

	var entry models.IPAMEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		logger.Error().Err(err).Msg("Failed to parse entry")
		http.Error(w, "Invalid entry data", http.StatusBadRequest)
		return
	}

	if err := h.ipam.AddEntry(entry); err != nil {
		logger.Warn().Err(err).Str("ip", entry.IP).Msg("Invalid IP address")
		http.Error(w, "Invalid IP address", http.StatusBadRequest)
		return
	}

	addr, _ := models.ParseIP(entry.IP)
	stored, _ := h.ipam.GetEntry(addr.String())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stored); err != nil {
		logger.Error().Err(err).Msg("Failed to encode entry")
	}
}

// getEntry returns one tracked address. When the entry references a session,
// the response notes whether that session still exists; the reference is
// soft and never blocks deletion on either side.
func (h *IPAMHandler) getEntry(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getEntry").Logger()

	ip := mux.Vars(r)["ip"]
	entry, ok := h.ipam.GetEntry(ip)
	if !ok {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"entry": entry,
	}
	if entry.SessionName != "" {
		response["session_exists"] = h.sessions.Exists(entry.SessionName)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode entry")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// deleteEntry removes one tracked address
func (h *IPAMHandler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if !h.ipam.RemoveEntry(ip) {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// findSubnet returns the most specific registered subnet containing an address
func (h *IPAMHandler) findSubnet(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "findSubnet").Logger()

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, "Missing ip parameter", http.StatusBadRequest)
		return
	}

	subnet, ok := h.ipam.FindSubnetForIP(ip)
	if !ok {
		http.Error(w, "No registered subnet contains this address", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(subnet); err != nil {
		logger.Error().Err(err).Msg("Failed to encode subnet")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// importCSV merges a CSV inventory from the request body and returns the
// import report
func (h *IPAMHandler) importCSV(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "importCSV").Logger()

	tmp, err := os.CreateTemp("", "ipam-import-*.csv")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create temp file")
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r.Body); err != nil {
		tmp.Close()
		logger.Error().Err(err).Msg("Failed to read request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	tmp.Close()

	result := h.ipam.ImportCSV(tmp.Name())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Error().Err(err).Msg("Failed to encode import result")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// exportCSV streams the inventory as CSV. The entries and subnets query
// parameters select the sections; both default to true.
func (h *IPAMHandler) exportCSV(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "exportCSV").Logger()

	includeEntries := true
	includeSubnets := true
	if v := r.URL.Query().Get("entries"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			includeEntries = parsed
		}
	}
	if v := r.URL.Query().Get("subnets"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			includeSubnets = parsed
		}
	}
	if !includeEntries && !includeSubnets {
		http.Error(w, "Nothing to export", http.StatusBadRequest)
		return
	}

	tmp, err := os.CreateTemp("", "ipam-export-*.csv")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create temp file")
		http.Error(w, "Failed to export inventory", http.StatusInternalServerError)
		return
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if !h.ipam.ExportCSV(tmp.Name(), includeEntries, includeSubnets) {
		http.Error(w, "Failed to export inventory", http.StatusInternalServerError)
		return
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read export file")
		http.Error(w, "Failed to export inventory", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ipam_export.csv"`)
	if _, err := w.Write(data); err != nil {
		logger.Error().Err(err).Msg("Failed to write export")
	}
}

// Package api provides HTTP handlers for the ASSHM REST API. It includes
// handlers for session management, the IPAM inventory, scan operations and
// system status.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/scanner"
)

// ScanHandler handles scan-related API endpoints
type ScanHandler struct {
	scanService *scanner.Service
}

// NewScanHandler creates a new scan handler
func NewScanHandler(scanService *scanner.Service) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
	}
}

// RegisterRoutes registers the scan routes
func (h *ScanHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/scan", h.startScan).Methods("POST")
	r.HandleFunc("/api/scan/status", h.GetScanStatus).Methods("GET")
	r.HandleFunc("/api/scan/history", h.getScanHistory).Methods("GET")
}

// startScan launches a sweep of one registered subnet
func (h *ScanHandler) startScan(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "startScan").Logger()

	// Check if a scan is already running
	status := h.scanService.GetStatus()
	if status.Status == "running" {
		logger.Warn().Msg("Scan already in progress")
		http.Error(w, "A scan is already in progress", http.StatusConflict)
		return
	}

	// Parse the target subnet from the request body
	var params struct {
		CIDR string `json:"cidr"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			logger.Error().Err(err).Msg("Failed to parse scan parameters")
			http.Error(w, "Invalid scan parameters", http.StatusBadRequest)
			return
		}
	}
	if params.CIDR == "" {
		http.Error(w, "Missing cidr in request body", http.StatusBadRequest)
		return
	}

	logger.Info().Str("cidr", params.CIDR).Msg("Scan requested")

	// Run the scan in the background. The request context would be
	// cancelled as soon as this handler returns, so the scan gets its own.
	go func() {
		if _, err := h.scanService.Scan(context.Background(), params.CIDR, nil); err != nil {
			logger.Error().Err(err).Str("cidr", params.CIDR).Msg("Scan failed")
		}
	}()

	response := map[string]interface{}{
		"message":   "Scan started",
		"cidr":      params.CIDR,
		"timestamp": time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted) // 202 Accepted
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// GetScanStatus returns the current status of the scanner
func (h *ScanHandler) GetScanStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getScanStatus").Logger()

	// Get current scan status
	status := h.scanService.GetStatus()

	// Build response
	response := map[string]interface{}{
		"status": status.Status,
		"scanID": status.ScanID,
	}

	if status.CIDR != "" {
		response["cidr"] = status.CIDR
	}
	if !status.StartTime.IsZero() {
		response["startTime"] = status.StartTime
	}
	if status.EndTime.After(status.StartTime) {
		response["endTime"] = status.EndTime
		response["duration"] = status.EndTime.Sub(status.StartTime).String()
	}

	if status.Status != "idle" {
		response["hostsTotal"] = status.HostsTotal
		response["hostsProbed"] = status.HostsProbed
		response["hostsActive"] = status.HostsActive
	}

	if status.Status == "error" && status.Error != "" {
		response["error"] = status.Error
	}

	// Return JSON response
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode scan status")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getScanHistory returns recent scan runs from the history store
func (h *ScanHandler) getScanHistory(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getScanHistory").Logger()

	// Parse query parameters
	limit := 10 // Default limit
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsedLimit, err := strconv.Atoi(limitParam)
		if err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	scans, err := h.scanService.RecentScans(limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve scan history")
		http.Error(w, "Failed to retrieve scan history", http.StatusInternalServerError)
		return
	}

	// Return JSON response
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(scans); err != nil {
		logger.Error().Err(err).Msg("Failed to encode scan history")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

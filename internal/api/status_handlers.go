// internal/api/status_handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/config"
	"github.com/McDevStudios/asshm/internal/history"
	"github.com/McDevStudios/asshm/internal/ipam"
	"github.com/McDevStudios/asshm/internal/scanner"
	"github.com/McDevStudios/asshm/internal/sessions"
)

// StatusHandler handles system status-related API endpoints
type StatusHandler struct {
	sessions    *sessions.Repository
	ipam        *ipam.Repository
	scanService *scanner.Service
	history     *history.Store
	cfg         *config.Store
	startTime   time.Time
}

// NewStatusHandler creates a new status handler. The history store may be
// nil when scan history is disabled.
func NewStatusHandler(repo *sessions.Repository, inventory *ipam.Repository, scanService *scanner.Service, hist *history.Store, cfg *config.Store) *StatusHandler {
	return &StatusHandler{
		sessions:    repo,
		ipam:        inventory,
		scanService: scanService,
		history:     hist,
		cfg:         cfg,
		startTime:   time.Now(),
	}
}

// RegisterRoutes registers the status routes
func (h *StatusHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/status", h.getSystemStatus).Methods("GET")
	r.HandleFunc("/api/status/health", h.getHealthCheck).Methods("GET")
	r.HandleFunc("/api/status/database", h.getDatabaseStatus).Methods("GET")
}

// getSystemStatus returns the overall system status
func (h *StatusHandler) getSystemStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSystemStatus").Logger()

	// Get current scan status
	scanStatus := h.scanService.GetStatus()

	// Build memory stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// Calculate uptime
	uptime := time.Since(h.startTime)

	// Build response
	response := map[string]interface{}{
		"status":    "healthy",
		"uptime":    uptime.String(),
		"startTime": h.startTime,
		"system": map[string]interface{}{
			"goVersion":    runtime.Version(),
			"goArch":       runtime.GOARCH,
			"goOS":         runtime.GOOS,
			"numCPU":       runtime.NumCPU(),
			"numGoroutine": runtime.NumGoroutine(),
		},
		"memory": map[string]interface{}{
			"alloc":       memStats.Alloc / 1024 / 1024,      // MB
			"totalAlloc":  memStats.TotalAlloc / 1024 / 1024, // MB
			"sys":         memStats.Sys / 1024 / 1024,        // MB
			"numGC":       memStats.NumGC,
			"heapObjects": memStats.HeapObjects,
		},
		"config": map[string]interface{}{
			"dataDir":    h.cfg.DataDir(),
			"listenAddr": h.cfg.GetString("server", "listen_addr", ":8422"),
		},
		"sessions": map[string]interface{}{
			"count":  h.sessions.Count(),
			"groups": len(h.sessions.Groups()),
			"tags":   len(h.sessions.Tags()),
		},
		"ipam": map[string]interface{}{
			"subnetCount": h.ipam.SubnetCount(),
			"entryCount":  h.ipam.EntryCount(),
			"enabled":     h.cfg.GetBool("ipam", "enabled", true),
		},
		"scanner": map[string]interface{}{
			"status":        scanStatus.Status,
			"currentScanID": scanStatus.ScanID,
		},
		"timestamp": time.Now(),
	}

	// Include scan history stats when the store is configured
	if h.history != nil {
		if histStats, err := h.history.Stats(); err != nil {
			logger.Error().Err(err).Msg("Failed to retrieve history stats")
		} else {
			response["history"] = map[string]interface{}{
				"scanCount":    histStats["scanCount"],
				"lastScanTime": histStats["lastScanTime"],
				"sizeBytes":    histStats["sizeBytes"],
			}
		}
	}

	// Return JSON response
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode system status")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getHealthCheck returns a simple health check response
func (h *StatusHandler) getHealthCheck(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getHealthCheck").Logger()

	// The session and IPAM stores are in-memory; the history database is
	// the only dependency that can go away underneath us.
	status := "healthy"
	if h.history != nil {
		if err := h.history.Ping(); err != nil {
			status = "unhealthy"
			logger.Error().Err(err).Msg("History database ping failed")
		}
	}

	// Build response
	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	}

	// Return JSON response
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode health check response")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// getDatabaseStatus returns detailed scan-history database information
func (h *StatusHandler) getDatabaseStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getDatabaseStatus").Logger()

	if h.history == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "disabled",
			"timestamp": time.Now(),
		})
		return
	}

	// Get history database stats
	histStats, err := h.history.Stats()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve history stats")
		http.Error(w, "Failed to retrieve database status", http.StatusInternalServerError)
		return
	}

	// Calculate size in MB for better readability
	sizeBytes, _ := histStats["sizeBytes"].(int64)
	sizeMB := float64(sizeBytes) / 1024 / 1024

	// Build response
	response := map[string]interface{}{
		"status":          "online",
		"path":            h.history.Path,
		"sizeBytes":       sizeBytes,
		"sizeMB":          sizeMB,
		"scanCount":       histStats["scanCount"],
		"lastScanTime":    histStats["lastScanTime"],
		"journalMode":     "WAL",    // From the PRAGMA settings
		"synchronousMode": "NORMAL", // From the PRAGMA settings
		"timestamp":       time.Now(),
	}

	// Return JSON response
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error().Err(err).Msg("Failed to encode database status")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

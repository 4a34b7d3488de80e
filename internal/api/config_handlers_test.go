// internal/api/config_handlers_test.go
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"

	"github.com/McDevStudios/asshm/internal/config"
)

func setupConfigHandler(t *testing.T) (*mux.Router, *config.Store, string, func()) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "api-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	path := filepath.Join(tempDir, "config.yaml")
	cfg := config.New(path)

	router := mux.NewRouter()
	NewConfigHandler(cfg).RegisterRoutes(router)

	cleanup := func() { os.RemoveAll(tempDir) }
	return router, cfg, path, cleanup
}

func TestGetConfigRoutes(t *testing.T) {
	router, _, _, cleanup := setupConfigHandler(t)
	defer cleanup()

	// Full snapshot
	rr := doJSON(t, router, "GET", "/api/config", nil)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	var snapshot map[string]map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if _, ok := snapshot["general"]; !ok {
		t.Error("Snapshot missing general section")
	}

	// Single value
	rr = doJSON(t, router, "GET", "/api/config/general/max_backups", nil)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if value, ok := response["value"]; !ok || int(value.(float64)) != 5 {
		t.Errorf("Expected default max_backups 5, got %v", value)
	}

	// Unknown keys are 404
	rr = doJSON(t, router, "GET", "/api/config/general/no_such_key", nil)
	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}
}

func TestSetConfigValue(t *testing.T) {
	router, cfg, path, cleanup := setupConfigHandler(t)
	defer cleanup()

	rr := doJSON(t, router, "PUT", "/api/config/scan/timeout_ms", map[string]interface{}{"value": 750})
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if saved, ok := response["saved"].(bool); !ok || !saved {
		t.Errorf("Expected saved true, got %v", response["saved"])
	}

	if got := cfg.GetInt("scan", "timeout_ms", 0); got != 750 {
		t.Errorf("Expected store to hold 750, got %d", got)
	}

	// The value survives a reload from disk
	fresh := config.New(path)
	if got := fresh.GetInt("scan", "timeout_ms", 0); got != 750 {
		t.Errorf("Expected persisted 750, got %d", got)
	}

	// Missing value
	rr = doJSON(t, router, "PUT", "/api/config/scan/timeout_ms", map[string]interface{}{})
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Missing value returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

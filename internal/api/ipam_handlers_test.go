// internal/api/ipam_handlers_test.go
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/McDevStudios/asshm/internal/config"
	"github.com/McDevStudios/asshm/internal/ipam"
	"github.com/McDevStudios/asshm/internal/models"
	"github.com/McDevStudios/asshm/internal/sessions"
)

func setupIPAMHandler(t *testing.T) (*mux.Router, *ipam.Repository, *sessions.Repository, func()) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "api-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	cfg := config.New(filepath.Join(tempDir, "config.yaml"))
	repo := sessions.New(filepath.Join(tempDir, "sessions"), cfg)
	inventory := ipam.New(filepath.Join(tempDir, "ipam"))

	router := mux.NewRouter()
	NewIPAMHandler(inventory, repo).RegisterRoutes(router)

	cleanup := func() { os.RemoveAll(tempDir) }
	return router, inventory, repo, cleanup
}

func TestSubnetRoutes(t *testing.T) {
	router, inventory, _, cleanup := setupIPAMHandler(t)
	defer cleanup()

	// Create; the CIDR is normalized to its network address
	body := map[string]string{"cidr": "192.168.1.17/24", "name": "office"}
	rr := doJSON(t, router, "POST", "/api/ipam/subnets", body)
	if status := rr.Code; status != http.StatusCreated {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusCreated)
	}

	var subnet models.Subnet
	if err := json.Unmarshal(rr.Body.Bytes(), &subnet); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if subnet.CIDR != "192.168.1.0/24" {
		t.Errorf("Expected normalized CIDR 192.168.1.0/24, got %s", subnet.CIDR)
	}

	// Duplicates conflict
	rr = doJSON(t, router, "POST", "/api/ipam/subnets", body)
	if status := rr.Code; status != http.StatusConflict {
		t.Errorf("Duplicate subnet returned wrong status code: got %v want %v", status, http.StatusConflict)
	}

	// Invalid CIDR
	rr = doJSON(t, router, "POST", "/api/ipam/subnets", map[string]string{"cidr": "not-a-cidr"})
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Invalid CIDR returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}

	// List
	var list []models.Subnet
	rr = doJSON(t, router, "GET", "/api/ipam/subnets", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 1 || list[0].Name != "office" {
		t.Errorf("Unexpected subnet list: %+v", list)
	}

	// Delete takes the CIDR as a query parameter
	rr = doJSON(t, router, "DELETE", "/api/ipam/subnets?cidr=192.168.1.0%2F24", nil)
	if status := rr.Code; status != http.StatusNoContent {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusNoContent)
	}
	if inventory.SubnetCount() != 0 {
		t.Error("Subnet still present after delete")
	}

	rr = doJSON(t, router, "DELETE", "/api/ipam/subnets?cidr=10.0.0.0%2F8", nil)
	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}

	rr = doJSON(t, router, "DELETE", "/api/ipam/subnets", nil)
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Missing cidr returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

func TestUsageStatsRoute(t *testing.T) {
	router, inventory, _, cleanup := setupIPAMHandler(t)
	defer cleanup()

	subnet, err := models.NewSubnet("192.168.1.0/24", "office", "")
	if err != nil {
		t.Fatalf("Failed to build subnet: %v", err)
	}
	inventory.AddSubnet(subnet)
	if err := inventory.AddEntry(models.IPAMEntry{IP: "192.168.1.10", Status: models.StatusActive}); err != nil {
		t.Fatalf("Failed to seed entry: %v", err)
	}

	rr := doJSON(t, router, "GET", "/api/ipam/stats?cidr=192.168.1.0%2F24", nil)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	var stats models.UsageStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if stats.Total != 254 || stats.Used != 1 || stats.Available != 253 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	rr = doJSON(t, router, "GET", "/api/ipam/stats?cidr=10.0.0.0%2F8", nil)
	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Unknown subnet returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}

	rr = doJSON(t, router, "GET", "/api/ipam/stats", nil)
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Missing cidr returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

func TestEntryRoutes(t *testing.T) {
	router, _, repo, cleanup := setupIPAMHandler(t)
	defer cleanup()

	// Upsert through the API
	entry := models.IPAMEntry{IP: "10.0.0.5", Subnet: "10.0.0.0/24", Hostname: "web-01"}
	rr := doJSON(t, router, "POST", "/api/ipam/entries", entry)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	var stored models.IPAMEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &stored); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if stored.Status != models.StatusUnknown {
		t.Errorf("Expected default status %q, got %q", models.StatusUnknown, stored.Status)
	}

	rr = doJSON(t, router, "POST", "/api/ipam/entries", models.IPAMEntry{IP: "not-an-ip"})
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Invalid IP returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}

	// Second entry in a different subnet for the filter check
	other := models.IPAMEntry{IP: "172.16.0.9", Subnet: "172.16.0.0/16"}
	if rr := doJSON(t, router, "POST", "/api/ipam/entries", other); rr.Code != http.StatusOK {
		t.Fatalf("Failed to create second entry: %v", rr.Code)
	}

	var list []models.IPAMEntry
	rr = doJSON(t, router, "GET", "/api/ipam/entries", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(list))
	}

	rr = doJSON(t, router, "GET", "/api/ipam/entries?subnet=10.0.0.0%2F24", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 1 || list[0].IP != "10.0.0.5" {
		t.Errorf("Subnet filter returned wrong entries: %+v", list)
	}

	// Detail route annotates the session reference
	if err := repo.Add(models.Session{Name: "web-01", Host: "10.0.0.5"}); err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}
	linked := models.IPAMEntry{IP: "10.0.0.5", Subnet: "10.0.0.0/24", SessionName: "web-01"}
	if rr := doJSON(t, router, "POST", "/api/ipam/entries", linked); rr.Code != http.StatusOK {
		t.Fatalf("Failed to upsert linked entry: %v", rr.Code)
	}

	rr = doJSON(t, router, "GET", "/api/ipam/entries/10.0.0.5", nil)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	var detail struct {
		Entry         models.IPAMEntry `json:"entry"`
		SessionExists *bool            `json:"session_exists"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if detail.Entry.SessionName != "web-01" {
		t.Errorf("Unexpected entry detail: %+v", detail.Entry)
	}
	if detail.SessionExists == nil || !*detail.SessionExists {
		t.Error("Expected session_exists to be true")
	}

	// The reference is soft: deleting the session flips the annotation
	// without touching the entry
	if err := repo.Delete("web-01"); err != nil {
		t.Fatalf("Failed to delete session: %v", err)
	}
	rr = doJSON(t, router, "GET", "/api/ipam/entries/10.0.0.5", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if detail.SessionExists == nil || *detail.SessionExists {
		t.Error("Expected session_exists to be false after session deletion")
	}
	if detail.Entry.SessionName != "web-01" {
		t.Error("Session deletion cascaded into the IPAM entry")
	}

	// Delete
	rr = doJSON(t, router, "DELETE", "/api/ipam/entries/10.0.0.5", nil)
	if status := rr.Code; status != http.StatusNoContent {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusNoContent)
	}
	rr = doJSON(t, router, "DELETE", "/api/ipam/entries/10.0.0.5", nil)
	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Second delete returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}
}

func TestFindSubnetRoute(t *testing.T) {
	router, inventory, _, cleanup := setupIPAMHandler(t)
	defer cleanup()

	for _, cidr := range []string{"10.0.0.0/8", "10.1.0.0/16"} {
		subnet, err := models.NewSubnet(cidr, "", "")
		if err != nil {
			t.Fatalf("Failed to build subnet: %v", err)
		}
		inventory.AddSubnet(subnet)
	}

	// The most specific match wins
	rr := doJSON(t, router, "GET", "/api/ipam/find-subnet?ip=10.1.2.3", nil)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	var subnet models.Subnet
	if err := json.Unmarshal(rr.Body.Bytes(), &subnet); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if subnet.CIDR != "10.1.0.0/16" {
		t.Errorf("Expected most specific subnet 10.1.0.0/16, got %s", subnet.CIDR)
	}

	rr = doJSON(t, router, "GET", "/api/ipam/find-subnet?ip=192.168.1.1", nil)
	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Unmatched IP returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}

	rr = doJSON(t, router, "GET", "/api/ipam/find-subnet", nil)
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Missing ip returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

func TestImportExportRoutes(t *testing.T) {
	router, inventory, _, cleanup := setupIPAMHandler(t)
	defer cleanup()

	csvBody := strings.Join([]string{
		"cidr,name,description",
		"192.168.1.0/24,office,main office",
		"ip,subnet,hostname,description,status,session_name,last_seen",
		"192.168.1.10,192.168.1.0/24,web-01,,active,,",
		"bogus,,,,,,",
	}, "\n")

	req, err := http.NewRequest("POST", "/api/ipam/import", bytes.NewBufferString(csvBody))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	var result ipam.ImportResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !result.Success || result.AddedSubnets != 1 || result.AddedIPs != 1 || result.Errors != 1 {
		t.Errorf("Unexpected import result: %+v", result)
	}
	if inventory.SubnetCount() != 1 || inventory.EntryCount() != 1 {
		t.Errorf("Import did not populate the inventory: %d subnets, %d entries",
			inventory.SubnetCount(), inventory.EntryCount())
	}

	// Round-trip through export
	rr = doJSON(t, router, "GET", "/api/ipam/export", nil)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if contentType := rr.Header().Get("Content-Type"); contentType != "text/csv" {
		t.Errorf("Handler returned wrong content type: got %v want %v", contentType, "text/csv")
	}
	exported := rr.Body.String()
	if !strings.Contains(exported, "cidr,name,description") || !strings.Contains(exported, "ip,subnet,hostname") {
		t.Errorf("Export missing section headers:\n%s", exported)
	}
	if !strings.Contains(exported, "192.168.1.10") {
		t.Errorf("Export missing entry row:\n%s", exported)
	}

	// Single-section export
	rr = doJSON(t, router, "GET", "/api/ipam/export?entries=false", nil)
	if strings.Contains(rr.Body.String(), "ip,subnet,hostname") {
		t.Error("Subnet-only export still contains the entries section")
	}

	// Nothing selected
	rr = doJSON(t, router, "GET", "/api/ipam/export?entries=false&subnets=false", nil)
	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Empty export returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

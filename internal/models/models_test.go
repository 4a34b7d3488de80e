// internal/models/models_test.go
package models

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"
)

// TestSessionJSON tests Session JSON serialization and deserialization
func TestSessionJSON(t *testing.T) {
	// Create a Session
	now := time.Now().Truncate(time.Second) // Truncate to avoid fractional seconds comparison issues
	session := Session{
		Name:            "web-01",
		Host:            "192.168.1.10",
		Username:        "admin",
		Password:        "hunter2",
		Group:           "production",
		Tags:            []string{"web", "linux"},
		Description:     "Primary web server",
		KeyFile:         "/home/admin/.ssh/id_ed25519",
		Params:          "-X",
		LastConnection:  &now,
		ConnectionCount: 7,
	}

	// Marshal to JSON
	jsonData, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("Failed to marshal Session to JSON: %v", err)
	}

	// Unmarshal back to Session
	var unmarshaled Session
	err = json.Unmarshal(jsonData, &unmarshaled)
	if err != nil {
		t.Fatalf("Failed to unmarshal Session from JSON: %v", err)
	}

	// Verify the fields match
	if unmarshaled.Name != session.Name {
		t.Errorf("Name mismatch: got %s, expected %s", unmarshaled.Name, session.Name)
	}
	if unmarshaled.Host != session.Host {
		t.Errorf("Host mismatch: got %s, expected %s", unmarshaled.Host, session.Host)
	}
	if unmarshaled.Username != session.Username {
		t.Errorf("Username mismatch: got %s, expected %s", unmarshaled.Username, session.Username)
	}
	if unmarshaled.Password != session.Password {
		t.Errorf("Password mismatch: got %s, expected %s", unmarshaled.Password, session.Password)
	}
	if unmarshaled.Group != session.Group {
		t.Errorf("Group mismatch: got %s, expected %s", unmarshaled.Group, session.Group)
	}
	if len(unmarshaled.Tags) != len(session.Tags) {
		t.Errorf("Tags length mismatch: got %d, expected %d", len(unmarshaled.Tags), len(session.Tags))
	}
	if unmarshaled.KeyFile != session.KeyFile {
		t.Errorf("KeyFile mismatch: got %s, expected %s", unmarshaled.KeyFile, session.KeyFile)
	}
	if unmarshaled.LastConnection == nil {
		t.Fatal("LastConnection was not preserved")
	}
	if !unmarshaled.LastConnection.Equal(*session.LastConnection) {
		t.Errorf("LastConnection mismatch: got %v, expected %v", unmarshaled.LastConnection, session.LastConnection)
	}
	if unmarshaled.ConnectionCount != session.ConnectionCount {
		t.Errorf("ConnectionCount mismatch: got %d, expected %d", unmarshaled.ConnectionCount, session.ConnectionCount)
	}
}

// TestSessionJSONFieldNames verifies the on-disk field names, which external
// tooling reads directly.
func TestSessionJSONFieldNames(t *testing.T) {
	session := Session{Name: "n", Host: "h"}
	jsonData, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("Failed to marshal Session: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		t.Fatalf("Failed to unmarshal into map: %v", err)
	}

	expected := []string{
		"name", "host", "username", "password", "group", "tags",
		"description", "key_file", "params", "last_connection", "connection_count",
	}
	for _, field := range expected {
		if _, ok := raw[field]; !ok {
			t.Errorf("Expected JSON field %q missing from serialized session", field)
		}
	}
	if raw["last_connection"] != nil {
		t.Errorf("Expected null last_connection for never-used session, got %v", raw["last_connection"])
	}
}

// TestSessionClone verifies that cloned sessions do not share tag storage
func TestSessionClone(t *testing.T) {
	now := time.Now()
	original := Session{
		Name:           "db-01",
		Tags:           []string{"db"},
		LastConnection: &now,
	}

	clone := original.Clone()
	clone.Tags[0] = "changed"
	*clone.LastConnection = now.Add(time.Hour)

	if original.Tags[0] != "db" {
		t.Errorf("Clone shares tag storage with original: got %s", original.Tags[0])
	}
	if !original.LastConnection.Equal(now) {
		t.Errorf("Clone shares LastConnection storage with original: got %v", original.LastConnection)
	}
}

// TestSessionMatchesSearch tests case-insensitive matching over name, host
// and description
func TestSessionMatchesSearch(t *testing.T) {
	session := Session{
		Name:        "Web-01",
		Host:        "srv.example.COM",
		Description: "Primary web server",
	}

	tests := []struct {
		term     string
		expected bool
	}{
		{"web", true},
		{"WEB-01", true},
		{"example.com", true},
		{"primary", true},
		{"database", false},
	}

	for _, tt := range tests {
		if got := session.MatchesSearch(tt.term); got != tt.expected {
			t.Errorf("MatchesSearch(%q) = %v, expected %v", tt.term, got, tt.expected)
		}
	}

	if session.HasTag("web") {
		t.Error("HasTag should be false for session without tags")
	}
	session.Tags = []string{"web", "linux"}
	if !session.HasTag("linux") {
		t.Error("HasTag(linux) should be true")
	}
	if session.HasTag("windows") {
		t.Error("HasTag(windows) should be false")
	}
}

// TestNewSubnet tests CIDR validation and canonicalization
func TestNewSubnet(t *testing.T) {
	subnet, err := NewSubnet("192.168.1.17/24", "office", "Office LAN")
	if err != nil {
		t.Fatalf("NewSubnet failed for valid CIDR: %v", err)
	}
	if subnet.CIDR != "192.168.1.0/24" {
		t.Errorf("Expected canonical CIDR 192.168.1.0/24, got %s", subnet.CIDR)
	}
	if subnet.Name != "office" {
		t.Errorf("Expected name office, got %s", subnet.Name)
	}

	invalid := []string{"", "not-a-cidr", "192.168.1.0", "192.168.1.0/33", "10.0.0.0/-1"}
	for _, cidr := range invalid {
		if _, err := NewSubnet(cidr, "", ""); !errors.Is(err, ErrInvalidCIDR) {
			t.Errorf("NewSubnet(%q) expected ErrInvalidCIDR, got %v", cidr, err)
		}
	}
}

// TestSubnetCounts tests address and usable-address counting for IPv4 and
// IPv6 blocks
func TestSubnetCounts(t *testing.T) {
	tests := []struct {
		cidr      string
		addresses uint64
		usable    uint64
	}{
		{"192.168.1.0/24", 256, 254},
		{"10.0.0.0/30", 4, 2},
		{"10.0.0.0/31", 2, 2},
		{"10.0.0.4/32", 1, 1},
		{"2001:db8::/126", 4, 4},
		{"2001:db8::/120", 256, 256},
	}

	for _, tt := range tests {
		subnet, err := NewSubnet(tt.cidr, "", "")
		if err != nil {
			t.Fatalf("NewSubnet(%q) failed: %v", tt.cidr, err)
		}
		if got := subnet.AddressCount(); got != tt.addresses {
			t.Errorf("%s: AddressCount = %d, expected %d", tt.cidr, got, tt.addresses)
		}
		if got := subnet.UsableCount(); got != tt.usable {
			t.Errorf("%s: UsableCount = %d, expected %d", tt.cidr, got, tt.usable)
		}
	}

	// IPv6 blocks wider than /64 saturate rather than overflow.
	wide, err := NewSubnet("2001:db8::/32", "", "")
	if err != nil {
		t.Fatalf("NewSubnet failed: %v", err)
	}
	if got := wide.AddressCount(); got != ^uint64(0) {
		t.Errorf("Expected saturated AddressCount for /32 IPv6 block, got %d", got)
	}
}

// TestSubnetHosts tests usable host enumeration for a small block
func TestSubnetHosts(t *testing.T) {
	subnet, err := NewSubnet("192.168.1.8/29", "", "")
	if err != nil {
		t.Fatalf("NewSubnet failed: %v", err)
	}

	hosts, err := subnet.Hosts(1024)
	if err != nil {
		t.Fatalf("Hosts failed: %v", err)
	}

	expected := []string{
		"192.168.1.9", "192.168.1.10", "192.168.1.11",
		"192.168.1.12", "192.168.1.13", "192.168.1.14",
	}
	if len(hosts) != len(expected) {
		t.Fatalf("Expected %d hosts, got %d", len(expected), len(hosts))
	}
	for i, addr := range hosts {
		if addr.String() != expected[i] {
			t.Errorf("Host %d: expected %s, got %s", i, expected[i], addr.String())
		}
	}

	// The limit guards against materializing huge blocks.
	large, _ := NewSubnet("10.0.0.0/8", "", "")
	if _, err := large.Hosts(1024); err == nil {
		t.Error("Expected error enumerating /8 with limit 1024")
	}
}

// TestContainsUsable tests the network/broadcast exclusion
func TestContainsUsable(t *testing.T) {
	subnet, err := NewSubnet("192.168.1.0/24", "", "")
	if err != nil {
		t.Fatalf("NewSubnet failed: %v", err)
	}

	tests := []struct {
		ip       string
		expected bool
	}{
		{"192.168.1.0", false}, // network address
		{"192.168.1.1", true},
		{"192.168.1.254", true},
		{"192.168.1.255", false}, // broadcast address
		{"192.168.2.1", false},   // outside the block
	}
	for _, tt := range tests {
		addr := netip.MustParseAddr(tt.ip)
		if got := subnet.ContainsUsable(addr); got != tt.expected {
			t.Errorf("ContainsUsable(%s) = %v, expected %v", tt.ip, got, tt.expected)
		}
	}

	// Point-to-point blocks have no network/broadcast exclusion.
	p2p, _ := NewSubnet("10.0.0.0/31", "", "")
	if !p2p.ContainsUsable(netip.MustParseAddr("10.0.0.0")) {
		t.Error("ContainsUsable should include both addresses of a /31")
	}
}

// TestParseIP tests IP validation error mapping
func TestParseIP(t *testing.T) {
	if _, err := ParseIP("192.168.1.1"); err != nil {
		t.Errorf("ParseIP failed for valid address: %v", err)
	}
	if _, err := ParseIP("not-an-ip"); !errors.Is(err, ErrInvalidIP) {
		t.Errorf("Expected ErrInvalidIP, got %v", err)
	}
}

// TestIPAMEntryJSONFieldNames verifies the on-disk field names of inventory
// entries
func TestIPAMEntryJSONFieldNames(t *testing.T) {
	entry := IPAMEntry{IP: "10.0.0.1", Status: StatusUnknown}
	jsonData, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Failed to marshal IPAMEntry: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		t.Fatalf("Failed to unmarshal into map: %v", err)
	}

	for _, field := range []string{"ip", "subnet", "hostname", "description", "status", "session_name", "last_seen"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("Expected JSON field %q missing from serialized entry", field)
		}
	}
}

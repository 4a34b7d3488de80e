package ipam

import (
	"encoding/csv"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/McDevStudios/asshm/internal/models"
)

// Column layouts for the two CSV sections.
var (
	subnetHeader = []string{"cidr", "name", "description"}
	entryHeader  = []string{"ip", "subnet", "hostname", "description", "status", "session_name", "last_seen"}
)

// ImportResult reports the outcome of a CSV import. Success refers to the
// file as a whole; individual malformed rows only increment Errors.
type ImportResult struct {
	Success      bool   `json:"success"`
	AddedIPs     int    `json:"added_ips"`
	AddedSubnets int    `json:"added_subnets"`
	Errors       int    `json:"errors"`
	Error        string `json:"error,omitempty"`
}

// ImportCSV reads subnet and entry rows from the file at path. Section
// header rows switch how subsequent rows are interpreted; rows seen before
// any header are classified by whether their first field parses as a CIDR.
// Malformed rows are counted and skipped, already-registered subnets are
// skipped silently, and entries are upserted. Only a file-level failure
// aborts the import.
func (r *Repository) ImportCSV(path string) ImportResult {
	f, err := os.Open(path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to open CSV import file")
		return ImportResult{Error: fmt.Sprintf("failed to open file: %v", err)}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to read CSV import file")
		return ImportResult{Error: fmt.Sprintf("failed to read file: %v", err)}
	}

	result := ImportResult{Success: true}
	section := ""

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range records {
		if isHeader(record, subnetHeader) {
			section = "subnets"
			continue
		}
		if isHeader(record, entryHeader) {
			section = "entries"
			continue
		}
		if isBlank(record) {
			continue
		}

		if section == "subnets" || (section == "" && looksLikeCIDR(field(record, 0))) {
			subnet, err := subnetFromRecord(record)
			if err != nil {
				result.Errors++
				continue
			}
			if _, exists := r.subnets[subnet.CIDR]; !exists {
				r.subnets[subnet.CIDR] = subnet
				result.AddedSubnets++
			}
			continue
		}

		entry, err := entryFromRecord(record)
		if err != nil {
			result.Errors++
			continue
		}
		r.entries[entry.IP] = entry
		result.AddedIPs++
	}

	if result.AddedSubnets > 0 || result.AddedIPs > 0 {
		r.persist()
	}
	r.logger.Info().
		Str("path", path).
		Int("addedIPs", result.AddedIPs).
		Int("addedSubnets", result.AddedSubnets).
		Int("errors", result.Errors).
		Msg("CSV import completed")
	return result
}

// ExportCSV writes the requested inventory sections to path: subnets first,
// a blank separator line when both sections are present, then entries. It
// reports success; failures are logged.
func (r *Repository) ExportCSV(path string, includeEntries, includeSubnets bool) bool {
	subnets := r.Subnets()
	entries := r.Entries()

	f, err := os.Create(path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to create CSV export file")
		return false
	}
	defer f.Close()

	w := csv.NewWriter(f)
	wroteSubnets := false
	if includeSubnets {
		w.Write(subnetHeader)
		for _, s := range subnets {
			w.Write([]string{s.CIDR, s.Name, s.Description})
		}
		wroteSubnets = true
	}
	if includeEntries {
		if wroteSubnets {
			w.Flush()
			fmt.Fprintln(f)
		}
		w.Write(entryHeader)
		for _, e := range entries {
			lastSeen := ""
			if e.LastSeen != nil {
				lastSeen = e.LastSeen.Format(time.RFC3339)
			}
			w.Write([]string{e.IP, e.Subnet, e.Hostname, e.Description, e.Status, e.SessionName, lastSeen})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to write CSV export")
		return false
	}
	return true
}

// subnetFromRecord builds a subnet from a cidr,name,description row.
func subnetFromRecord(record []string) (models.Subnet, error) {
	return models.NewSubnet(field(record, 0), field(record, 1), field(record, 2))
}

// entryFromRecord builds an entry from an
// ip,subnet,hostname,description,status,session_name,last_seen row. Rows
// shorter than the full layout are padded with empty fields.
func entryFromRecord(record []string) (models.IPAMEntry, error) {
	addr, err := models.ParseIP(field(record, 0))
	if err != nil {
		return models.IPAMEntry{}, err
	}
	entry := models.IPAMEntry{
		IP:          addr.String(),
		Subnet:      field(record, 1),
		Hostname:    field(record, 2),
		Description: field(record, 3),
		Status:      field(record, 4),
		SessionName: field(record, 5),
	}
	if entry.Status == "" {
		entry.Status = models.StatusUnknown
	}
	if raw := field(record, 6); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			entry.LastSeen = &ts
		}
	}
	return entry, nil
}

// field returns the trimmed column at index i, or "" when the row is short.
func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// isHeader reports whether record matches a section header, ignoring case.
func isHeader(record, header []string) bool {
	if len(record) != len(header) {
		return false
	}
	for i := range header {
		if !strings.EqualFold(strings.TrimSpace(record[i]), header[i]) {
			return false
		}
	}
	return true
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func looksLikeCIDR(s string) bool {
	_, err := netip.ParsePrefix(s)
	return err == nil
}

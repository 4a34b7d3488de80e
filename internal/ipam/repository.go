// Package ipam implements the address-inventory repository: registered
// subnets, per-address entries, usage statistics, and CSV import/export.
// Subnets and entries persist to two independent JSON files; the repository
// is the only writer of both.
package ipam

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/fileutil"
	"github.com/McDevStudios/asshm/internal/models"
)

// ErrSubnetNotFound is returned by operations that require a registered
// subnet.
var ErrSubnetNotFound = errors.New("subnet not found")

const (
	entriesFile = "ip_entries.json"
	subnetsFile = "subnets.json"
)

// Repository owns the ip-to-entry and cidr-to-subnet maps and their backing
// files. Entries are upserted freely; subnets are unique by CIDR, and
// removing one cascades to the entries recorded under it. Sessions are never
// touched from here, an entry's session reference simply goes stale when the
// session disappears.
type Repository struct {
	dir string

	mu      sync.RWMutex
	entries map[string]models.IPAMEntry
	subnets map[string]models.Subnet
	logger  zerolog.Logger
}

// New creates a repository storing its files under dir and loads any
// existing state. Missing or corrupt files start that half of the inventory
// empty.
func New(dir string) *Repository {
	r := &Repository{
		dir:     dir,
		entries: make(map[string]models.IPAMEntry),
		subnets: make(map[string]models.Subnet),
		logger:  log.With().Str("component", "ipam").Logger(),
	}
	r.load()
	return r
}

// AddSubnet registers a subnet. It reports false, without touching state,
// when the CIDR is already registered. Subnets are validated at construction
// via models.NewSubnet, so the repository trusts the CIDR it receives.
func (r *Repository) AddSubnet(s models.Subnet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subnets[s.CIDR]; exists {
		return false
	}
	r.subnets[s.CIDR] = s
	r.persist()
	r.logger.Info().Str("cidr", s.CIDR).Msg("Subnet registered")
	return true
}

// RemoveSubnet deletes a subnet and cascades to every entry whose subnet
// field equals its CIDR. Entries recorded under a different or empty subnet
// are untouched. It reports false when the CIDR is not registered.
func (r *Repository) RemoveSubnet(cidr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subnets[cidr]; !exists {
		return false
	}
	removed := 0
	for ip, entry := range r.entries {
		if entry.Subnet == cidr {
			delete(r.entries, ip)
			removed++
		}
	}
	delete(r.subnets, cidr)
	r.persist()
	r.logger.Info().Str("cidr", cidr).Int("entriesRemoved", removed).Msg("Subnet removed")
	return true
}

// GetSubnet returns the subnet registered under cidr.
func (r *Repository) GetSubnet(cidr string) (models.Subnet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subnets[cidr]
	return s, ok
}

// Subnets returns all registered subnets ordered by CIDR.
func (r *Repository) Subnets() []models.Subnet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Subnet, 0, len(r.subnets))
	for _, s := range r.subnets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CIDR < out[j].CIDR })
	return out
}

// SubnetCount returns the number of registered subnets.
func (r *Repository) SubnetCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subnets)
}

// AddEntry inserts or replaces the entry stored under its IP. The address is
// validated and canonicalized, so "2001:DB8::1" and "2001:db8::1" land on
// the same key.
func (r *Repository) AddEntry(e models.IPAMEntry) error {
	addr, err := models.ParseIP(e.IP)
	if err != nil {
		return err
	}
	e.IP = addr.String()
	if e.Status == "" {
		e.Status = models.StatusUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.IP] = e
	r.persist()
	return nil
}

// RemoveEntry deletes the entry stored under ip, reporting whether one
// existed.
func (r *Repository) RemoveEntry(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[ip]; !exists {
		return false
	}
	delete(r.entries, ip)
	r.persist()
	return true
}

// GetEntry returns the entry stored under ip.
func (r *Repository) GetEntry(ip string) (models.IPAMEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ip]
	return e, ok
}

// Entries returns all entries ordered by IP string.
func (r *Repository) Entries() []models.IPAMEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.IPAMEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// EntryCount returns the number of tracked addresses.
func (r *Repository) EntryCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FindSubnetForIP returns the registered subnet containing ip. When subnets
// overlap, the most specific one (longest prefix) wins. Invalid and
// unmatched addresses both report false.
func (r *Repository) FindSubnetForIP(ip string) (models.Subnet, bool) {
	addr, err := models.ParseIP(ip)
	if err != nil {
		return models.Subnet{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findSubnetLocked(addr)
}

// findSubnetLocked is the longest-prefix match over the registered subnets.
// Callers hold at least the read lock.
func (r *Repository) findSubnetLocked(addr netip.Addr) (models.Subnet, bool) {
	var best models.Subnet
	bestBits := -1
	for _, s := range r.subnets {
		prefix, err := s.Prefix()
		if err != nil || !prefix.Contains(addr) {
			continue
		}
		if prefix.Bits() > bestBits {
			best = s
			bestBits = prefix.Bits()
		}
	}
	return best, bestBits >= 0
}

// UsageStats computes address-consumption statistics for a registered
// subnet: usable capacity, entries recorded inside the usable range, and
// utilization as a percentage rounded to two decimals. A zero-capacity block
// reports zero utilization rather than dividing by zero.
func (r *Repository) UsageStats(cidr string) (models.UsageStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subnets[cidr]
	if !ok {
		return models.UsageStats{}, fmt.Errorf("%w: %q", ErrSubnetNotFound, cidr)
	}

	stats := models.UsageStats{Total: s.UsableCount()}
	for ip := range r.entries {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		if s.ContainsUsable(addr) {
			stats.Used++
		}
	}
	if stats.Total > stats.Used {
		stats.Available = stats.Total - stats.Used
	}
	if stats.Total > 0 {
		stats.Utilization = math.Round(float64(stats.Used)/float64(stats.Total)*100*100) / 100
	}
	return stats, nil
}

// LinkSession records a session's host in the inventory. When the host is a
// literal IP address, the entry under it is created or updated to carry the
// session name and an Active status; new entries also note their origin and
// the containing subnet when one is registered. Hostnames that are not IP
// literals report false.
func (r *Repository) LinkSession(s models.Session) bool {
	addr, err := models.ParseIP(s.Host)
	if err != nil {
		return false
	}
	ip := addr.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[ip]
	if !exists {
		entry = models.IPAMEntry{
			IP:          ip,
			Description: fmt.Sprintf("Added from session: %s", s.Name),
		}
		if sub, ok := r.findSubnetLocked(addr); ok {
			entry.Subnet = sub.CIDR
		}
	}
	entry.SessionName = s.Name
	entry.Status = models.StatusActive
	r.entries[ip] = entry
	r.persist()
	return true
}

// ScanResult is one confirmed-active address from a subnet sweep.
type ScanResult struct {
	IP       string
	Hostname string
}

// MergeScanResults applies the outcome of a subnet scan in one shot:
// confirmed addresses get status Active and a fresh last-seen stamp, and
// previously unknown addresses become new entries under the scanned CIDR.
// Existing entries keep their hostname and description. State persists once,
// after all results are applied; an empty result set changes nothing.
func (r *Repository) MergeScanResults(cidr string, results []ScanResult) {
	if len(results) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		entry, exists := r.entries[res.IP]
		if !exists {
			entry = models.IPAMEntry{
				IP:       res.IP,
				Subnet:   cidr,
				Hostname: res.Hostname,
			}
		}
		seen := time.Now()
		entry.Status = models.StatusActive
		entry.LastSeen = &seen
		r.entries[res.IP] = entry
	}
	r.persist()
	r.logger.Info().Str("cidr", cidr).Int("active", len(results)).Msg("Scan results merged")
}

// load reads both inventory files. Missing files are a first run; corrupt
// files log a warning and leave that half empty.
func (r *Repository) load() {
	if data, err := os.ReadFile(r.entriesPath()); err == nil {
		var list []models.IPAMEntry
		if err := json.Unmarshal(data, &list); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to parse IPAM entries file, starting empty")
		} else {
			for _, e := range list {
				if e.IP != "" {
					r.entries[e.IP] = e
				}
			}
		}
	} else if !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Msg("Failed to read IPAM entries file")
	}

	if data, err := os.ReadFile(r.subnetsPath()); err == nil {
		var list []models.Subnet
		if err := json.Unmarshal(data, &list); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to parse IPAM subnets file, starting empty")
		} else {
			for _, s := range list {
				if _, err := s.Prefix(); err != nil {
					r.logger.Warn().Str("cidr", s.CIDR).Msg("Skipping stored subnet with invalid CIDR")
					continue
				}
				r.subnets[s.CIDR] = s
			}
		}
	} else if !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Msg("Failed to read IPAM subnets file")
	}

	if len(r.entries) > 0 || len(r.subnets) > 0 {
		r.logger.Info().Int("entries", len(r.entries)).Int("subnets", len(r.subnets)).Msg("IPAM inventory loaded")
	}
}

// persist writes both files atomically. Callers hold the write lock.
// Failures are logged and absorbed; the in-memory state stays authoritative.
func (r *Repository) persist() {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		r.logger.Error().Err(err).Str("dir", r.dir).Msg("Failed to create IPAM directory")
		return
	}

	entries := make([]models.IPAMEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })
	r.writeJSON(r.entriesPath(), entries)

	subnets := make([]models.Subnet, 0, len(r.subnets))
	for _, s := range r.subnets {
		subnets = append(subnets, s)
	}
	sort.Slice(subnets, func(i, j int) bool { return subnets[i].CIDR < subnets[j].CIDR })
	r.writeJSON(r.subnetsPath(), subnets)
}

func (r *Repository) writeJSON(path string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to marshal IPAM state")
		return
	}
	if err := fileutil.WriteAtomic(path, data, 0644); err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to write IPAM file")
	}
}

func (r *Repository) entriesPath() string { return filepath.Join(r.dir, entriesFile) }
func (r *Repository) subnetsPath() string { return filepath.Join(r.dir, subnetsFile) }

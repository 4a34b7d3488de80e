// Package scanner implements the subnet liveness sweep that keeps the IPAM
// inventory in line with what actually answers on the network. Every usable
// address of a registered subnet is probed with a short platform ping under
// a fixed concurrency cap; confirmed-active hosts are merged back into the
// inventory in a single batch.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/config"
	"github.com/McDevStudios/asshm/internal/history"
	"github.com/McDevStudios/asshm/internal/ipam"
)

// maxConcurrentProbes caps the number of probes in flight at any moment.
// Probe N+1 blocks until one of the running N finishes; nothing polls.
const maxConcurrentProbes = 50

// Errors returned by Scan.
var (
	ErrScanInProgress = errors.New("a scan is already in progress")
	ErrSubnetTooLarge = errors.New("subnet too large to scan")
)

// ProgressFunc receives one callback per probed address. Callbacks are
// delivered from a single goroutine, never concurrently.
type ProgressFunc func(addr string, alive bool)

// probeFunc checks one address for liveness within timeout.
type probeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// resolveFunc best-effort resolves a hostname for an address, returning ""
// on failure.
type resolveFunc func(ctx context.Context, addr string) string

// ScanStats is a snapshot of the current or most recent scan.
type ScanStats struct {
	ScanID      string
	CIDR        string
	StartTime   time.Time
	EndTime     time.Time
	Status      string // idle, running, completed, error
	HostsTotal  int
	HostsProbed int
	HostsActive int
	Error       string
}

// Service runs subnet sweeps against the inventory. One scan runs at a time;
// completed runs are appended to the scan history when a store is attached.
type Service struct {
	cfg     *config.Store
	repo    *ipam.Repository
	history *history.Store
	logger  zerolog.Logger

	scanLock   sync.Mutex
	isScanning bool
	stats      *ScanStats

	probe   probeFunc
	resolve resolveFunc
}

// New creates a scan service over repo. hist may be nil when scan history is
// disabled.
func New(cfg *config.Store, repo *ipam.Repository, hist *history.Store) *Service {
	return &Service{
		cfg:     cfg,
		repo:    repo,
		history: hist,
		logger:  log.With().Str("component", "scanner").Logger(),
		stats:   &ScanStats{Status: "idle"},
		probe:   pingProbe,
		resolve: reverseLookup,
	}
}

// GetStatus returns a copy of the current scan statistics.
func (s *Service) GetStatus() ScanStats {
	s.scanLock.Lock()
	defer s.scanLock.Unlock()
	return *s.stats
}

// Scan probes every usable address of the registered subnet cidr and merges
// the confirmed-active set into the repository in one batch. progress, when
// non-nil, is invoked once per address. The returned slice holds the
// addresses that answered, in probe-completion order. Cancelling ctx stops
// dispatching new probes; results already gathered are still merged.
func (s *Service) Scan(ctx context.Context, cidr string, progress ProgressFunc) ([]string, error) {
	s.scanLock.Lock()
	if s.isScanning {
		s.scanLock.Unlock()
		return nil, ErrScanInProgress
	}
	s.isScanning = true
	s.stats = &ScanStats{
		ScanID:    uuid.New().String(),
		CIDR:      cidr,
		StartTime: time.Now(),
		Status:    "running",
	}
	scanID := s.stats.ScanID
	started := s.stats.StartTime
	s.scanLock.Unlock()

	defer func() {
		s.scanLock.Lock()
		s.isScanning = false
		s.stats.EndTime = time.Now()
		s.scanLock.Unlock()
	}()

	subnet, ok := s.repo.GetSubnet(cidr)
	if !ok {
		err := fmt.Errorf("%w: %q", ipam.ErrSubnetNotFound, cidr)
		s.failScan(err)
		return nil, err
	}

	maxHosts := s.cfg.GetInt("scan", "max_hosts", 65536)
	hosts, err := subnet.Hosts(uint64(maxHosts))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSubnetTooLarge, err)
		s.failScan(err)
		return nil, err
	}

	s.scanLock.Lock()
	s.stats.HostsTotal = len(hosts)
	s.scanLock.Unlock()

	timeout := s.probeTimeout()
	s.logger.Info().
		Str("scanID", scanID).
		Str("cidr", cidr).
		Int("hosts", len(hosts)).
		Dur("probeTimeout", timeout).
		Msg("Starting subnet scan")

	type probeResult struct {
		addr     string
		alive    bool
		hostname string
	}

	results := make(chan probeResult)
	semaphore := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	// Dispatcher: one goroutine per address, gated by the semaphore so at
	// most maxConcurrentProbes run concurrently.
	go func() {
		for _, host := range hosts {
			if ctx.Err() != nil {
				break
			}
			addr := host.String()
			wg.Add(1)
			semaphore <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()
				alive := s.probe(ctx, addr, timeout)
				hostname := ""
				if alive {
					hostname = s.resolve(ctx, addr)
				}
				results <- probeResult{addr: addr, alive: alive, hostname: hostname}
			}()
		}
		wg.Wait()
		close(results)
	}()

	// Collector: the only goroutine touching the active set, the stats and
	// the progress callback.
	var active []ipam.ScanResult
	var activeAddrs []string
	probed := 0
	for res := range results {
		probed++
		if res.alive {
			active = append(active, ipam.ScanResult{IP: res.addr, Hostname: res.hostname})
			activeAddrs = append(activeAddrs, res.addr)
		}
		if progress != nil {
			progress(res.addr, res.alive)
		}
		s.scanLock.Lock()
		s.stats.HostsProbed = probed
		s.stats.HostsActive = len(activeAddrs)
		s.scanLock.Unlock()
	}

	s.repo.MergeScanResults(cidr, active)

	s.scanLock.Lock()
	s.stats.Status = "completed"
	s.scanLock.Unlock()
	duration := time.Since(started)

	if s.history != nil {
		rec := history.ScanRecord{
			ID:           scanID,
			CIDR:         cidr,
			StartedAt:    started,
			DurationMS:   duration.Milliseconds(),
			HostsScanned: probed,
			HostsActive:  len(activeAddrs),
		}
		if err := s.history.RecordScan(rec); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record scan history")
		}
	}

	s.logger.Info().
		Str("scanID", scanID).
		Str("cidr", cidr).
		Int("probed", probed).
		Int("active", len(activeAddrs)).
		Dur("duration", duration).
		Msg("Subnet scan completed")

	return activeAddrs, nil
}

// RecentScans returns recent completed runs from the history store, newest
// first. Without an attached store it returns an empty list.
func (s *Service) RecentScans(limit int) ([]history.ScanRecord, error) {
	if s.history == nil {
		return []history.ScanRecord{}, nil
	}
	return s.history.RecentScans(limit)
}

// failScan stamps the current stats with err.
func (s *Service) failScan(err error) {
	s.scanLock.Lock()
	defer s.scanLock.Unlock()
	s.stats.Status = "error"
	s.stats.Error = err.Error()
	s.logger.Error().Err(err).Str("cidr", s.stats.CIDR).Msg("Scan failed")
}

// probeTimeout reads the per-host probe timeout from config, clamped to a
// 500ms to 5s band.
func (s *Service) probeTimeout() time.Duration {
	timeout := time.Duration(s.cfg.GetInt("scan", "timeout_ms", 1000)) * time.Millisecond
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return timeout
}

// pingProbe shells out to the platform ping with a single echo request and a
// per-probe deadline. Any non-zero exit means unreachable; probe
// infrastructure failures count the same way.
func pingProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	var args []string
	if runtime.GOOS == "windows" {
		args = []string{"-n", "1", "-w", strconv.FormatInt(timeout.Milliseconds(), 10), addr}
	} else {
		secs := int(timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		args = []string{"-c", "1", "-W", strconv.Itoa(secs), addr}
	}
	return exec.CommandContext(ctx, "ping", args...).Run() == nil
}

// reverseLookup returns the first PTR name for addr without the trailing
// dot, or "" when resolution fails or times out.
func reverseLookup(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// The following methods are used for testing only

// SetProbeForTesting replaces the liveness probe implementation.
func (s *Service) SetProbeForTesting(probe func(ctx context.Context, addr string, timeout time.Duration) bool) {
	s.probe = probe
}

// SetResolverForTesting replaces the reverse-DNS lookup.
func (s *Service) SetResolverForTesting(resolve func(ctx context.Context, addr string) string) {
	s.resolve = resolve
}

// SetStatusForTesting sets the scan status field.
func (s *Service) SetStatusForTesting(status string) {
	s.scanLock.Lock()
	defer s.scanLock.Unlock()
	s.stats.Status = status
}

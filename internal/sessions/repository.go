// Package sessions implements the connection-profile repository: an
// in-memory map of named sessions backed by a single JSON file with rotating
// timestamped backups. The repository is the only writer of that file.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/config"
	"github.com/McDevStudios/asshm/internal/fileutil"
	"github.com/McDevStudios/asshm/internal/models"
	"github.com/McDevStudios/asshm/internal/secret"
)

// Errors returned by repository operations.
var (
	ErrEmptyName     = errors.New("session name is empty")
	ErrDuplicateName = errors.New("session name already exists")
	ErrNotFound      = errors.New("session not found")
)

const (
	sessionsFile     = "sessions.json"
	backupsDir       = "backups"
	backupPrefix     = "sessions_backup_"
	backupTimeFormat = "20060102_150405"
)

// Repository owns the name-to-session map and its backing file. Every
// mutating call persists the full state; persistence failures are logged and
// absorbed so the in-memory state stays authoritative.
type Repository struct {
	path      string
	backupDir string
	cfg       *config.Store
	secrets   secret.Store

	mu       sync.RWMutex
	sessions map[string]models.Session
	logger   zerolog.Logger
}

// New creates a repository rooted at dataDir and loads any existing session
// file. A corrupt or unreadable file logs a warning and starts empty rather
// than failing startup.
func New(dataDir string, cfg *config.Store) *Repository {
	r := &Repository{
		path:      filepath.Join(dataDir, sessionsFile),
		backupDir: filepath.Join(dataDir, backupsDir),
		cfg:       cfg,
		sessions:  make(map[string]models.Session),
		logger:    log.With().Str("component", "sessions").Logger(),
	}
	r.load()
	return r
}

// UseSecretStore routes password persistence through store: from the next
// save on, passwords are written only to the secret store, keyed by session
// name, and blanked in the session file. Passwords already loaded with an
// empty value are re-resolved from the store.
func (r *Repository) UseSecretStore(store secret.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = store
	for name, s := range r.sessions {
		if s.Password != "" {
			continue
		}
		if password, err := store.Retrieve(name); err == nil {
			s.Password = password
			r.sessions[name] = s
		}
	}
}

// Add inserts a new session and persists. The name must be non-blank and not
// already registered.
func (r *Repository) Add(s models.Session) error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, s.Name)
	}
	r.storeSecret(s)
	r.sessions[s.Name] = s.Clone()
	r.persist()
	r.logger.Info().Str("session", s.Name).Msg("Session added")
	return nil
}

// Update replaces an existing session wholesale and persists.
func (r *Repository) Update(s models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Name]; !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, s.Name)
	}
	r.storeSecret(s)
	r.sessions[s.Name] = s.Clone()
	r.persist()
	return nil
}

// storeSecret pushes the session's password into the secret store when one
// is attached. Key derivation is expensive, so this happens only when a
// password enters the repository, not on every save.
func (r *Repository) storeSecret(s models.Session) {
	if r.secrets == nil {
		return
	}
	if err := r.secrets.Store(s.Name, s.Password); err != nil {
		r.logger.Warn().Err(err).Str("session", s.Name).Msg("Failed to store password secret")
	}
}

// Delete removes a session by name and persists.
func (r *Repository) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[name]; !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.sessions, name)
	r.persist()
	r.logger.Info().Str("session", name).Msg("Session deleted")
	return nil
}

// Get returns the session stored under name.
func (r *Repository) Get(name string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return models.Session{}, false
	}
	return s.Clone(), true
}

// Exists reports whether a session is registered under name. IPAM entries
// reference sessions by name without owning them; this is the lookup that
// resolves those soft references.
func (r *Repository) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[name]
	return ok
}

// Count returns the number of stored sessions.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns all sessions in no particular order.
func (r *Repository) List() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Groups returns the sorted set of non-empty group names in use.
func (r *Repository) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, s := range r.sessions {
		if s.Group != "" {
			seen[s.Group] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Tags returns the sorted set of tags in use across all sessions.
func (r *Repository) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, s := range r.sessions {
		for _, tag := range s.Tags {
			seen[tag] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FilterOptions narrows List results. Empty fields apply no constraint; the
// supplied ones are AND-combined.
type FilterOptions struct {
	Group  string
	Tag    string
	Search string
}

// Filter returns the sessions matching every supplied predicate.
func (r *Repository) Filter(opts FilterOptions) []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Session, 0)
	for _, s := range r.sessions {
		if opts.Group != "" && s.Group != opts.Group {
			continue
		}
		if opts.Tag != "" && !s.HasTag(opts.Tag) {
			continue
		}
		if opts.Search != "" && !s.MatchesSearch(opts.Search) {
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}

// RecordConnection stamps the session's last connection time, increments its
// connection counter, and persists. Unknown names are a silent no-op so a
// connect launched against a just-deleted session never errors.
func (r *Repository) RecordConnection(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		return
	}
	now := time.Now()
	s.LastConnection = &now
	s.ConnectionCount++
	r.sessions[name] = s
	r.persist()
}

// load reads the session file into memory. A missing file is a normal first
// run; an unreadable or corrupt file logs a warning and leaves the
// repository empty.
func (r *Repository) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", r.path).Msg("Failed to read session file, starting empty")
		}
		return
	}
	var list []models.Session
	if err := json.Unmarshal(data, &list); err != nil {
		r.logger.Warn().Err(err).Str("path", r.path).Msg("Failed to parse session file, starting empty")
		return
	}
	for _, s := range list {
		if s.Name == "" {
			continue
		}
		r.sessions[s.Name] = s
	}
	r.logger.Info().Int("count", len(r.sessions)).Msg("Sessions loaded")
}

// persist writes the full session set to disk: back up the previous file,
// write the new state atomically, prune old backups. Callers hold the write
// lock. Failures are logged, never returned.
func (r *Repository) persist() {
	r.backupCurrent()

	savePasswords := r.cfg.GetBool("general", "save_passwords", true)
	list := make([]models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if r.secrets != nil || !savePasswords {
			s = s.Clone()
			s.Password = ""
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal sessions")
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("Failed to create data directory")
		return
	}
	if err := fileutil.WriteAtomic(r.path, data, 0600); err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("Failed to write session file")
		return
	}
	r.pruneBackups()
}

// backupCurrent copies the existing session file into the backups directory
// under a timestamped name. Saves landing in the same second get an
// ascending numeric suffix so names stay unique and keep sorting
// chronologically, even after older same-second backups were pruned. Backup
// failures never block the save itself.
func (r *Repository) backupCurrent() {
	if _, err := os.Stat(r.path); err != nil {
		return
	}
	if err := os.MkdirAll(r.backupDir, 0755); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to create backup directory")
		return
	}
	base := backupPrefix + time.Now().Format(backupTimeFormat)
	target := filepath.Join(r.backupDir, base+".json")
	if suffix := r.nextBackupSuffix(base); suffix > 0 {
		target = filepath.Join(r.backupDir, fmt.Sprintf("%s_%d.json", base, suffix))
	}
	if err := fileutil.Copy(r.path, target); err != nil {
		r.logger.Warn().Err(err).Str("path", target).Msg("Failed to back up session file")
	}
}

// nextBackupSuffix returns 0 when no backup shares this timestamp yet,
// otherwise one past the highest suffix in use. The unsuffixed name counts
// as suffix 0.
func (r *Repository) nextBackupSuffix(base string) int {
	entries, err := os.ReadDir(r.backupDir)
	if err != nil {
		return 0
	}
	next := 0
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		if name == base {
			if next < 1 {
				next = 1
			}
			continue
		}
		rest, ok := strings.CutPrefix(name, base+"_")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n+1 > next {
			next = n + 1
		}
	}
	return next
}

// pruneBackups deletes the oldest backups beyond the configured retention
// count. The timestamped names sort chronologically, so name order is age
// order. Removal failures are ignored; a stuck backup must not block the
// save that triggered the rotation.
func (r *Repository) pruneBackups() {
	max := r.cfg.GetInt("general", "max_backups", 5)
	if max < 0 {
		max = 0
	}
	entries, err := os.ReadDir(r.backupDir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), backupPrefix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= max {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-max] {
		if err := os.Remove(filepath.Join(r.backupDir, name)); err != nil {
			r.logger.Debug().Err(err).Str("file", name).Msg("Failed to prune backup")
		}
	}
}

// Package config manages the ASSHM application configuration. Settings live
// in a sectioned key/value store backed by a YAML file; every key has a
// built-in default, values loaded from disk are merged over those defaults,
// and reads never fail. Access is thread-safe.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/McDevStudios/asshm/internal/fileutil"
)

// Store holds the sectioned configuration values. The zero value is not
// usable; construct one with New.
type Store struct {
	path   string
	mu     sync.RWMutex
	values map[string]map[string]interface{}
}

// New creates a store seeded with defaults and overlays whatever the file at
// path contains. A missing file is a normal first run; a corrupt file is
// logged and ignored so the application always starts with usable settings.
func New(path string) *Store {
	s := &Store{
		path:   path,
		values: defaults(),
	}
	s.Load()
	return s
}

// defaults returns the built-in configuration. Every key the application
// reads has an entry here, so a fresh install works with no file at all.
func defaults() map[string]map[string]interface{} {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return map[string]map[string]interface{}{
		"general": {
			"data_dir":         filepath.Join(home, ".asshm"),
			"max_backups":      5,
			"default_protocol": "ssh",
			"save_passwords":   true,
		},
		"server": {
			"listen_addr":      ":8422",
			"read_timeout":     30,
			"write_timeout":    30,
			"shutdown_timeout": 10,
		},
		"scan": {
			"timeout_ms": 1000,
			"max_hosts":  65536,
		},
		"ipam": {
			"enabled": true,
		},
	}
}

// Get returns the value stored under section/key, or def when either is
// absent. It never fails.
func (s *Store) Get(section, key string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.values[section]
	if !ok {
		return def
	}
	value, ok := sec[key]
	if !ok {
		return def
	}
	return value
}

// GetString returns the value under section/key as a string, or def when the
// key is absent or not a string.
func (s *Store) GetString(section, key, def string) string {
	if v, ok := s.Get(section, key, def).(string); ok {
		return v
	}
	return def
}

// GetBool returns the value under section/key as a bool, or def when the key
// is absent or not a bool.
func (s *Store) GetBool(section, key string, def bool) bool {
	if v, ok := s.Get(section, key, def).(bool); ok {
		return v
	}
	return def
}

// GetInt returns the value under section/key as an int. YAML unmarshals
// numbers as int or float64 depending on their spelling, so both are
// accepted; anything else returns def.
func (s *Store) GetInt(section, key string, def int) int {
	switch v := s.Get(section, key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Set stores value under section/key, creating the section on demand. The
// change is in-memory only until Save is called.
func (s *Store) Set(section, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.values[section]
	if !ok {
		sec = make(map[string]interface{})
		s.values[section] = sec
	}
	sec[key] = value
}

// Load reads the YAML file at the store's path and merges it over the
// current values. A missing file leaves the defaults untouched; an
// unreadable or unparseable file is logged and otherwise ignored.
func (s *Store) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("Failed to read configuration file, using defaults")
		}
		return
	}

	var loaded map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to parse configuration file, using defaults")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for section, stored := range loaded {
		existing, ok := s.values[section]
		if !ok {
			existing = make(map[string]interface{})
			s.values[section] = existing
		}
		mergeValues(existing, stored)
	}
	log.Info().Str("path", s.path).Msg("Configuration loaded successfully")
}

// mergeValues overlays src onto dst in place. When both sides hold a nested
// mapping for the same key the merge recurses; any other stored value
// replaces the default. Keys present only in dst survive, keys present only
// in src are added.
func mergeValues(dst, src map[string]interface{}) {
	for key, stored := range src {
		storedMap, storedIsMap := stored.(map[string]interface{})
		existingMap, existingIsMap := dst[key].(map[string]interface{})
		if storedIsMap && existingIsMap {
			mergeValues(existingMap, storedMap)
			continue
		}
		dst[key] = stored
	}
}

// Save writes the current values to the store's path as YAML, creating the
// parent directory when needed. It reports success; failures are logged, not
// returned, so callers that do not care about persistence can ignore them.
func (s *Store) Save() bool {
	s.mu.RLock()
	data, err := yaml.Marshal(s.values)
	s.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal configuration")
		return false
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to create configuration directory")
		return false
	}
	if err := fileutil.WriteAtomic(s.path, data, 0644); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to write configuration file")
		return false
	}
	return true
}

// Snapshot returns a copy of the full configuration state, safe for the
// caller to modify.
func (s *Store) Snapshot() map[string]map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(s.values))
	for name, sec := range s.values {
		copied := make(map[string]interface{}, len(sec))
		for k, v := range sec {
			copied[k] = v
		}
		out[name] = copied
	}
	return out
}

// DataDir returns the configured data directory.
func (s *Store) DataDir() string {
	return s.GetString("general", "data_dir", ".")
}

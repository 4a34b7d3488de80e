// Package models defines the data structures shared by the ASSHM core:
// connection profiles, IPAM subnets and address entries, and the usage
// statistics derived from them.
package models

import (
	"strings"
	"time"
)

// Session represents a stored connection profile for an external SSH/SFTP/RDP
// client. Name is the primary key; renaming is modeled as delete plus add in
// the caller, so no internal identifier survives a rename.
type Session struct {
	Name            string     `json:"name"`
	Host            string     `json:"host"`
	Username        string     `json:"username"`
	Password        string     `json:"password"`
	Group           string     `json:"group"`
	Tags            []string   `json:"tags"`
	Description     string     `json:"description"`
	KeyFile         string     `json:"key_file"`
	Params          string     `json:"params"`
	LastConnection  *time.Time `json:"last_connection"`
	ConnectionCount int        `json:"connection_count"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.LastConnection != nil {
		t := *s.LastConnection
		out.LastConnection = &t
	}
	return out
}

// HasTag reports whether the session carries the given tag.
func (s Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesSearch reports whether term occurs case-insensitively in the
// session's name, host, or description.
func (s Session) MatchesSearch(term string) bool {
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(s.Name), term) ||
		strings.Contains(strings.ToLower(s.Host), term) ||
		strings.Contains(strings.ToLower(s.Description), term)
}

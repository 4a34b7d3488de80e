// Package sshkeys inspects private key files for format mismatches between
// OpenSSH-style keys and the PPK format PuTTY clients require.
package sshkeys

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// opensshMarkers are the PEM armor headers identifying key formats that
// PuTTY cannot load directly.
var opensshMarkers = []string{
	"BEGIN OPENSSH PRIVATE KEY",
	"BEGIN RSA PRIVATE KEY",
	"BEGIN DSA PRIVATE KEY",
	"BEGIN EC PRIVATE KEY",
}

// IsPPKFile reports whether the path points at a PuTTY private key, judged
// by extension.
func IsPPKFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".ppk")
}

// IsOpenSSHFormat reports whether the file's first line carries a PEM armor
// header for an OpenSSH-style private key. Unreadable files report false.
func IsOpenSSHFormat(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return false
	}
	firstLine := strings.TrimSpace(scanner.Text())
	for _, marker := range opensshMarkers {
		if strings.Contains(firstLine, marker) {
			return true
		}
	}
	return false
}

// SuggestedPPKPath returns where a converted PPK copy of the key would live,
// swapping the file extension for .ppk.
func SuggestedPPKPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".ppk"
}

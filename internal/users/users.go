// Package users loads the station credential file and answers login checks.
package users

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Directory is the set of callsigns allowed to log in. Lookups are
// case-insensitive on the callsign.
type Directory struct {
	creds map[string]string
}

// Load reads a JSON object of callsign to password. A missing or unreadable
// file yields an empty directory so the server still answers connections
// (every login fails); a malformed file is an error.
func Load(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &Directory{creds: map[string]string{}}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("users: parse %s: %w", path, err)
	}
	creds := make(map[string]string, len(m))
	for call, pw := range m {
		creds[normalize(call)] = pw
	}
	return &Directory{creds: creds}, nil
}

// Authenticate checks a callsign and password pair. The password compare
// is constant time, and unknown callsigns pay the same compare cost.
func (d *Directory) Authenticate(callsign, password string) bool {
	want, ok := d.creds[normalize(callsign)]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// Count reports how many callsigns are registered.
func (d *Directory) Count() int { return len(d.creds) }

func normalize(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

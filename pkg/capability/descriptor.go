// Package capability describes what a sandboxed plugin may reach through the
// host and which announcements the host accepts from it.
package capability

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrDenied is returned when an operation falls outside a plugin's capabilities
var ErrDenied = errors.New("capability denied")

// Descriptor is the capability ceiling a host grants a sandbox at init.
// The sandbox only advertises it; the host enforces it.
type Descriptor struct {
	DBRead        bool     `json:"dbRead"`
	DBWrite       bool     `json:"dbWrite"`
	FSRead        bool     `json:"fsRead"`
	HTTPAllowlist []string `json:"httpAllowlist,omitempty"`
}

// Clone returns a copy that shares no memory with d.
func (d Descriptor) Clone() Descriptor {
	d.HTTPAllowlist = slices.Clone(d.HTTPAllowlist)
	return d
}

// AllowsHost reports whether host matches an allowlist entry. Entries are exact
// hostnames, "*.suffix" wildcards, or "*" for any host.
func (d Descriptor) AllowsHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, entry := range d.HTTPAllowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "*":
			return true
		case strings.HasPrefix(entry, "*."):
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
		case entry == host:
			return true
		}
	}
	return false
}

// CheckURL returns nil when raw is an http(s) URL whose host is allowlisted.
func (d Descriptor) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrDenied, u.Scheme)
	}
	if !d.AllowsHost(u.Hostname()) {
		return fmt.Errorf("%w: host %q is not in the allowlist", ErrDenied, u.Hostname())
	}
	return nil
}

// CheckDB returns nil when database access of the given kind is granted.
func (d Descriptor) CheckDB(write bool) error {
	if write && !d.DBWrite {
		return fmt.Errorf("%w: database write", ErrDenied)
	}
	if !write && !d.DBRead {
		return fmt.Errorf("%w: database read", ErrDenied)
	}
	return nil
}

// CheckFS returns nil when filesystem reads are granted.
func (d Descriptor) CheckFS() error {
	if !d.FSRead {
		return fmt.Errorf("%w: filesystem read", ErrDenied)
	}
	return nil
}

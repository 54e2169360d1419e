package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a granted right such as "route:GET:/ping", "hook:cms_saved" or "cron:nightly".
type Permission string

// RoutePermission is the default permission name for a route.
func RoutePermission(method, path string) Permission {
	return Permission("route:" + strings.ToUpper(method) + ":" + path)
}

// HookPermission is the default permission name for a hook.
func HookPermission(name string) Permission {
	return Permission("hook:" + name)
}

// CronPermission is the default permission name for a scheduled job.
func CronPermission(name string) Permission {
	return Permission("cron:" + name)
}

// Grants is the set of permissions a host granted one plugin.
// An entry ending in "*" grants every permission with that prefix.
type Grants struct {
	permissions map[Permission]bool
	prefixes    []string
}

// NewGrants creates a grant set from the given permissions
func NewGrants(permissions ...Permission) *Grants {
	g := &Grants{permissions: make(map[Permission]bool)}
	for _, perm := range permissions {
		if strings.HasSuffix(string(perm), "*") {
			g.prefixes = append(g.prefixes, strings.TrimSuffix(string(perm), "*"))
		}
		g.permissions[perm] = true
	}
	return g
}

// ParseGrants creates a grant set from plain strings, ignoring blanks
func ParseGrants(values []string) *Grants {
	perms := make([]Permission, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			perms = append(perms, Permission(v))
		}
	}
	return NewGrants(perms...)
}

// Check reports whether the permission is granted
func (g *Grants) Check(permission Permission) bool {
	if g == nil {
		return false
	}
	if g.permissions[permission] {
		return true
	}
	for _, prefix := range g.prefixes {
		if strings.HasPrefix(string(permission), prefix) {
			return true
		}
	}
	return false
}

// Require returns ErrDenied if the permission is not granted
func (g *Grants) Require(permission Permission) error {
	if !g.Check(permission) {
		return fmt.Errorf("%w: %s", ErrDenied, permission)
	}
	return nil
}

// All returns every granted permission in sorted order
func (g *Grants) All() []Permission {
	if g == nil {
		return nil
	}
	perms := make([]Permission, 0, len(g.permissions))
	for perm := range g.permissions {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// HasAny checks if at least one of the given permissions is granted
func (g *Grants) HasAny(permissions ...Permission) bool {
	for _, perm := range permissions {
		if g.Check(perm) {
			return true
		}
	}
	return false
}

// HasAll checks if every given permission is granted
func (g *Grants) HasAll(permissions ...Permission) bool {
	for _, perm := range permissions {
		if !g.Check(perm) {
			return false
		}
	}
	return true
}

// Missing returns the permissions from wanted that are not granted
func (g *Grants) Missing(wanted ...Permission) []Permission {
	var missing []Permission
	for _, perm := range wanted {
		if !g.Check(perm) {
			missing = append(missing, perm)
		}
	}
	return missing
}

// Package route resolves "METHOD path" pairs against registered patterns.
// Patterns are slash-separated; a segment starting with ":" captures the
// request segment under that name.
package route

import (
	"strings"
	"sync"
)

// Entry is one registered route.
type Entry[H any] struct {
	Method     string
	Pattern    string
	Permission string
	Handler    H
}

// Match is the result of a successful lookup.
type Match[H any] struct {
	Entry  *Entry[H]
	Params map[string]string
	// Exact is true when the lookup hit the METHOD:PATH index without scanning.
	Exact bool
}

// Table holds routes in registration order. Registration order is matching
// priority: the first pattern that matches wins, regardless of specificity.
type Table[H any] struct {
	mu      sync.RWMutex
	exact   map[string]*Entry[H]
	ordered []*Entry[H]
}

// NewTable creates an empty table
func NewTable[H any]() *Table[H] {
	return &Table[H]{
		exact: make(map[string]*Entry[H]),
	}
}

// Key is the exact-match index key for a method and path.
func Key(method, path string) string {
	return strings.ToUpper(method) + ":" + path
}

// Add registers a route. Adding the same METHOD:PATH again replaces the handler
// and keeps the original priority slot.
func (t *Table[H]) Add(method, pattern string, handler H, permission string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(method, pattern)
	if existing, ok := t.exact[key]; ok {
		existing.Handler = handler
		existing.Permission = permission
		return
	}

	entry := &Entry[H]{
		Method:     strings.ToUpper(method),
		Pattern:    pattern,
		Permission: permission,
		Handler:    handler,
	}
	t.exact[key] = entry
	t.ordered = append(t.ordered, entry)
}

// Lookup resolves a request. The exact index is consulted first; otherwise
// entries are scanned in registration order.
func (t *Table[H]) Lookup(method, path string) (Match[H], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if entry, ok := t.exact[Key(method, path)]; ok {
		return Match[H]{Entry: entry, Params: map[string]string{}, Exact: true}, true
	}

	method = strings.ToUpper(method)
	pathSegments := strings.Split(path, "/")
	for _, entry := range t.ordered {
		if entry.Method != method {
			continue
		}
		if params, ok := matchSegments(strings.Split(entry.Pattern, "/"), pathSegments); ok {
			return Match[H]{Entry: entry, Params: params}, true
		}
	}

	return Match[H]{}, false
}

// Entries returns a snapshot of the routes in registration order
func (t *Table[H]) Entries() []Entry[H] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry[H], 0, len(t.ordered))
	for _, entry := range t.ordered {
		out = append(out, *entry)
	}
	return out
}

// Len returns the number of registered routes
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ordered)
}

// Clear removes every route
func (t *Table[H]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exact = make(map[string]*Entry[H])
	t.ordered = nil
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}

	params := make(map[string]string)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}

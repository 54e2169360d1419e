package plugin

import (
	"sort"
	"sync"
)

// hookTable keeps hook handlers in registration order.
type hookTable struct {
	mu       sync.RWMutex
	handlers map[string][]HookHandler
}

func newHookTable() *hookTable {
	return &hookTable{
		handlers: make(map[string][]HookHandler),
	}
}

func (h *hookTable) add(name string, handler HookHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = append(h.handlers[name], handler)
}

func (h *hookTable) list(name string) []HookHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()

	handlers := h.handlers[name]
	out := make([]HookHandler, len(handlers))
	copy(out, handlers)
	return out
}

func (h *hookTable) names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

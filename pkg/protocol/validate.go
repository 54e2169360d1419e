package protocol

import (
	"fmt"
	"strings"
)

// Validate checks the structural rules every message must satisfy before it is
// sent or after it is received.
func Validate(msg Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	if c, ok := msg.(Correlated); ok && c.CorrelationID() == "" {
		return fmt.Errorf("%w: %s", ErrMissingID, msg.Kind())
	}

	switch m := msg.(type) {
	case Init:
		if m.PluginName == "" {
			return invalid(m, "pluginName is required")
		}
	case RegisterRoute:
		if m.Method == "" {
			return invalid(m, "method is required")
		}
		if !strings.HasPrefix(m.Path, "/") {
			return invalid(m, "path must start with /")
		}
	case RegisterHook:
		if m.Name == "" {
			return invalid(m, "name is required")
		}
	case RegisterUISlot:
		if m.Slot == "" {
			return invalid(m, "slot is required")
		}
	case RegisterAsset:
		if m.URL == "" {
			return invalid(m, "url is required")
		}
	case RegisterWidget:
		if m.Widget == "" {
			return invalid(m, "widget is required")
		}
	case RegisterCron:
		if m.Schedule == "" {
			return invalid(m, "schedule is required")
		}
	case InvokeHook:
		if m.Name == "" {
			return invalid(m, "name is required")
		}
	case Lifecycle:
		if m.Phase != PhaseDeactivate {
			return invalid(m, fmt.Sprintf("unknown phase %q", m.Phase))
		}
	case RouteResult:
		if m.Response.Status < 100 || m.Response.Status > 599 {
			return invalid(m, fmt.Sprintf("status %d out of range", m.Response.Status))
		}
	case DBRequest:
		if !m.Req.Operation.Valid() {
			return invalid(m, fmt.Sprintf("unknown operation %q", m.Req.Operation))
		}
		if m.Req.Table == "" {
			return invalid(m, "table is required")
		}
	case DBResponse:
		if m.Data != nil && m.Error != "" {
			return fmt.Errorf("%w: %s %s", ErrAmbiguousResponse, m.Kind(), m.ID)
		}
	case FetchResult:
		if m.Response != nil && m.Error != "" {
			return fmt.Errorf("%w: %s %s", ErrAmbiguousResponse, m.Kind(), m.ID)
		}
		if m.Response == nil && m.Error == "" {
			return fmt.Errorf("%w: %s %s", ErrEmptyResponse, m.Kind(), m.ID)
		}
	case FSRead:
		if m.Method != FSReadText && m.Method != FSReadFile {
			return invalid(m, fmt.Sprintf("unknown method %q", m.Method))
		}
		if m.Path == "" {
			return invalid(m, "path is required")
		}
	case FSResult:
		if m.Data != nil && m.Error != "" {
			return fmt.Errorf("%w: %s %s", ErrAmbiguousResponse, m.Kind(), m.ID)
		}
	}

	return nil
}

func invalid(msg Message, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, msg.Kind(), reason)
}

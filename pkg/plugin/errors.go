package plugin

import (
	"errors"
	"fmt"

	"github.com/harun/sandbridge/pkg/protocol"
)

var (
	// ErrPluginNotFound is returned when the catalog has no plugin under the requested name
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginExists is returned when a name is registered twice in a catalog
	ErrPluginExists = errors.New("plugin already registered")

	// ErrInvalidRegistration is returned when a registration is missing required fields
	ErrInvalidRegistration = errors.New("invalid registration")
)

// BridgeError is the error a host returns for a db, fetch or fs request.
type BridgeError struct {
	Kind    protocol.Kind
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPError lets a route handler choose the status of an error response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates an HTTPError
func NewHTTPError(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

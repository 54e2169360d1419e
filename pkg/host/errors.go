package host

import "errors"

var (
	// ErrInvalidManifest is returned when a manifest fails schema or semantic validation
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrIncompatible is returned when a plugin requires a newer host
	ErrIncompatible = errors.New("plugin is not compatible with this host")

	// ErrPermissionsNotGranted is returned when a manifest requests permissions the host did not grant
	ErrPermissionsNotGranted = errors.New("manifest requests permissions not granted")

	// ErrSandboxNotFound is returned when no sandbox is running for a plugin
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrSandboxExists is returned when a plugin already has a running sandbox
	ErrSandboxExists = errors.New("sandbox already running")

	// ErrInitFailed is returned when a sandbox answers init with an error
	ErrInitFailed = errors.New("plugin initialization failed")

	// ErrNotReady is returned for invocations of a sandbox that is not ready
	ErrNotReady = errors.New("sandbox not ready")

	// ErrRouteNotFound is returned when no accepted route matches a request
	ErrRouteNotFound = errors.New("route handler not found")

	// ErrServiceUnavailable is returned for bridge requests the host has no service for
	ErrServiceUnavailable = errors.New("service not available")
)

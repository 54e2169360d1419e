// Package plugin is the sandbox side of the bridge: it loads a plugin,
// records the routes, hooks and jobs it registers, and serves invocations
// arriving from the host.
package plugin

import (
	"context"
)

// Plugin is the interface that plugins must implement
type Plugin interface {
	// Register is called once after init. Every extension the plugin offers
	// must be registered through api.
	Register(ctx context.Context, api *API) error
}

// Activator is implemented by plugins that need a hook after registration
type Activator interface {
	OnActivate(ctx context.Context, api *API) error
}

// Deactivator is implemented by plugins that release resources on deactivation
type Deactivator interface {
	OnDeactivate(ctx context.Context) error
}

// RegisterFunc adapts a function to the Plugin interface
type RegisterFunc func(ctx context.Context, api *API) error

// Register calls f(ctx, api)
func (f RegisterFunc) Register(ctx context.Context, api *API) error {
	return f(ctx, api)
}

// SDK is the set of host services a handler can reach.
type SDK struct {
	DB    *DBClient
	Fetch *FetchClient
	FS    *FSClient
}

// RouteHandler serves one routed request. The returned value becomes the
// response body with status 200 unless it is a *Response.
type RouteHandler func(ctx context.Context, req *Request, sdk SDK) (any, error)

// HookHandler handles one hook invocation
type HookHandler func(ctx context.Context, args ...any) error

// CronHandler runs on every tick of a schedule
type CronHandler func(ctx context.Context) error

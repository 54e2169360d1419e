package plugin

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/pkg/capability"
	"github.com/harun/sandbridge/pkg/protocol"
)

// API is the only object a plugin receives. Registrations are stored locally
// and announced to the host; the SDK clients are the plugin's only way out of
// the sandbox.
type API struct {
	rt           *Runtime
	pluginName   string
	capabilities capability.Descriptor
	config       map[string]any
	logger       zerolog.Logger
	sdk          SDK
}

// RegisterOption customizes a registration
type RegisterOption func(*registration)

type registration struct {
	permission string
}

// WithPermission names the permission the host should check for the registration
func WithPermission(permission string) RegisterOption {
	return func(r *registration) {
		r.permission = permission
	}
}

func applyOptions(opts []RegisterOption) registration {
	var r registration
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func newAPI(rt *Runtime, init protocol.Init, logger zerolog.Logger) *API {
	return &API{
		rt:           rt,
		pluginName:   init.PluginName,
		capabilities: init.Capabilities.Clone(),
		config:       maps.Clone(init.Config),
		logger:       logger,
		sdk:          rt.sdk,
	}
}

// PluginName returns the name the host loaded this plugin under
func (a *API) PluginName() string { return a.pluginName }

// Capabilities returns a copy of the capability descriptor sent by the host
func (a *API) Capabilities() capability.Descriptor { return a.capabilities.Clone() }

// Config returns a copy of the plugin configuration sent by the host
func (a *API) Config() map[string]any { return maps.Clone(a.config) }

// Logger returns a logger scoped to this plugin
func (a *API) Logger() *zerolog.Logger { return &a.logger }

// SDK returns the host service clients
func (a *API) SDK() SDK { return a.sdk }

// DB returns the database client
func (a *API) DB() *DBClient { return a.sdk.DB }

// Fetch returns the outbound HTTP client
func (a *API) Fetch() *FetchClient { return a.sdk.Fetch }

// FS returns the file reader
func (a *API) FS() *FSClient { return a.sdk.FS }

// RegisterRoute stores a route handler and announces the route to the host
func (a *API) RegisterRoute(ctx context.Context, method, path string, handler RouteHandler, opts ...RegisterOption) error {
	if method == "" || !strings.HasPrefix(path, "/") || handler == nil {
		return fmt.Errorf("%w: route %s %q", ErrInvalidRegistration, method, path)
	}
	reg := applyOptions(opts)
	method = strings.ToUpper(method)

	a.rt.routes.Add(method, path, handler, reg.permission)
	a.logger.Debug().Str("method", method).Str("path", path).Msg("Route registered")

	return a.rt.send(ctx, protocol.RegisterRoute{Method: method, Path: path, Permission: reg.permission})
}

// RegisterHook appends a handler to the named hook and announces it
func (a *API) RegisterHook(ctx context.Context, name string, handler HookHandler, opts ...RegisterOption) error {
	if name == "" || handler == nil {
		return fmt.Errorf("%w: hook %q", ErrInvalidRegistration, name)
	}
	reg := applyOptions(opts)

	a.rt.hooks.add(name, handler)
	a.logger.Debug().Str("hook", name).Msg("Hook registered")

	return a.rt.send(ctx, protocol.RegisterHook{Name: name, Permission: reg.permission})
}

// RegisterUISlot announces a UI extension point
func (a *API) RegisterUISlot(ctx context.Context, slot, label, url string) error {
	if slot == "" {
		return fmt.Errorf("%w: ui slot needs a name", ErrInvalidRegistration)
	}
	return a.rt.send(ctx, protocol.RegisterUISlot{Slot: slot, Label: label, URL: url})
}

// RegisterAsset announces a static asset
func (a *API) RegisterAsset(ctx context.Context, kind protocol.AssetKind, url string) error {
	if url == "" {
		return fmt.Errorf("%w: asset needs a url", ErrInvalidRegistration)
	}
	return a.rt.send(ctx, protocol.RegisterAsset{Type: kind, URL: url})
}

// RegisterWidget announces a dashboard widget
func (a *API) RegisterWidget(ctx context.Context, widget, label, renderURL string) error {
	if widget == "" {
		return fmt.Errorf("%w: widget needs a name", ErrInvalidRegistration)
	}
	return a.rt.send(ctx, protocol.RegisterWidget{Widget: widget, Label: label, RenderURL: renderURL})
}

// RegisterCron starts running handler on schedule and announces the job.
// The job runs whether or not the host accepts the announcement.
func (a *API) RegisterCron(ctx context.Context, schedule string, handler CronHandler, opts ...RegisterOption) error {
	if handler == nil {
		return fmt.Errorf("%w: cron %q has no handler", ErrInvalidRegistration, schedule)
	}
	reg := applyOptions(opts)

	if _, err := a.rt.cron.add(schedule, handler); err != nil {
		return err
	}
	a.logger.Debug().Str("schedule", schedule).Msg("Cron job scheduled")

	return a.rt.send(ctx, protocol.RegisterCron{Schedule: schedule, Permission: reg.permission})
}

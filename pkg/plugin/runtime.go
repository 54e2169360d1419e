package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/internal/metrics"
	"github.com/harun/sandbridge/pkg/pending"
	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/route"
	"github.com/harun/sandbridge/pkg/transport"
)

// State is the lifecycle state of a sandbox runtime
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateInert
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateInert:
		return "inert"
	default:
		return "unknown"
	}
}

// Options configures a Runtime
type Options struct {
	Logger  zerolog.Logger
	Catalog *Catalog
	Metrics *metrics.Metrics

	// PendingTimeout bounds every db, fetch and fs call. Zero waits until the
	// caller's context ends.
	PendingTimeout time.Duration

	// AllowMissingPlugin reports ready instead of error when the catalog has
	// no plugin under the requested name.
	AllowMissingPlugin bool

	// IDGenerator overrides the correlation id generator.
	IDGenerator func() (string, error)

	// Location is the time zone cron schedules are evaluated in.
	Location *time.Location
}

// Runtime is one sandbox. It owns every registry for the plugin it hosts and
// talks to the host only through its transport.Conn.
type Runtime struct {
	conn    transport.Conn
	catalog *Catalog
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	routes  *route.Table[RouteHandler]
	hooks   *hookTable
	pending *pending.Table
	cron    *cronScheduler
	sdk     SDK

	mu           sync.RWMutex
	state        State
	name         string
	pluginLogger zerolog.Logger
	plugin       Plugin
	serving      bool
	initDone     chan struct{}
	stopping     chan struct{}

	wg        sync.WaitGroup
	lifecycle sync.WaitGroup
}

// New creates a runtime bound to conn
func New(conn transport.Conn, opts Options) *Runtime {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog
	}

	logger := opts.Logger.With().Str("component", "sandbox-runtime").Logger()

	r := &Runtime{
		conn:         conn,
		catalog:      catalog,
		opts:         opts,
		logger:       logger,
		pluginLogger: logger,
		metrics:      opts.Metrics,
		routes:       route.NewTable[RouteHandler](),
		hooks:        newHookTable(),
		initDone:     make(chan struct{}),
		stopping:     make(chan struct{}),
	}

	pendingOpts := []pending.Option{
		pending.WithObserver(func(n int) {
			r.metrics.SetPending(r.PluginName(), n)
		}),
	}
	if opts.IDGenerator != nil {
		pendingOpts = append(pendingOpts, pending.WithIDGenerator(opts.IDGenerator))
	}
	r.pending = pending.New(pendingOpts...)

	r.sdk = SDK{
		DB:    &DBClient{rt: r},
		Fetch: &FetchClient{rt: r},
		FS:    &FSClient{rt: r},
	}

	return r
}

// PluginName returns the plugin named in init, or "" before init
func (r *Runtime) PluginName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// State returns the current lifecycle state
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Outstanding returns the number of unanswered bridge calls
func (r *Runtime) Outstanding() int {
	return r.pending.Len()
}

// Serve reads messages until ctx ends or the channel closes. On return the
// scheduler is stopped, outstanding calls are rejected, and in-flight
// handlers have finished.
func (r *Runtime) Serve(ctx context.Context) error {
	r.mu.Lock()
	if r.serving {
		r.mu.Unlock()
		return errors.New("runtime is already serving")
	}
	r.serving = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cron = newCronScheduler(ctx, r.opts.Location, r.logger, r.metrics, r.PluginName)
	r.cron.start()
	defer r.shutdown(cancel)

	r.logger.Debug().Msg("Sandbox runtime serving")

	for {
		msg, err := r.conn.Recv(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case transport.IsClosed(err):
				r.logger.Debug().Msg("Boundary channel closed")
				return nil
			case errors.Is(err, transport.ErrMalformed):
				r.logger.Warn().Err(err).Msg("Dropping malformed message")
				continue
			default:
				return fmt.Errorf("failed to receive message: %w", err)
			}
		}
		r.dispatch(ctx, msg)
	}
}

func (r *Runtime) shutdown(cancel context.CancelFunc) {
	close(r.stopping)
	r.cron.stop()
	r.pending.Close(pending.ErrClosed)
	// Deactivation runs to completion before the context is cancelled.
	r.lifecycle.Wait()
	cancel()
	r.wg.Wait()
	r.logger.Debug().Str("state", r.State().String()).Msg("Sandbox runtime stopped")
}

func (r *Runtime) dispatch(ctx context.Context, msg protocol.Message) {
	if msg == nil {
		return
	}
	if err := protocol.Validate(msg); err != nil {
		r.logger.Warn().Err(err).Str("type", string(msg.Kind())).Msg("Dropping invalid message")
		return
	}

	switch m := msg.(type) {
	case protocol.DBResponse:
		r.settle(m.ID, protocol.KindDBRequest, m.Data, m.Error)

	case protocol.FetchResult:
		if m.Error != "" {
			r.settle(m.ID, protocol.KindFetch, nil, m.Error)
		} else {
			r.settle(m.ID, protocol.KindFetch, m.Response, "")
		}

	case protocol.FSResult:
		r.settle(m.ID, protocol.KindFSRead, m.Data, m.Error)

	case protocol.Init:
		r.startInit(ctx, m)

	case protocol.InvokeRoute:
		if r.inert(msg) {
			return
		}
		r.spawn(func() { r.handleRoute(ctx, m) })

	case protocol.InvokeHook:
		if r.inert(msg) {
			return
		}
		r.spawn(func() { r.handleHook(ctx, m) })

	case protocol.Lifecycle:
		if r.inert(msg) {
			return
		}
		r.lifecycle.Add(1)
		r.spawn(func() {
			defer r.lifecycle.Done()
			r.handleLifecycle(ctx, m)
		})

	default:
		r.logger.Warn().Str("type", string(msg.Kind())).Msg("Unexpected message from host")
	}
}

func (r *Runtime) inert(msg protocol.Message) bool {
	if r.State() != StateInert {
		return false
	}
	r.logger.Debug().Str("type", string(msg.Kind())).Msg("Sandbox is inert, ignoring message")
	return true
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) settle(id string, kind protocol.Kind, value any, message string) {
	var err error
	if message != "" {
		err = &BridgeError{Kind: kind, Message: message}
	}
	if !r.pending.Settle(id, value, err) {
		r.logger.Debug().Str("id", id).Str("type", string(kind.ResponseKind())).Msg("Dropping response for unknown call")
	}
}

func (r *Runtime) log() *zerolog.Logger {
	r.mu.RLock()
	l := r.pluginLogger
	r.mu.RUnlock()
	return &l
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runtime) startInit(ctx context.Context, m protocol.Init) {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		r.logger.Warn().Str("state", state.String()).Msg("Ignoring repeated init")
		return
	}
	r.state = StateInitializing
	r.name = m.PluginName
	r.pluginLogger = r.logger.With().Str("plugin", m.PluginName).Logger()
	r.mu.Unlock()

	// Registration may itself wait on bridge calls, so it cannot block the
	// receive loop that delivers their responses.
	r.spawn(func() { r.initialize(ctx, m) })
}

func (r *Runtime) initialize(ctx context.Context, m protocol.Init) {
	defer close(r.initDone)
	log := r.log()

	if err := r.load(ctx, m); err != nil {
		r.cron.stop()
		r.setState(StateInert)
		log.Error().Err(err).Msg("Plugin initialization failed")
		if sendErr := r.send(ctx, protocol.Error{Message: err.Error()}); sendErr != nil {
			log.Error().Err(sendErr).Msg("Failed to report initialization error")
		}
		return
	}

	r.setState(StateReady)
	log.Info().
		Int("routes", r.routes.Len()).
		Strs("hooks", r.hooks.names()).
		Int("cron", r.cron.entries()).
		Msg("Plugin ready")

	if err := r.send(ctx, protocol.Ready{}); err != nil {
		log.Error().Err(err).Msg("Failed to report ready")
	}
}

func (r *Runtime) load(ctx context.Context, m protocol.Init) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s panicked during registration: %v", m.PluginName, rec)
		}
	}()

	p, err := r.catalog.Load(m.PluginName)
	if err != nil {
		if errors.Is(err, ErrPluginNotFound) && r.opts.AllowMissingPlugin {
			r.log().Warn().Msg("Plugin not found, starting without extensions")
			return nil
		}
		return err
	}

	api := newAPI(r, m, *r.log())
	if err := p.Register(ctx, api); err != nil {
		return fmt.Errorf("failed to register plugin %s: %w", m.PluginName, err)
	}

	if activator, ok := p.(Activator); ok {
		if err := activator.OnActivate(ctx, api); err != nil {
			return fmt.Errorf("failed to activate plugin %s: %w", m.PluginName, err)
		}
	}

	r.mu.Lock()
	r.plugin = p
	r.mu.Unlock()
	return nil
}

// awaitReady blocks until init has finished and reports whether it succeeded.
func (r *Runtime) awaitReady(ctx context.Context) bool {
	select {
	case <-r.initDone:
	case <-ctx.Done():
		return false
	case <-r.stopping:
		select {
		case <-r.initDone:
		default:
			return false
		}
	}
	return r.State() == StateReady
}

func (r *Runtime) handleRoute(ctx context.Context, m protocol.InvokeRoute) {
	if !r.awaitReady(ctx) {
		r.logger.Debug().Str("id", m.ID).Msg("Dropping route invocation, plugin not ready")
		return
	}

	start := time.Now()
	resp := r.invokeRoute(ctx, m.Req)
	r.metrics.RecordRoute(r.PluginName(), resp.Status, time.Since(start))

	if err := r.send(ctx, protocol.RouteResult{ID: m.ID, Response: resp}); err != nil {
		r.log().Error().Err(err).Str("id", m.ID).Msg("Failed to send route result")
	}
}

func (r *Runtime) invokeRoute(ctx context.Context, req protocol.RouteRequest) (resp protocol.RouteResponse) {
	match, ok := r.routes.Lookup(req.Method, req.Path)
	if !ok {
		return errorResponse(http.StatusNotFound, "route handler not found")
	}

	log := r.log()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("method", req.Method).
				Str("path", req.Path).
				Msg("Route handler panicked")
			resp = errorResponse(http.StatusInternalServerError, fmt.Sprint(rec))
		}
	}()

	result, err := match.Entry.Handler(ctx, newRequest(req, match.Params), r.sdk)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status <= 599 {
			return errorResponse(httpErr.Status, httpErr.Message)
		}
		log.Error().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("Route handler failed")
		return errorResponse(http.StatusInternalServerError, err.Error())
	}

	return normalizeResponse(result)
}

func (r *Runtime) handleHook(ctx context.Context, m protocol.InvokeHook) {
	if !r.awaitReady(ctx) {
		return
	}

	handlers := r.hooks.list(m.Name)
	if len(handlers) == 0 {
		r.log().Debug().Str("hook", m.Name).Msg("No handlers for hook")
		return
	}

	for i, handler := range handlers {
		if err := runHook(ctx, handler, m.Args); err != nil {
			r.log().Error().Err(err).Str("hook", m.Name).Int("handler", i).Msg("Hook handler failed")
			r.metrics.RecordHookFailure(r.PluginName(), m.Name)
		}
	}
}

func runHook(ctx context.Context, handler HookHandler, args []any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook handler panicked: %v", rec)
		}
	}()
	return handler(ctx, args...)
}

func (r *Runtime) handleLifecycle(ctx context.Context, m protocol.Lifecycle) {
	if !r.awaitReady(ctx) {
		return
	}

	switch m.Phase {
	case protocol.PhaseDeactivate:
		r.cron.stop()

		r.mu.RLock()
		p := r.plugin
		r.mu.RUnlock()

		log := r.log()
		if d, ok := p.(Deactivator); ok {
			if err := deactivate(ctx, d); err != nil {
				log.Error().Err(err).Msg("Plugin deactivation failed")
			}
		}
		if err := r.send(ctx, protocol.Deactivated{}); err != nil {
			log.Debug().Err(err).Msg("Failed to acknowledge deactivation")
		}
		log.Info().Msg("Plugin deactivated")
	}
}

func deactivate(ctx context.Context, d Deactivator) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("deactivate panicked: %v", rec)
		}
	}()
	return d.OnDeactivate(ctx)
}

func (r *Runtime) send(ctx context.Context, msg protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	if err := r.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind(), err)
	}
	return nil
}

// call sends a correlated request and waits for its response.
func (r *Runtime) call(ctx context.Context, kind protocol.Kind, build func(id string) protocol.Message) (any, error) {
	c, err := r.pending.Begin(string(kind))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	if err := r.send(ctx, build(c.ID)); err != nil {
		r.pending.Cancel(c.ID)
		r.metrics.RecordBridgeCall(r.PluginName(), string(kind), err)
		return nil, err
	}

	result, err := c.Wait(ctx, r.opts.PendingTimeout)
	r.metrics.RecordBridgeCall(r.PluginName(), string(kind), err)
	return result, err
}

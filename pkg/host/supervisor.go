package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/internal/metrics"
	"github.com/harun/sandbridge/pkg/capability"
	"github.com/harun/sandbridge/pkg/pending"
	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/route"
	"github.com/harun/sandbridge/pkg/transport"
)

const (
	defaultReadyTimeout      = 10 * time.Second
	defaultDeactivateTimeout = 5 * time.Second
)

// PluginSpec is everything the host decides about one plugin before starting it.
type PluginSpec struct {
	Name       string
	Descriptor capability.Descriptor
	Grants     *capability.Grants
	Config     map[string]any
}

// SpecFromManifest builds a spec whose capabilities come from the manifest
// and whose announcement grants come from the host.
func SpecFromManifest(m *Manifest, grants *capability.Grants) PluginSpec {
	return PluginSpec{
		Name:       m.ID,
		Descriptor: m.Descriptor(),
		Grants:     grants,
		Config:     m.Config,
	}
}

// Options configures a Supervisor
type Options struct {
	Logger   zerolog.Logger
	Launcher Launcher
	Metrics  *metrics.Metrics

	DB    DBService
	Fetch FetchService
	FS    FSService

	// ReadyTimeout bounds the wait for ready after init.
	ReadyTimeout time.Duration
	// InvokeTimeout bounds every route invocation. Zero waits for the caller's context.
	InvokeTimeout time.Duration
	// DeactivateTimeout bounds how long Stop waits for the plugin to acknowledge deactivation.
	DeactivateTimeout time.Duration
}

// Supervisor starts sandboxes and relays between them and the host services.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
}

// NewSupervisor creates a supervisor
func NewSupervisor(opts Options) *Supervisor {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.DeactivateTimeout <= 0 {
		opts.DeactivateTimeout = defaultDeactivateTimeout
	}
	return &Supervisor{
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "supervisor").Logger(),
		sandboxes: make(map[string]*Sandbox),
	}
}

// Start launches a sandbox for spec, sends init and waits for ready.
func (s *Supervisor) Start(ctx context.Context, spec PluginSpec) (*Sandbox, error) {
	if spec.Name == "" {
		return nil, errors.New("plugin name is required")
	}
	if s.opts.Launcher == nil {
		return nil, errors.New("supervisor has no launcher")
	}

	s.mu.RLock()
	_, exists := s.sandboxes[spec.Name]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSandboxExists, spec.Name)
	}

	conn, err := s.opts.Launcher.Launch(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	sb := newSandbox(s, spec, conn)
	go sb.run()

	if err := sb.awaitReady(ctx); err != nil {
		sb.close()
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.sandboxes[spec.Name]; exists {
		s.mu.Unlock()
		sb.close()
		return nil, fmt.Errorf("%w: %s", ErrSandboxExists, spec.Name)
	}
	s.sandboxes[spec.Name] = sb
	s.mu.Unlock()

	s.opts.Metrics.SandboxStarted()
	s.logger.Info().
		Str("plugin", spec.Name).
		Int("routes", sb.routes.Len()).
		Msg("Sandbox started")

	return sb, nil
}

// Stop deactivates and closes the sandbox for name.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	sb, ok := s.sandboxes[name]
	delete(s.sandboxes, name)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, name)
	}

	if sb.State() == StateReady && !sb.isDeactivated() {
		if err := sb.send(ctx, protocol.Lifecycle{Phase: protocol.PhaseDeactivate}); err != nil {
			s.logger.Warn().Err(err).Str("plugin", name).Msg("Failed to deliver deactivate")
		} else if !sb.awaitDeactivated(ctx, s.opts.DeactivateTimeout) {
			s.logger.Warn().Str("plugin", name).Dur("timeout", s.opts.DeactivateTimeout).Msg("Sandbox did not acknowledge deactivate")
		}
	}
	sb.close()

	s.opts.Metrics.SandboxStopped()
	s.logger.Info().Str("plugin", name).Msg("Sandbox stopped")
	return nil
}

// Restart stops the running sandbox for spec.Name, if any, and starts a new one.
func (s *Supervisor) Restart(ctx context.Context, spec PluginSpec) (*Sandbox, error) {
	if err := s.Stop(ctx, spec.Name); err != nil && !errors.Is(err, ErrSandboxNotFound) {
		return nil, err
	}
	return s.Start(ctx, spec)
}

// Close stops every sandbox
func (s *Supervisor) Close(ctx context.Context) error {
	var errs []error
	for _, name := range s.Names() {
		if err := s.Stop(ctx, name); err != nil && !errors.Is(err, ErrSandboxNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the sandbox running for name
func (s *Supervisor) Get(name string) (*Sandbox, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb, ok := s.sandboxes[name]
	return sb, ok
}

// Names returns the running plugin names in sorted order
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sandboxes))
	for name := range s.sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) all() []*Sandbox {
	names := s.Names()
	out := make([]*Sandbox, 0, len(names))
	for _, name := range names {
		if sb, ok := s.Get(name); ok {
			out = append(out, sb)
		}
	}
	return out
}

// Statuses describes every running sandbox
func (s *Supervisor) Statuses() []Status {
	sandboxes := s.all()
	out := make([]Status, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, sb.Status())
	}
	return out
}

// InvokeRoute forwards a request to the plugin's sandbox and waits for its result.
func (s *Supervisor) InvokeRoute(ctx context.Context, name string, req protocol.RouteRequest) (protocol.RouteResponse, error) {
	sb, ok := s.Get(name)
	if !ok {
		return protocol.RouteResponse{}, fmt.Errorf("%w: %s", ErrSandboxNotFound, name)
	}
	return sb.InvokeRoute(ctx, req)
}

// InvokeHook delivers a hook to every sandbox that registered it and returns
// how many sandboxes it was delivered to. Hooks are fire-and-forget.
func (s *Supervisor) InvokeHook(ctx context.Context, name string, args ...any) (int, error) {
	if args == nil {
		args = []any{}
	}

	delivered := 0
	var errs []error
	for _, sb := range s.all() {
		if sb.State() != StateReady || !sb.HasHook(name) {
			continue
		}
		if err := sb.send(ctx, protocol.InvokeHook{Name: name, Args: args}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sb.Name(), err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Deactivate sends the deactivate lifecycle phase without closing the sandbox.
func (s *Supervisor) Deactivate(ctx context.Context, name string) error {
	sb, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, name)
	}
	return sb.send(ctx, protocol.Lifecycle{Phase: protocol.PhaseDeactivate})
}

// Slot is an accepted registerUiSlot announcement
type Slot struct {
	Plugin string `json:"plugin"`
	Slot   string `json:"slot"`
	Label  string `json:"label"`
	URL    string `json:"url"`
}

// Asset is an accepted registerAsset announcement
type Asset struct {
	Plugin string             `json:"plugin"`
	Kind   protocol.AssetKind `json:"kind"`
	URL    string             `json:"url"`
}

// Widget is an accepted registerWidget announcement
type Widget struct {
	Plugin    string `json:"plugin"`
	Widget    string `json:"widget"`
	Label     string `json:"label"`
	RenderURL string `json:"renderUrl"`
}

// Slots lists the UI slots of every running sandbox
func (s *Supervisor) Slots() []Slot {
	out := []Slot{}
	for _, sb := range s.all() {
		sb.mu.RLock()
		for _, m := range sb.slots {
			out = append(out, Slot{Plugin: sb.Name(), Slot: m.Slot, Label: m.Label, URL: m.URL})
		}
		sb.mu.RUnlock()
	}
	return out
}

// Assets lists the assets of every running sandbox
func (s *Supervisor) Assets() []Asset {
	out := []Asset{}
	for _, sb := range s.all() {
		sb.mu.RLock()
		for _, m := range sb.assets {
			out = append(out, Asset{Plugin: sb.Name(), Kind: m.Type, URL: m.URL})
		}
		sb.mu.RUnlock()
	}
	return out
}

// Widgets lists the widgets of every running sandbox
func (s *Supervisor) Widgets() []Widget {
	out := []Widget{}
	for _, sb := range s.all() {
		sb.mu.RLock()
		for _, m := range sb.widgets {
			out = append(out, Widget{Plugin: sb.Name(), Widget: m.Widget, Label: m.Label, RenderURL: m.RenderURL})
		}
		sb.mu.RUnlock()
	}
	return out
}

// SandboxState is the host's view of a sandbox
type SandboxState int

const (
	StateStarting SandboxState = iota
	StateReady
	StateFailed
	StateStopped
)

func (s SandboxState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a snapshot of one sandbox
type Status struct {
	Name        string   `json:"name"`
	State       string   `json:"state"`
	Routes      []string `json:"routes"`
	Hooks       []string `json:"hooks"`
	Cron        []string `json:"cron"`
	Outstanding int      `json:"outstanding"`
}

// Sandbox is the host end of one running sandbox. It keeps the registries of
// the announcements the host accepted and answers the sandbox's bridge requests.
type Sandbox struct {
	spec    PluginSpec
	conn    transport.Conn
	logger  zerolog.Logger
	opts    *Options
	pending *pending.Table
	routes  *route.Table[protocol.RegisterRoute]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	state   SandboxState
	initErr error
	hooks   []string
	slots   []protocol.RegisterUISlot
	assets  []protocol.RegisterAsset
	widgets []protocol.RegisterWidget
	cron    []protocol.RegisterCron

	ready     chan struct{}
	readyOnce sync.Once

	deactivated     chan struct{}
	deactivatedOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSandbox(s *Supervisor, spec PluginSpec, conn transport.Conn) *Sandbox {
	spec.Descriptor = spec.Descriptor.Clone()
	if spec.Grants == nil {
		spec.Grants = capability.NewGrants()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sandbox{
		spec:   spec,
		conn:   conn,
		logger: s.opts.Logger.With().Str("component", "sandbox-host").Str("plugin", spec.Name).Logger(),
		opts:   &s.opts,
		pending: pending.New(pending.WithIDGenerator(func() (string, error) {
			return uuid.NewString(), nil
		})),
		routes: route.NewTable[protocol.RegisterRoute](),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),

		deactivated: make(chan struct{}),
	}
}

// Name returns the plugin name
func (sb *Sandbox) Name() string { return sb.spec.Name }

// State returns the current state
func (sb *Sandbox) State() SandboxState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.state
}

// HasHook reports whether the host accepted a handler for name
func (sb *Sandbox) HasHook(name string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for _, h := range sb.hooks {
		if h == name {
			return true
		}
	}
	return false
}

// Status returns a snapshot of the sandbox
func (sb *Sandbox) Status() Status {
	routes := make([]string, 0, sb.routes.Len())
	for _, e := range sb.routes.Entries() {
		routes = append(routes, route.Key(e.Method, e.Pattern))
	}

	sb.mu.RLock()
	defer sb.mu.RUnlock()

	cron := make([]string, 0, len(sb.cron))
	for _, c := range sb.cron {
		cron = append(cron, c.Schedule)
	}

	return Status{
		Name:        sb.spec.Name,
		State:       sb.state.String(),
		Routes:      routes,
		Hooks:       append([]string{}, sb.hooks...),
		Cron:        cron,
		Outstanding: sb.pending.Len(),
	}
}

func (sb *Sandbox) awaitReady(ctx context.Context) error {
	init := protocol.Init{
		PluginName:   sb.spec.Name,
		Capabilities: sb.spec.Descriptor.Clone(),
		Config:       sb.spec.Config,
	}
	if err := sb.send(ctx, init); err != nil {
		return err
	}

	timer := time.NewTimer(sb.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-sb.ready:
	case <-timer.C:
		return fmt.Errorf("%w: %s did not become ready within %s", ErrInitFailed, sb.spec.Name, sb.opts.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.initErr
}

func (sb *Sandbox) markReady(err error) {
	sb.readyOnce.Do(func() {
		sb.mu.Lock()
		if err != nil {
			sb.state = StateFailed
			sb.initErr = err
		} else {
			sb.state = StateReady
		}
		sb.mu.Unlock()
		close(sb.ready)
	})
}

func (sb *Sandbox) run() {
	defer close(sb.done)

	for {
		msg, err := sb.conn.Recv(sb.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrMalformed) {
				sb.logger.Warn().Err(err).Msg("Dropping malformed message from sandbox")
				continue
			}
			if sb.ctx.Err() == nil && !transport.IsClosed(err) {
				sb.logger.Error().Err(err).Msg("Sandbox channel failed")
			}
			break
		}
		sb.handle(msg)
	}

	sb.markReady(fmt.Errorf("%w: %s exited before ready", ErrInitFailed, sb.spec.Name))
	sb.pending.Close(transport.ErrClosed)

	sb.mu.Lock()
	if sb.state == StateReady {
		sb.state = StateStopped
	}
	sb.mu.Unlock()
}

func (sb *Sandbox) isDeactivated() bool {
	select {
	case <-sb.deactivated:
		return true
	default:
		return false
	}
}

// awaitDeactivated waits for the plugin's deactivate acknowledgement and
// reports whether it arrived.
func (sb *Sandbox) awaitDeactivated(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sb.deactivated:
		return true
	case <-sb.done:
		return sb.isDeactivated()
	case <-timer.C:
	case <-ctx.Done():
	}
	return false
}

func (sb *Sandbox) close() {
	sb.closeOnce.Do(func() {
		sb.cancel()
		if err := sb.conn.Close(); err != nil {
			sb.logger.Debug().Err(err).Msg("Closing sandbox channel")
		}
		<-sb.done
		sb.wg.Wait()

		sb.mu.Lock()
		sb.state = StateStopped
		sb.mu.Unlock()
	})
}

func (sb *Sandbox) send(ctx context.Context, msg protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	if err := sb.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Kind(), sb.spec.Name, err)
	}
	return nil
}

func (sb *Sandbox) handle(msg protocol.Message) {
	if err := protocol.Validate(msg); err != nil {
		sb.logger.Warn().Err(err).Msg("Dropping invalid message from sandbox")
		return
	}

	switch m := msg.(type) {
	case protocol.Ready:
		sb.markReady(nil)

	case protocol.Deactivated:
		sb.deactivatedOnce.Do(func() { close(sb.deactivated) })

	case protocol.Error:
		sb.logger.Error().Str("error", m.Message).Msg("Sandbox reported an initialization error")
		sb.markReady(fmt.Errorf("%w: %s", ErrInitFailed, m.Message))

	case protocol.RegisterRoute:
		perm := capability.Permission(m.Permission)
		if perm == "" {
			perm = capability.RoutePermission(m.Method, m.Path)
		}
		if !sb.authorize(m.Kind(), perm) {
			return
		}
		sb.routes.Add(m.Method, m.Path, m, string(perm))

	case protocol.RegisterHook:
		perm := capability.Permission(m.Permission)
		if perm == "" {
			perm = capability.HookPermission(m.Name)
		}
		if !sb.authorize(m.Kind(), perm) {
			return
		}
		sb.mu.Lock()
		if !containsString(sb.hooks, m.Name) {
			sb.hooks = append(sb.hooks, m.Name)
		}
		sb.mu.Unlock()

	case protocol.RegisterCron:
		// Jobs run inside the sandbox either way; this only decides whether
		// the host records them.
		if m.Permission != "" && !sb.authorize(m.Kind(), capability.Permission(m.Permission)) {
			return
		}
		sb.mu.Lock()
		sb.cron = append(sb.cron, m)
		sb.mu.Unlock()

	case protocol.RegisterUISlot:
		sb.mu.Lock()
		sb.slots = append(sb.slots, m)
		sb.mu.Unlock()

	case protocol.RegisterAsset:
		sb.mu.Lock()
		sb.assets = append(sb.assets, m)
		sb.mu.Unlock()

	case protocol.RegisterWidget:
		sb.mu.Lock()
		sb.widgets = append(sb.widgets, m)
		sb.mu.Unlock()

	case protocol.RouteResult:
		if !sb.pending.Settle(m.ID, m.Response, nil) {
			sb.logger.Debug().Str("id", m.ID).Msg("Dropping route result for unknown invocation")
		}

	case protocol.DBRequest:
		sb.serve(func(ctx context.Context) protocol.Message { return sb.serveDB(ctx, m) })

	case protocol.Fetch:
		sb.serve(func(ctx context.Context) protocol.Message { return sb.serveFetch(ctx, m) })

	case protocol.FSRead:
		sb.serve(func(ctx context.Context) protocol.Message { return sb.serveFS(ctx, m) })

	default:
		sb.logger.Warn().Str("type", string(msg.Kind())).Msg("Unexpected message from sandbox")
	}
}

func (sb *Sandbox) authorize(kind protocol.Kind, perm capability.Permission) bool {
	if sb.spec.Grants.Check(perm) {
		return true
	}
	sb.logger.Warn().
		Str("type", string(kind)).
		Str("permission", string(perm)).
		Msg("Rejected announcement, permission not granted")
	sb.opts.Metrics.RecordRejected(sb.spec.Name, string(kind))
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// serve answers a bridge request off the receive loop.
func (sb *Sandbox) serve(fn func(ctx context.Context) protocol.Message) {
	sb.wg.Add(1)
	go func() {
		defer sb.wg.Done()
		reply := fn(sb.ctx)
		if err := sb.send(sb.ctx, reply); err != nil && sb.ctx.Err() == nil {
			sb.logger.Warn().Err(err).Msg("Failed to answer bridge request")
		}
	}()
}

func (sb *Sandbox) serveDB(ctx context.Context, m protocol.DBRequest) protocol.Message {
	if err := sb.spec.Descriptor.CheckDB(m.Req.Operation.IsWrite()); err != nil {
		return protocol.DBResponse{ID: m.ID, Error: err.Error()}
	}
	if sb.opts.DB == nil {
		return protocol.DBResponse{ID: m.ID, Error: ErrServiceUnavailable.Error()}
	}

	data, err := sb.opts.DB.Execute(ctx, sb.spec.Name, m.Req)
	if err != nil {
		return protocol.DBResponse{ID: m.ID, Error: err.Error()}
	}
	return protocol.DBResponse{ID: m.ID, Data: data}
}

func (sb *Sandbox) serveFetch(ctx context.Context, m protocol.Fetch) protocol.Message {
	if err := sb.spec.Descriptor.CheckURL(m.URL); err != nil {
		return protocol.FetchResult{ID: m.ID, Error: err.Error()}
	}
	if sb.opts.Fetch == nil {
		return protocol.FetchResult{ID: m.ID, Error: ErrServiceUnavailable.Error()}
	}

	resp, err := sb.opts.Fetch.Fetch(ctx, sb.spec.Descriptor, m.URL, m.Init)
	if err != nil {
		return protocol.FetchResult{ID: m.ID, Error: err.Error()}
	}
	return protocol.FetchResult{ID: m.ID, Response: resp}
}

func (sb *Sandbox) serveFS(ctx context.Context, m protocol.FSRead) protocol.Message {
	if err := sb.spec.Descriptor.CheckFS(); err != nil {
		return protocol.FSResult{ID: m.ID, Error: err.Error()}
	}
	if sb.opts.FS == nil {
		return protocol.FSResult{ID: m.ID, Error: ErrServiceUnavailable.Error()}
	}

	data, err := sb.opts.FS.Read(ctx, sb.spec.Name, m.Path, m.Method)
	if err != nil {
		return protocol.FSResult{ID: m.ID, Error: err.Error()}
	}
	return protocol.FSResult{ID: m.ID, Data: data}
}

// InvokeRoute forwards req to the sandbox. Requests that match no accepted
// route fail with ErrRouteNotFound without crossing the boundary.
func (sb *Sandbox) InvokeRoute(ctx context.Context, req protocol.RouteRequest) (protocol.RouteResponse, error) {
	if sb.State() != StateReady {
		return protocol.RouteResponse{}, fmt.Errorf("%w: %s", ErrNotReady, sb.spec.Name)
	}

	req.Method = strings.ToUpper(req.Method)
	if _, ok := sb.routes.Lookup(req.Method, req.Path); !ok {
		return protocol.RouteResponse{}, fmt.Errorf("%w: %s %s", ErrRouteNotFound, req.Method, req.Path)
	}

	call, err := sb.pending.Begin(string(protocol.KindInvokeRoute))
	if err != nil {
		return protocol.RouteResponse{}, err
	}

	if err := sb.send(ctx, protocol.InvokeRoute{ID: call.ID, Req: req}); err != nil {
		sb.pending.Cancel(call.ID)
		return protocol.RouteResponse{}, err
	}

	result, err := call.Wait(ctx, sb.opts.InvokeTimeout)
	if err != nil {
		return protocol.RouteResponse{}, err
	}

	resp, ok := result.(protocol.RouteResponse)
	if !ok {
		return protocol.RouteResponse{}, fmt.Errorf("unexpected route result type %T", result)
	}
	return resp, nil
}

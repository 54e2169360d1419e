package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandbridge/pkg/capability"
	"github.com/harun/sandbridge/pkg/pending"
	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/transport"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	host   transport.Conn
	rt     *Runtime
	done   chan error
}

func startRuntime(t *testing.T, catalog *Catalog, opts Options) *harness {
	t.Helper()

	host, sandbox := transport.Pipe(64)
	opts.Catalog = catalog
	opts.Logger = zerolog.Nop()
	rt := New(sandbox, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h := &harness{
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		host:   host,
		rt:     rt,
		done:   make(chan error, 1),
	}
	go func() { h.done <- rt.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func catalogWith(t *testing.T, name string, fn RegisterFunc) *Catalog {
	t.Helper()
	c := NewCatalog()
	require.NoError(t, c.Add(name, Static(fn)))
	return c
}

func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	require.NoError(h.t, h.host.Send(h.ctx, msg))
}

func (h *harness) recv() protocol.Message {
	h.t.Helper()
	msg, err := h.host.Recv(h.ctx)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) recvWithin(d time.Duration) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(h.ctx, d)
	defer cancel()
	return h.host.Recv(ctx)
}

// init sends init and returns the announcements received before ready.
func (h *harness) init(name string, caps capability.Descriptor) []protocol.Message {
	h.t.Helper()
	h.send(protocol.Init{PluginName: name, Capabilities: caps})

	var announced []protocol.Message
	for {
		msg := h.recv()
		switch m := msg.(type) {
		case protocol.Ready:
			return announced
		case protocol.Error:
			h.t.Fatalf("init failed: %s", m.Message)
		default:
			announced = append(announced, msg)
		}
	}
}

func expect[T protocol.Message](t *testing.T, h *harness) T {
	t.Helper()
	msg := h.recv()
	typed, ok := msg.(T)
	require.Truef(t, ok, "unexpected message %T: %+v", msg, msg)
	return typed
}

func TestRuntime_RouteInvocation(t *testing.T) {
	catalog := catalogWith(t, "hello", func(ctx context.Context, api *API) error {
		if err := api.RegisterRoute(ctx, "GET", "/ping", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			return map[string]any{"ok": true}, nil
		}); err != nil {
			return err
		}
		if err := api.RegisterRoute(ctx, "GET", "/items/:id", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			return req.Params["id"], nil
		}); err != nil {
			return err
		}
		if err := api.RegisterRoute(ctx, "POST", "/fail", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			return nil, errors.New("boom")
		}); err != nil {
			return err
		}
		if err := api.RegisterRoute(ctx, "POST", "/panic", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			panic("kaboom")
		}); err != nil {
			return err
		}
		if err := api.RegisterRoute(ctx, "POST", "/teapot", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			return nil, NewHTTPError(418, "short and stout")
		}); err != nil {
			return err
		}
		return api.RegisterRoute(ctx, "POST", "/created", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			var in map[string]any
			if err := req.JSON(&in); err != nil {
				return nil, err
			}
			return &Response{Status: 201, Body: in, Headers: map[string]string{"X-Id": "7"}}, nil
		})
	})

	h := startRuntime(t, catalog, Options{})
	announced := h.init("hello", capability.Descriptor{})
	require.Len(t, announced, 6)
	assert.Equal(t, protocol.RegisterRoute{Method: "GET", Path: "/ping"}, announced[0])

	invoke := func(id, method, path string, body any) protocol.RouteResponse {
		h.send(protocol.InvokeRoute{ID: id, Req: protocol.RouteRequest{Method: method, Path: path, Body: body}})
		result := expect[protocol.RouteResult](t, h)
		assert.Equal(t, id, result.ID)
		return result.Response
	}

	t.Run("ping", func(t *testing.T) {
		resp := invoke("r1", "GET", "/ping", nil)
		assert.Equal(t, protocol.RouteResponse{
			Status:  200,
			Body:    map[string]any{"ok": true},
			Headers: map[string]string{},
		}, resp)
	})

	t.Run("path params", func(t *testing.T) {
		resp := invoke("r2", "GET", "/items/42", nil)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, "42", resp.Body)
	})

	t.Run("unmatched route", func(t *testing.T) {
		resp := invoke("r3", "GET", "/nope", nil)
		assert.Equal(t, 404, resp.Status)
		assert.Equal(t, map[string]any{"error": "route handler not found"}, resp.Body)
	})

	t.Run("handler error", func(t *testing.T) {
		resp := invoke("r4", "POST", "/fail", nil)
		assert.Equal(t, 500, resp.Status)
		assert.Equal(t, map[string]any{"error": "boom"}, resp.Body)
	})

	t.Run("handler panic keeps the sandbox alive", func(t *testing.T) {
		resp := invoke("r5", "POST", "/panic", nil)
		assert.Equal(t, 500, resp.Status)
		assert.Equal(t, map[string]any{"error": "kaboom"}, resp.Body)

		resp = invoke("r6", "GET", "/ping", nil)
		assert.Equal(t, 200, resp.Status)
	})

	t.Run("handler chosen status", func(t *testing.T) {
		resp := invoke("r7", "POST", "/teapot", nil)
		assert.Equal(t, 418, resp.Status)
	})

	t.Run("explicit response", func(t *testing.T) {
		resp := invoke("r8", "POST", "/created", `{"name":"a"}`)
		assert.Equal(t, 201, resp.Status)
		assert.Equal(t, map[string]any{"name": "a"}, resp.Body)
		assert.Equal(t, "7", resp.Headers["X-Id"])
	})
}

func TestRuntime_ConcurrentBridgeCalls(t *testing.T) {
	catalog := catalogWith(t, "pair", func(ctx context.Context, api *API) error {
		return api.RegisterRoute(ctx, "GET", "/pair", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			var wg sync.WaitGroup
			var a, b any
			var errA, errB error
			wg.Add(2)
			go func() {
				defer wg.Done()
				a, errA = sdk.DB.FindOne(ctx, "a", nil)
			}()
			go func() {
				defer wg.Done()
				b, errB = sdk.DB.FindOne(ctx, "b", nil)
			}()
			wg.Wait()
			if err := errors.Join(errA, errB); err != nil {
				return nil, err
			}
			return map[string]any{"a": a, "b": b}, nil
		})
	})

	h := startRuntime(t, catalog, Options{})
	h.init("pair", capability.Descriptor{DBRead: true})

	h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/pair"}})

	ids := map[string]string{}
	for i := 0; i < 2; i++ {
		req := expect[protocol.DBRequest](t, h)
		ids[req.Req.Table] = req.ID
	}
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids["a"], ids["b"])
	assert.Equal(t, 2, h.rt.Outstanding())

	h.send(protocol.DBResponse{ID: ids["b"], Data: "B"})
	h.send(protocol.DBResponse{ID: ids["a"], Data: "A"})

	result := expect[protocol.RouteResult](t, h)
	assert.Equal(t, map[string]any{"a": "A", "b": "B"}, result.Response.Body)
	assert.Equal(t, 0, h.rt.Outstanding())
}

func TestRuntime_CollectionFindOne(t *testing.T) {
	catalog := catalogWith(t, "items", func(ctx context.Context, api *API) error {
		return api.RegisterRoute(ctx, "GET", "/items/:id", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			return sdk.DB.Collection("x").FindOne(ctx, map[string]any{"id": 1})
		})
	})

	h := startRuntime(t, catalog, Options{
		IDGenerator: func() (string, error) { return "c1", nil },
	})
	h.init("items", capability.Descriptor{DBRead: true})

	h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/items/1"}})

	req := expect[protocol.DBRequest](t, h)
	assert.Equal(t, "c1", req.ID)
	assert.Equal(t, protocol.DBQuery{
		Operation: protocol.OpFindOne,
		Table:     "x",
		Where:     map[string]any{"id": 1},
	}, req.Req)

	h.send(protocol.DBResponse{ID: "c1", Data: map[string]any{"id": 1, "name": "a"}})

	result := expect[protocol.RouteResult](t, h)
	assert.Equal(t, 200, result.Response.Status)
	assert.Equal(t, map[string]any{"id": 1, "name": "a"}, result.Response.Body)
}

func TestRuntime_BridgeErrors(t *testing.T) {
	catalog := catalogWith(t, "err", func(ctx context.Context, api *API) error {
		return api.RegisterRoute(ctx, "POST", "/write", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			_, err := sdk.DB.Insert(ctx, "x", map[string]any{"a": 1})
			var bridgeErr *BridgeError
			if errors.As(err, &bridgeErr) {
				return map[string]any{"kind": string(bridgeErr.Kind), "message": bridgeErr.Message}, nil
			}
			return nil, err
		})
	})

	h := startRuntime(t, catalog, Options{})
	h.init("err", capability.Descriptor{})

	h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "POST", Path: "/write"}})
	req := expect[protocol.DBRequest](t, h)
	assert.Equal(t, protocol.OpInsert, req.Req.Operation)

	h.send(protocol.DBResponse{ID: req.ID, Error: "capability denied"})

	result := expect[protocol.RouteResult](t, h)
	assert.Equal(t, map[string]any{"kind": "dbRequest", "message": "capability denied"}, result.Response.Body)
}

func TestRuntime_FetchAndFS(t *testing.T) {
	catalog := catalogWith(t, "io", func(ctx context.Context, api *API) error {
		if err := api.RegisterRoute(ctx, "GET", "/remote", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			resp, err := sdk.Fetch.Do(ctx, "https://api.example.com/v", &protocol.FetchInit{Method: "GET"})
			if err != nil {
				return nil, err
			}
			var out map[string]any
			if err := resp.JSON(&out); err != nil {
				return nil, err
			}
			out["ok"] = resp.OK()
			out["type"] = resp.Header("content-type")
			return out, nil
		}); err != nil {
			return err
		}
		return api.RegisterRoute(ctx, "GET", "/readme", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			text, err := sdk.FS.ReadText(ctx, "README.md")
			if err != nil {
				return nil, err
			}
			raw, err := sdk.FS.ReadFile(ctx, "logo.bin")
			if err != nil {
				return nil, err
			}
			return map[string]any{"text": text, "size": len(raw)}, nil
		})
	})

	h := startRuntime(t, catalog, Options{})
	h.init("io", capability.Descriptor{FSRead: true, HTTPAllowlist: []string{"api.example.com"}})

	t.Run("fetch", func(t *testing.T) {
		h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/remote"}})

		fetch := expect[protocol.Fetch](t, h)
		assert.Equal(t, "https://api.example.com/v", fetch.URL)

		h.send(protocol.FetchResult{ID: fetch.ID, Response: &protocol.FetchResponse{
			Status:     200,
			StatusText: "OK",
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"v":1}`,
		}})

		result := expect[protocol.RouteResult](t, h)
		assert.Equal(t, map[string]any{"v": float64(1), "ok": true, "type": "application/json"}, result.Response.Body)
	})

	t.Run("fs", func(t *testing.T) {
		h.send(protocol.InvokeRoute{ID: "r2", Req: protocol.RouteRequest{Method: "GET", Path: "/readme"}})

		readText := expect[protocol.FSRead](t, h)
		assert.Equal(t, protocol.FSReadText, readText.Method)
		h.send(protocol.FSResult{ID: readText.ID, Data: "# hello"})

		readFile := expect[protocol.FSRead](t, h)
		assert.Equal(t, protocol.FSReadFile, readFile.Method)
		h.send(protocol.FSResult{ID: readFile.ID, Data: "AAEC"})

		result := expect[protocol.RouteResult](t, h)
		assert.Equal(t, map[string]any{"text": "# hello", "size": 3}, result.Response.Body)
	})
}

func TestRuntime_PendingTimeout(t *testing.T) {
	catalog := catalogWith(t, "slow", func(ctx context.Context, api *API) error {
		return api.RegisterRoute(ctx, "GET", "/slow", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			return sdk.DB.FindMany(ctx, "x", nil, WithLimit(10))
		})
	})

	h := startRuntime(t, catalog, Options{PendingTimeout: 50 * time.Millisecond})
	h.init("slow", capability.Descriptor{})

	h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/slow"}})
	req := expect[protocol.DBRequest](t, h)
	assert.Equal(t, 10, req.Req.Limit)

	result := expect[protocol.RouteResult](t, h)
	assert.Equal(t, 500, result.Response.Status)
	assert.Contains(t, result.Response.Body.(map[string]any)["error"], "timed out")

	// A late answer is dropped without disturbing the sandbox.
	h.send(protocol.DBResponse{ID: req.ID, Data: "late"})
	assert.Equal(t, 0, h.rt.Outstanding())
}

func TestRuntime_HookFanOut(t *testing.T) {
	var mu sync.Mutex
	var calls []int
	record := func(n int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, n)
	}

	catalog := catalogWith(t, "hooks", func(ctx context.Context, api *API) error {
		if err := api.RegisterHook(ctx, "cms_saved", func(ctx context.Context, args ...any) error {
			record(1)
			return nil
		}); err != nil {
			return err
		}
		if err := api.RegisterHook(ctx, "cms_saved", func(ctx context.Context, args ...any) error {
			return errors.New("second handler fails")
		}); err != nil {
			return err
		}
		return api.RegisterHook(ctx, "cms_saved", func(ctx context.Context, args ...any) error {
			record(3)
			if len(args) != 1 || args[0] != "post-1" {
				return errors.New("unexpected args")
			}
			return nil
		}, WithPermission("hook:cms_saved"))
	})

	h := startRuntime(t, catalog, Options{})
	announced := h.init("hooks", capability.Descriptor{})
	require.Len(t, announced, 3)
	assert.Equal(t, protocol.RegisterHook{Name: "cms_saved", Permission: "hook:cms_saved"}, announced[2])

	h.send(protocol.InvokeHook{Name: "cms_saved", Args: []any{"post-1"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 3}, calls)
	mu.Unlock()

	// Hooks never produce a reply.
	_, err := h.recvWithin(50 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRuntime_Announcements(t *testing.T) {
	catalog := catalogWith(t, "ui", func(ctx context.Context, api *API) error {
		if err := api.RegisterUISlot(ctx, "sidebar", "Stats", "/ui/stats"); err != nil {
			return err
		}
		if err := api.RegisterAsset(ctx, protocol.AssetScript, "/static/app.js"); err != nil {
			return err
		}
		if err := api.RegisterWidget(ctx, "visits", "Visits", "/widgets/visits"); err != nil {
			return err
		}
		return api.RegisterCron(ctx, "0 3 * * *", func(ctx context.Context) error { return nil }, WithPermission("cron:nightly"))
	})

	h := startRuntime(t, catalog, Options{})
	announced := h.init("ui", capability.Descriptor{})

	assert.Equal(t, []protocol.Message{
		protocol.RegisterUISlot{Slot: "sidebar", Label: "Stats", URL: "/ui/stats"},
		protocol.RegisterAsset{Type: protocol.AssetScript, URL: "/static/app.js"},
		protocol.RegisterWidget{Widget: "visits", Label: "Visits", RenderURL: "/widgets/visits"},
		protocol.RegisterCron{Schedule: "0 3 * * *", Permission: "cron:nightly"},
	}, announced)
	assert.Equal(t, StateReady, h.rt.State())
	assert.Equal(t, "ui", h.rt.PluginName())
}

func TestRuntime_CronKeepsTicking(t *testing.T) {
	var ticks atomic.Int32
	catalog := catalogWith(t, "cron", func(ctx context.Context, api *API) error {
		return api.RegisterCron(ctx, "@every 1s", func(ctx context.Context) error {
			n := ticks.Add(1)
			if n == 1 {
				panic("first tick blows up")
			}
			return errors.New("every tick fails")
		})
	})

	h := startRuntime(t, catalog, Options{})
	h.init("cron", capability.Descriptor{})

	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRuntime_InitFailures(t *testing.T) {
	t.Run("unknown plugin makes the sandbox inert", func(t *testing.T) {
		h := startRuntime(t, NewCatalog(), Options{})
		h.send(protocol.Init{PluginName: "ghost"})

		msg := expect[protocol.Error](t, h)
		assert.Contains(t, msg.Message, "plugin not found")
		assert.Equal(t, StateInert, h.rt.State())

		h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/ping"}})
		_, err := h.recvWithin(100 * time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("register error", func(t *testing.T) {
		catalog := catalogWith(t, "bad", func(ctx context.Context, api *API) error {
			return errors.New("missing config")
		})
		h := startRuntime(t, catalog, Options{})
		h.send(protocol.Init{PluginName: "bad"})

		msg := expect[protocol.Error](t, h)
		assert.Contains(t, msg.Message, "missing config")
	})

	t.Run("register panic", func(t *testing.T) {
		catalog := catalogWith(t, "bad", func(ctx context.Context, api *API) error {
			panic("nil map")
		})
		h := startRuntime(t, catalog, Options{})
		h.send(protocol.Init{PluginName: "bad"})

		msg := expect[protocol.Error](t, h)
		assert.Contains(t, msg.Message, "nil map")
	})

	t.Run("invalid cron schedule", func(t *testing.T) {
		catalog := catalogWith(t, "bad", func(ctx context.Context, api *API) error {
			return api.RegisterCron(ctx, "every tuesday", func(ctx context.Context) error { return nil })
		})
		h := startRuntime(t, catalog, Options{})
		h.send(protocol.Init{PluginName: "bad"})

		msg := expect[protocol.Error](t, h)
		assert.Contains(t, msg.Message, "invalid cron schedule")
	})

	t.Run("cron scheduled before a failure stops", func(t *testing.T) {
		var ticks atomic.Int32
		catalog := catalogWith(t, "bad", func(ctx context.Context, api *API) error {
			if err := api.RegisterCron(ctx, "@every 1s", func(ctx context.Context) error {
				ticks.Add(1)
				_, err := api.DB().FindMany(ctx, "notes", nil)
				return err
			}); err != nil {
				return err
			}
			return errors.New("late failure")
		})
		h := startRuntime(t, catalog, Options{})
		h.send(protocol.Init{PluginName: "bad"})

		expect[protocol.RegisterCron](t, h)
		msg := expect[protocol.Error](t, h)
		assert.Contains(t, msg.Message, "late failure")
		assert.Equal(t, StateInert, h.rt.State())

		_, err := h.recvWithin(2500 * time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, ticks.Load())
	})

	t.Run("missing plugin tolerated when allowed", func(t *testing.T) {
		h := startRuntime(t, NewCatalog(), Options{AllowMissingPlugin: true})
		h.init("ghost", capability.Descriptor{})

		h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/ping"}})
		result := expect[protocol.RouteResult](t, h)
		assert.Equal(t, 404, result.Response.Status)
	})
}

func TestRuntime_RepeatedInitIgnored(t *testing.T) {
	var registrations atomic.Int32
	catalog := catalogWith(t, "once", func(ctx context.Context, api *API) error {
		registrations.Add(1)
		return nil
	})

	h := startRuntime(t, catalog, Options{})
	h.init("once", capability.Descriptor{})
	h.send(protocol.Init{PluginName: "once"})

	_, err := h.recvWithin(100 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), registrations.Load())
}

type lifecyclePlugin struct {
	activated   atomic.Bool
	deactivated chan struct{}
}

func (p *lifecyclePlugin) Register(ctx context.Context, api *API) error {
	api.Logger().Debug().Str("plugin", api.PluginName()).Msg("Registering")
	return api.RegisterHook(ctx, "noop", func(ctx context.Context, args ...any) error { return nil })
}

func (p *lifecyclePlugin) OnActivate(ctx context.Context, api *API) error {
	p.activated.Store(true)
	return nil
}

func (p *lifecyclePlugin) OnDeactivate(ctx context.Context) error {
	close(p.deactivated)
	return nil
}

func TestRuntime_Lifecycle(t *testing.T) {
	p := &lifecyclePlugin{deactivated: make(chan struct{})}
	catalog := NewCatalog()
	require.NoError(t, catalog.Add("life", Static(p)))

	h := startRuntime(t, catalog, Options{})
	h.init("life", capability.Descriptor{})
	assert.True(t, p.activated.Load())

	h.send(protocol.Lifecycle{Phase: protocol.PhaseDeactivate})

	select {
	case <-p.deactivated:
	case <-time.After(2 * time.Second):
		t.Fatal("plugin was not deactivated")
	}
	expect[protocol.Deactivated](t, h)
}

type slowDeactivator struct {
	RegisterFunc
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (p *slowDeactivator) OnDeactivate(ctx context.Context) error {
	close(p.entered)
	<-p.release
	p.ctxErr <- ctx.Err()
	return nil
}

func TestRuntime_DeactivateFinishesBeforeShutdown(t *testing.T) {
	p := &slowDeactivator{
		RegisterFunc: func(ctx context.Context, api *API) error { return nil },
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
		ctxErr:       make(chan error, 1),
	}
	catalog := NewCatalog()
	require.NoError(t, catalog.Add("slow", Static(p)))

	h := startRuntime(t, catalog, Options{})
	h.init("slow", capability.Descriptor{})

	h.send(protocol.Lifecycle{Phase: protocol.PhaseDeactivate})
	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("deactivation did not start")
	}

	require.NoError(t, h.host.Close())
	select {
	case <-h.done:
		t.Fatal("Serve returned while deactivation was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(p.release)
	assert.NoError(t, <-p.ctxErr)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after deactivation")
	}
}

func TestRuntime_ShutdownRejectsOutstandingCalls(t *testing.T) {
	errs := make(chan error, 1)
	catalog := catalogWith(t, "stuck", func(ctx context.Context, api *API) error {
		return api.RegisterRoute(ctx, "GET", "/stuck", func(ctx context.Context, req *Request, sdk SDK) (any, error) {
			_, err := sdk.DB.FindMany(ctx, "x", nil)
			errs <- err
			return nil, err
		})
	})

	h := startRuntime(t, catalog, Options{})
	h.init("stuck", capability.Descriptor{})

	h.send(protocol.InvokeRoute{ID: "r1", Req: protocol.RouteRequest{Method: "GET", Path: "/stuck"}})
	expect[protocol.DBRequest](t, h)

	h.cancel()
	require.NoError(t, <-h.done)
	h.done <- nil

	err := <-errs
	require.Error(t, err)
	assert.True(t, errors.Is(err, pending.ErrClosed) || errors.Is(err, context.Canceled))
}

func TestRuntime_ClosedChannelEndsServe(t *testing.T) {
	h := startRuntime(t, NewCatalog(), Options{})
	require.NoError(t, h.host.Close())

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the channel closed")
	}
}

package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandbridge/internal/metrics"
	"github.com/harun/sandbridge/pkg/capability"
	"github.com/harun/sandbridge/pkg/plugin"
	"github.com/harun/sandbridge/pkg/protocol"
)

type testHost struct {
	sup         *Supervisor
	metrics     *metrics.Metrics
	hooks       chan []any
	deactivated chan struct{}
}

type lifecycleRecorder struct {
	plugin.RegisterFunc
	deactivated chan struct{}
	once        sync.Once
}

func (p *lifecycleRecorder) OnDeactivate(ctx context.Context) error {
	p.once.Do(func() { close(p.deactivated) })
	return nil
}

func helloPlugin(hooks chan []any) plugin.RegisterFunc {
	return func(ctx context.Context, api *plugin.API) error {
		routes := []struct {
			method  string
			path    string
			handler plugin.RouteHandler
			opts    []plugin.RegisterOption
		}{
			{"GET", "/ping", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				return map[string]any{"ok": true}, nil
			}, nil},
			{"GET", "/items/:id", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				return sdk.DB.Collection("items").FindOne(ctx, map[string]any{"id": req.Params["id"]})
			}, nil},
			{"POST", "/items", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				var in map[string]any
				if err := req.JSON(&in); err != nil {
					return nil, err
				}
				return sdk.DB.Collection("items").Insert(ctx, in)
			}, nil},
			{"POST", "/echo", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				return &plugin.Response{
					Status:  202,
					Body:    map[string]any{"body": req.Body(), "q": req.Query["q"], "h": req.Header("X-Test")},
					Headers: map[string]string{"X-Plugin": "hello"},
				}, nil
			}, nil},
			{"GET", "/text", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				return "plain", nil
			}, nil},
			{"GET", "/readme", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				return sdk.FS.ReadText(ctx, "README.md")
			}, nil},
			{"GET", "/admin", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
				return "secret", nil
			}, []plugin.RegisterOption{plugin.WithPermission("admin")}},
		}
		for _, r := range routes {
			if err := api.RegisterRoute(ctx, r.method, r.path, r.handler, r.opts...); err != nil {
				return err
			}
		}

		if err := api.RegisterHook(ctx, "cms_saved", func(ctx context.Context, args ...any) error {
			hooks <- args
			return nil
		}); err != nil {
			return err
		}
		if err := api.RegisterHook(ctx, "cms_deleted", func(ctx context.Context, args ...any) error {
			return nil
		}); err != nil {
			return err
		}
		if err := api.RegisterUISlot(ctx, "sidebar", "Hello", "/ui/hello"); err != nil {
			return err
		}
		if err := api.RegisterAsset(ctx, protocol.AssetScript, "/static/hello.js"); err != nil {
			return err
		}
		return api.RegisterWidget(ctx, "hello", "Hello", "/widgets/hello")
	}
}

func startHost(t *testing.T) *testHost {
	t.Helper()

	h := &testHost{
		metrics:     metrics.NewMetrics(),
		hooks:       make(chan []any, 4),
		deactivated: make(chan struct{}),
	}

	catalog := plugin.NewCatalog()
	require.NoError(t, catalog.Add("hello", plugin.Static(&lifecycleRecorder{
		RegisterFunc: helloPlugin(h.hooks),
		deactivated:  h.deactivated,
	})))
	require.NoError(t, catalog.Add("broken", plugin.Static(plugin.RegisterFunc(func(ctx context.Context, api *plugin.API) error {
		return errors.New("boom")
	}))))

	store := newTestStore(t)
	_, err := store.DB().Exec(`INSERT INTO items (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)

	pluginsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(pluginsDir, "hello"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginsDir, "hello", "README.md"), []byte("# hello"), 0o644))

	h.sup = NewSupervisor(Options{
		Logger: zerolog.Nop(),
		Launcher: &InProcessLauncher{
			Options: plugin.Options{Logger: zerolog.Nop(), Catalog: catalog},
		},
		Metrics:       h.metrics,
		DB:            store,
		FS:            NewDirFS(pluginsDir, 0),
		ReadyTimeout:  5 * time.Second,
		InvokeTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { h.sup.Close(context.Background()) })
	return h
}

func helloSpec() PluginSpec {
	return PluginSpec{
		Name:       "hello",
		Descriptor: capability.Descriptor{DBRead: true, FSRead: true},
		Grants:     capability.NewGrants("route:*", "hook:cms_saved"),
	}
}

func TestSupervisor_StartAndInvoke(t *testing.T) {
	h := startHost(t)
	ctx := context.Background()

	sb, err := h.sup.Start(ctx, helloSpec())
	require.NoError(t, err)
	assert.Equal(t, StateReady, sb.State())

	status := sb.Status()
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, []string{"GET:/ping", "GET:/items/:id", "POST:/items", "POST:/echo", "GET:/text", "GET:/readme"}, status.Routes)
	assert.Equal(t, []string{"cms_saved"}, status.Hooks)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SandboxesActive))

	t.Run("route", func(t *testing.T) {
		resp, err := h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "get", Path: "/ping"})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, map[string]any{"ok": true}, resp.Body)
	})

	t.Run("db read through the bridge", func(t *testing.T) {
		resp, err := h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "GET", Path: "/items/1"})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, map[string]any{"id": int64(1), "name": "a", "tag": nil}, resp.Body)
	})

	t.Run("db write denied by capabilities", func(t *testing.T) {
		resp, err := h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "POST", Path: "/items", Body: map[string]any{"name": "b"}})
		require.NoError(t, err)
		assert.Equal(t, 500, resp.Status)
		assert.Contains(t, resp.Body.(map[string]any)["error"], "capability denied")
	})

	t.Run("fs read through the bridge", func(t *testing.T) {
		resp, err := h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "GET", Path: "/readme"})
		require.NoError(t, err)
		assert.Equal(t, "# hello", resp.Body)
	})

	t.Run("rejected route is unreachable", func(t *testing.T) {
		_, err := h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "GET", Path: "/admin"})
		assert.ErrorIs(t, err, ErrRouteNotFound)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AnnouncementsRejectedTotal.WithLabelValues("hello", "registerRoute")))
	})

	t.Run("unknown plugin", func(t *testing.T) {
		_, err := h.sup.InvokeRoute(ctx, "ghost", protocol.RouteRequest{Method: "GET", Path: "/ping"})
		assert.ErrorIs(t, err, ErrSandboxNotFound)
	})

	t.Run("hooks", func(t *testing.T) {
		n, err := h.sup.InvokeHook(ctx, "cms_saved", "post-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		select {
		case args := <-h.hooks:
			assert.Equal(t, []any{"post-1"}, args)
		case <-time.After(2 * time.Second):
			t.Fatal("hook was not delivered")
		}

		// cms_deleted was announced but not granted.
		n, err = h.sup.InvokeHook(ctx, "cms_deleted")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("announcements", func(t *testing.T) {
		assert.Equal(t, []Slot{{Plugin: "hello", Slot: "sidebar", Label: "Hello", URL: "/ui/hello"}}, h.sup.Slots())
		assert.Equal(t, []Asset{{Plugin: "hello", Kind: protocol.AssetScript, URL: "/static/hello.js"}}, h.sup.Assets())
		assert.Equal(t, []Widget{{Plugin: "hello", Widget: "hello", Label: "Hello", RenderURL: "/widgets/hello"}}, h.sup.Widgets())
	})
}

func TestSupervisor_StartFailures(t *testing.T) {
	h := startHost(t)
	ctx := context.Background()

	_, err := h.sup.Start(ctx, PluginSpec{Name: "broken"})
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorContains(t, err, "boom")

	_, err = h.sup.Start(ctx, PluginSpec{Name: "ghost"})
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorContains(t, err, "plugin not found")

	assert.Empty(t, h.sup.Names())

	_, err = h.sup.Start(ctx, helloSpec())
	require.NoError(t, err)
	_, err = h.sup.Start(ctx, helloSpec())
	assert.ErrorIs(t, err, ErrSandboxExists)
}

func TestSupervisor_StopDeactivates(t *testing.T) {
	h := startHost(t)
	ctx := context.Background()

	_, err := h.sup.Start(ctx, helloSpec())
	require.NoError(t, err)

	require.NoError(t, h.sup.Stop(ctx, "hello"))

	// Stop returns only after the plugin acknowledged deactivation.
	select {
	case <-h.deactivated:
	default:
		t.Fatal("plugin was not deactivated")
	}

	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SandboxesActive))
	assert.ErrorIs(t, h.sup.Stop(ctx, "hello"), ErrSandboxNotFound)

	_, err = h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "GET", Path: "/ping"})
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestSupervisor_Restart(t *testing.T) {
	h := startHost(t)
	ctx := context.Background()

	first, err := h.sup.Start(ctx, helloSpec())
	require.NoError(t, err)

	second, err := h.sup.Restart(ctx, helloSpec())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateStopped, first.State())

	resp, err := h.sup.InvokeRoute(ctx, "hello", protocol.RouteRequest{Method: "GET", Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestSpecFromManifest(t *testing.T) {
	m, err := newLoader().Parse([]byte(helloManifest), FormatJSON)
	require.NoError(t, err)

	grants := capability.NewGrants("route:*")
	spec := SpecFromManifest(m, grants)

	assert.Equal(t, "hello-world", spec.Name)
	assert.True(t, spec.Descriptor.DBRead)
	assert.Same(t, grants, spec.Grants)
	assert.Equal(t, map[string]any{"greeting": "hi"}, spec.Config)
}

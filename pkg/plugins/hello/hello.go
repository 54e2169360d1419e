// Package hello is a sample plugin. Importing it registers "hello" in the
// default catalog.
package hello

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/harun/sandbridge/pkg/plugin"
)

// Name is the catalog name and manifest id of the plugin
const Name = "hello"

func init() {
	plugin.Register(Name, func() (plugin.Plugin, error) {
		return &Plugin{}, nil
	})
}

// Plugin keeps a notes collection and counts the content it sees saved.
type Plugin struct {
	saved atomic.Int64
	ticks atomic.Int64
}

func (p *Plugin) Register(ctx context.Context, api *plugin.API) error {
	greeting, _ := api.Config()["greeting"].(string)
	if greeting == "" {
		greeting = "hello"
	}
	notes := api.DB().Collection("notes")

	routes := []struct {
		method  string
		path    string
		handler plugin.RouteHandler
	}{
		{"GET", "/ping", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
			return map[string]any{
				"greeting": greeting,
				"plugin":   api.PluginName(),
				"saved":    p.saved.Load(),
				"ticks":    p.ticks.Load(),
			}, nil
		}},
		{"GET", "/notes", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
			opts := []plugin.FindOption{plugin.WithOrderBy("-id")}
			if limit, err := strconv.Atoi(req.Query["limit"]); err == nil && limit > 0 {
				opts = append(opts, plugin.WithLimit(limit))
			}
			return notes.FindMany(ctx, nil, opts...)
		}},
		{"GET", "/notes/:id", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
			note, err := notes.FindOne(ctx, map[string]any{"id": req.Params["id"]})
			if err != nil {
				return nil, err
			}
			if note == nil {
				return nil, plugin.NewHTTPError(http.StatusNotFound, "note %s not found", req.Params["id"])
			}
			return note, nil
		}},
		{"POST", "/notes", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
			var in struct {
				Title string `json:"title"`
			}
			if err := req.JSON(&in); err != nil || in.Title == "" {
				return nil, plugin.NewHTTPError(http.StatusBadRequest, "title is required")
			}
			created, err := notes.Insert(ctx, map[string]any{"title": in.Title})
			if err != nil {
				return nil, err
			}
			return &plugin.Response{Status: http.StatusCreated, Body: created}, nil
		}},
		{"GET", "/readme", func(ctx context.Context, req *plugin.Request, sdk plugin.SDK) (any, error) {
			text, err := sdk.FS.ReadText(ctx, "README.md")
			if err != nil {
				return nil, err
			}
			return &plugin.Response{Body: text, Headers: map[string]string{"Content-Type": "text/markdown"}}, nil
		}},
	}
	for _, r := range routes {
		if err := api.RegisterRoute(ctx, r.method, r.path, r.handler); err != nil {
			return err
		}
	}

	if err := api.RegisterHook(ctx, "cms_saved", func(ctx context.Context, args ...any) error {
		p.saved.Add(1)
		api.Logger().Debug().Int("args", len(args)).Msg("Content saved")
		return nil
	}); err != nil {
		return err
	}

	if err := api.RegisterWidget(ctx, "hello-stats", "Hello", "/plugins-runtime/hello/ping"); err != nil {
		return err
	}
	if err := api.RegisterUISlot(ctx, "dashboard", "Notes", "/plugins-runtime/hello/notes"); err != nil {
		return err
	}

	return api.RegisterCron(ctx, "@every 1h", func(ctx context.Context) error {
		p.ticks.Add(1)
		return nil
	}, plugin.WithPermission("cron:heartbeat"))
}

package host

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/pkg/pending"
	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/transport"
)

// RoutePrefix is where plugin routes are mounted
const RoutePrefix = "/plugins-runtime/"

const defaultMaxBodyBytes = 1 << 20

// Router exposes plugin routes and announcements over HTTP.
//
//	GET  /plugins-runtime/slots    UI slots of every running plugin
//	GET  /plugins-runtime/assets   assets of every running plugin
//	GET  /plugins-runtime/widgets  widgets of every running plugin
//	GET  /plugins-runtime/status   sandbox status
//	ANY  /plugins-runtime/{plugin}/{path...}  forwarded to the plugin as invokeRoute
type Router struct {
	sup          *Supervisor
	logger       zerolog.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
}

// NewRouter creates a router. A non-positive maxBodyBytes uses 1 MiB.
func NewRouter(sup *Supervisor, logger zerolog.Logger, maxBodyBytes int64) *Router {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	r := &Router{
		sup:          sup,
		logger:       logger.With().Str("component", "plugin-router").Logger(),
		maxBodyBytes: maxBodyBytes,
		mux:          http.NewServeMux(),
	}

	r.mux.HandleFunc("GET "+RoutePrefix+"slots", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.sup.Slots())
	})
	r.mux.HandleFunc("GET "+RoutePrefix+"assets", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.sup.Assets())
	})
	r.mux.HandleFunc("GET "+RoutePrefix+"widgets", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.sup.Widgets())
	})
	r.mux.HandleFunc("GET "+RoutePrefix+"status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.sup.Statuses())
	})
	r.mux.HandleFunc(RoutePrefix+"{plugin}/{path...}", r.forward)

	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) forward(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("plugin")

	routeReq, err := r.buildRequest(w, req)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	resp, err := r.sup.InvokeRoute(req.Context(), name, routeReq)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			r.logger.Error().Err(err).Str("plugin", name).Str("path", routeReq.Path).Msg("Plugin route invocation failed")
		}
		writeJSON(w, status, map[string]string{"error": errorMessage(err)})
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	switch body := resp.Body.(type) {
	case nil:
		w.WriteHeader(status)
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	case []byte:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	default:
		writeJSON(w, status, body)
	}
}

func (r *Router) buildRequest(w http.ResponseWriter, req *http.Request) (protocol.RouteRequest, error) {
	out := protocol.RouteRequest{
		Method:  req.Method,
		Path:    "/" + req.PathValue("path"),
		Headers: make(map[string]string, len(req.Header)),
		Query:   make(map[string]string),
	}
	for k := range req.Header {
		out.Headers[strings.ToLower(k)] = req.Header.Get(k)
	}
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			out.Query[k] = v[0]
		}
	}

	if req.Body == nil {
		return out, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodyBytes))
	if err != nil {
		return out, errors.New("request body too large")
	}
	if len(data) == 0 {
		return out, nil
	}

	var decoded any
	if strings.Contains(req.Header.Get("Content-Type"), "json") && json.Unmarshal(data, &decoded) == nil {
		out.Body = decoded
	} else {
		out.Body = string(data)
	}
	return out, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrSandboxNotFound), errors.Is(err, ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady), errors.Is(err, transport.ErrClosed), errors.Is(err, pending.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pending.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errorMessage(err error) string {
	if errors.Is(err, ErrRouteNotFound) {
		return ErrRouteNotFound.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

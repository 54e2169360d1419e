package plugin

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/harun/sandbridge/pkg/protocol"
)

// Request is the routed request handed to a RouteHandler.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Params  map[string]string

	body any
}

func newRequest(req protocol.RouteRequest, params map[string]string) *Request {
	r := &Request{
		Method:  req.Method,
		Path:    req.Path,
		Headers: maps.Clone(req.Headers),
		Query:   maps.Clone(req.Query),
		Params:  params,
		body:    req.Body,
	}
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if r.Query == nil {
		r.Query = map[string]string{}
	}
	if r.Params == nil {
		r.Params = map[string]string{}
	}
	return r
}

// Header returns the value of a header, ignoring case
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Body returns the body as delivered by the host
func (r *Request) Body() any {
	return r.body
}

// JSON decodes the body into v. String bodies are parsed as JSON text.
func (r *Request) JSON(v any) error {
	var data []byte
	switch b := r.body.(type) {
	case nil:
		return nil
	case string:
		data = []byte(b)
	case []byte:
		data = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		data = encoded
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

// Text returns the body as text. Structured bodies are rendered as JSON.
func (r *Request) Text() (string, error) {
	switch b := r.body.(type) {
	case nil:
		return "", nil
	case string:
		return b, nil
	case []byte:
		return string(b), nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return string(encoded), nil
	}
}

// Response lets a handler set the status and headers of its reply.
type Response struct {
	Status  int
	Body    any
	Headers map[string]string
}

func normalizeResponse(result any) protocol.RouteResponse {
	var resp *Response
	switch r := result.(type) {
	case *Response:
		resp = r
	case Response:
		resp = &r
	}

	if resp == nil {
		return protocol.RouteResponse{
			Status:  http.StatusOK,
			Body:    result,
			Headers: map[string]string{},
		}
	}

	out := protocol.RouteResponse{
		Status:  resp.Status,
		Body:    resp.Body,
		Headers: maps.Clone(resp.Headers),
	}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	return out
}

func errorResponse(status int, message string) protocol.RouteResponse {
	return protocol.RouteResponse{
		Status:  status,
		Body:    map[string]any{"error": message},
		Headers: map[string]string{},
	}
}

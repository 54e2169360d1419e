package plugin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/harun/sandbridge/pkg/protocol"
)

// DecodeResult converts a bridge result into v through its JSON form.
func DecodeResult(result any, v any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// DBClient sends database requests to the host.
type DBClient struct {
	rt *Runtime
}

// FindOption adjusts a findMany query
type FindOption func(*protocol.DBQuery)

// WithLimit caps the number of rows
func WithLimit(n int) FindOption {
	return func(q *protocol.DBQuery) { q.Limit = n }
}

// WithOffset skips the first n rows
func WithOffset(n int) FindOption {
	return func(q *protocol.DBQuery) { q.Offset = n }
}

// WithOrderBy sorts by a column; prefix with "-" for descending
func WithOrderBy(column string) FindOption {
	return func(q *protocol.DBQuery) { q.OrderBy = column }
}

// Query sends a raw query and waits for the host's answer.
func (c *DBClient) Query(ctx context.Context, q protocol.DBQuery) (any, error) {
	return c.rt.call(ctx, protocol.KindDBRequest, func(id string) protocol.Message {
		return protocol.DBRequest{ID: id, Req: q}
	})
}

// FindMany returns the rows of table matching where
func (c *DBClient) FindMany(ctx context.Context, table string, where map[string]any, opts ...FindOption) (any, error) {
	q := protocol.DBQuery{Operation: protocol.OpFindMany, Table: table, Where: where}
	for _, opt := range opts {
		opt(&q)
	}
	return c.Query(ctx, q)
}

// FindOne returns the first row of table matching where, or nil
func (c *DBClient) FindOne(ctx context.Context, table string, where map[string]any) (any, error) {
	return c.Query(ctx, protocol.DBQuery{Operation: protocol.OpFindOne, Table: table, Where: where})
}

// Insert adds a row to table
func (c *DBClient) Insert(ctx context.Context, table string, data map[string]any) (any, error) {
	return c.Query(ctx, protocol.DBQuery{Operation: protocol.OpInsert, Table: table, Data: data})
}

// Update changes the rows of table matching where
func (c *DBClient) Update(ctx context.Context, table string, where, data map[string]any) (any, error) {
	return c.Query(ctx, protocol.DBQuery{Operation: protocol.OpUpdate, Table: table, Where: where, Data: data})
}

// Delete removes the rows of table matching where
func (c *DBClient) Delete(ctx context.Context, table string, where map[string]any) (any, error) {
	return c.Query(ctx, protocol.DBQuery{Operation: protocol.OpDelete, Table: table, Where: where})
}

// Collection binds the client to one table
func (c *DBClient) Collection(table string) *Collection {
	return &Collection{db: c, table: table}
}

// Collection is a DBClient bound to one table.
type Collection struct {
	db    *DBClient
	table string
}

// Table returns the bound table name
func (c *Collection) Table() string { return c.table }

func (c *Collection) FindMany(ctx context.Context, where map[string]any, opts ...FindOption) (any, error) {
	return c.db.FindMany(ctx, c.table, where, opts...)
}

func (c *Collection) FindOne(ctx context.Context, where map[string]any) (any, error) {
	return c.db.FindOne(ctx, c.table, where)
}

func (c *Collection) Insert(ctx context.Context, data map[string]any) (any, error) {
	return c.db.Insert(ctx, c.table, data)
}

func (c *Collection) Update(ctx context.Context, where, data map[string]any) (any, error) {
	return c.db.Update(ctx, c.table, where, data)
}

func (c *Collection) Delete(ctx context.Context, where map[string]any) (any, error) {
	return c.db.Delete(ctx, c.table, where)
}

// FetchClient sends outbound HTTP requests through the host.
type FetchClient struct {
	rt *Runtime
}

// Do performs a request. init may be nil for a plain GET.
func (c *FetchClient) Do(ctx context.Context, url string, init *protocol.FetchInit) (*FetchResponse, error) {
	result, err := c.rt.call(ctx, protocol.KindFetch, func(id string) protocol.Message {
		return protocol.Fetch{ID: id, URL: url, Init: init}
	})
	if err != nil {
		return nil, err
	}

	var raw *protocol.FetchResponse
	switch r := result.(type) {
	case *protocol.FetchResponse:
		raw = r
	case protocol.FetchResponse:
		raw = &r
	}
	if raw == nil {
		return nil, fmt.Errorf("fetch %s: host returned no response", url)
	}

	return &FetchResponse{
		Status:     raw.Status,
		StatusText: raw.StatusText,
		Headers:    maps.Clone(raw.Headers),
		body:       raw.Body,
	}, nil
}

// Get is shorthand for Do with a GET request
func (c *FetchClient) Get(ctx context.Context, url string) (*FetchResponse, error) {
	return c.Do(ctx, url, nil)
}

// FetchResponse is an HTTP response rebuilt from the host's fetchResult.
type FetchResponse struct {
	Status     int
	StatusText string
	Headers    map[string]string

	body string
}

// OK reports whether the status is 2xx
func (r *FetchResponse) OK() bool {
	return r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

// Header returns a header value, ignoring case
func (r *FetchResponse) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Text returns the body
func (r *FetchResponse) Text() string {
	return r.body
}

// JSON decodes the body into v
func (r *FetchResponse) JSON(v any) error {
	if err := json.Unmarshal([]byte(r.body), v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// FSClient reads files from the plugin's directory on the host.
type FSClient struct {
	rt *Runtime
}

func (c *FSClient) read(ctx context.Context, path string, method protocol.FSMethod) (any, error) {
	return c.rt.call(ctx, protocol.KindFSRead, func(id string) protocol.Message {
		return protocol.FSRead{ID: id, Path: path, Method: method}
	})
}

// ReadText returns a file as a string
func (c *FSClient) ReadText(ctx context.Context, path string) (string, error) {
	data, err := c.read(ctx, path, protocol.FSReadText)
	if err != nil {
		return "", err
	}
	switch d := data.(type) {
	case string:
		return d, nil
	case []byte:
		return string(d), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("readText %s: unexpected result type %T", path, data)
}

// ReadFile returns a file as bytes
func (c *FSClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := c.read(ctx, path, protocol.FSReadFile)
	if err != nil {
		return nil, err
	}
	switch d := data.(type) {
	case []byte:
		return d, nil
	case string:
		// JSON frames carry bytes as base64 text.
		decoded, err := base64.StdEncoding.DecodeString(d)
		if err != nil {
			return nil, fmt.Errorf("readFile %s: %w", path, err)
		}
		return decoded, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("readFile %s: unexpected result type %T", path, data)
}

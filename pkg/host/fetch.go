package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/pkg/capability"
	"github.com/harun/sandbridge/pkg/protocol"
)

const maxRedirects = 10

// ErrResponseTooLarge is returned when a fetched body exceeds the size cap
var ErrResponseTooLarge = errors.New("response body too large")

// FetchService performs outbound requests on behalf of a plugin. Redirects are
// held to the same allowlist as the original URL.
type FetchService interface {
	Fetch(ctx context.Context, caps capability.Descriptor, url string, init *protocol.FetchInit) (*protocol.FetchResponse, error)
}

type capsKey struct{}

// HTTPFetcher is a FetchService backed by net/http.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   zerolog.Logger
}

// NewHTTPFetcher creates a fetcher. A non-positive maxBytes disables the size cap.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, logger zerolog.Logger) *HTTPFetcher {
	f := &HTTPFetcher{
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "plugin-fetch").Logger(),
	}
	f.client = &http.Client{
		Timeout:       timeout,
		CheckRedirect: checkRedirect,
	}
	return f
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if caps, ok := req.Context().Value(capsKey{}).(capability.Descriptor); ok {
		return caps.CheckURL(req.URL.String())
	}
	return nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, caps capability.Descriptor, url string, init *protocol.FetchInit) (*protocol.FetchResponse, error) {
	if err := caps.CheckURL(url); err != nil {
		return nil, err
	}

	method := http.MethodGet
	var body io.Reader
	var headers map[string]string
	if init != nil {
		if init.Method != "" {
			method = strings.ToUpper(init.Method)
		}
		if init.Body != "" {
			body = strings.NewReader(init.Body)
		}
		headers = init.Headers
	}

	ctx = context.WithValue(ctx, capsKey{}, caps)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, f.maxBytes)
	}

	out := &protocol.FetchResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(data),
	}
	for k := range resp.Header {
		out.Headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	f.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Int("bytes", len(data)).
		Msg("Plugin fetch completed")

	return out, nil
}

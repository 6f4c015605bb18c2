// Package stock talks to the stock availability service.
package stock

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/trickstertwo/xdispatch"
)

const (
	DefaultTimeout = 5 * time.Second

	// maxBody bounds how much of a response is read; valid bodies are "true" or "false".
	maxBody = 64
)

var (
	ErrEmptyItem        = errors.New("stock: item is empty")
	ErrUnexpectedStatus = errors.New("stock: unexpected status")
	ErrUnexpectedBody   = errors.New("stock: unexpected response body")
)

// Checker reports whether an item is in stock.
type Checker interface {
	CheckAvailability(ctx context.Context, item string) (bool, error)
}

type ClientConfig struct {
	// Endpoint is the availability URL; the item is sent as the "item" query parameter.
	Endpoint string
	// Timeout bounds a single request (default 5s).
	Timeout time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Logger     *xlog.Logger
}

// Client is an HTTP Checker. It never caches and never retries on its own;
// failures come back classified with xdispatch.Retryable or xdispatch.NotRetryable.
type Client struct {
	endpoint   *url.URL
	timeout    time.Duration
	httpClient *http.Client
	logger     *xlog.Logger
}

var _ Checker = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return nil, errors.New("stock: endpoint required")
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "stock: parse endpoint %q", raw)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, errors.Newf("stock: endpoint %q must be absolute", raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "stock.check " + r.URL.Path
				}),
			),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = xlog.Default()
	}

	return &Client{
		endpoint:   endpoint,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CheckAvailability asks the stock service whether item is available.
//
// Transport failures, timeouts and 5xx responses are retryable. Any other
// non-200 status and any body other than exactly "true" or "false" is fatal.
func (c *Client) CheckAvailability(ctx context.Context, item string) (bool, error) {
	if item == "" {
		return false, xdispatch.NotRetryable(ErrEmptyItem)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.requestURL(item), nil)
	if err != nil {
		return false, xdispatch.NotRetryable(errors.Wrap(err, "stock: build request"))
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, xdispatch.Retryable(errors.Wrapf(err, "stock: check %q", item))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		drain(resp.Body)
		return false, xdispatch.Retryable(errors.Wrapf(ErrUnexpectedStatus, "%d for %q", resp.StatusCode, item))
	case resp.StatusCode != http.StatusOK:
		drain(resp.Body)
		return false, xdispatch.NotRetryable(errors.Wrapf(ErrUnexpectedStatus, "%d for %q", resp.StatusCode, item))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return false, xdispatch.Retryable(errors.Wrapf(err, "stock: read response for %q", item))
	}

	switch string(body) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	c.logger.Warn().Str("item", item).Str("body", truncate(body)).Msg("stock: protocol violation")
	return false, xdispatch.NotRetryable(errors.Wrapf(ErrUnexpectedBody, "%q for %q", truncate(body), item))
}

func (c *Client) requestURL(item string) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("item", item)
	u.RawQuery = q.Encode()
	return u.String()
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4<<10))
}

func truncate(b []byte) string {
	if len(b) > maxBody {
		return string(b[:maxBody]) + "..."
	}
	return string(b)
}

// Package webclient is the HTTP transport shared by the OAI-PMH and X-Server
// clients: one GET per call, retried with exponential backoff on gateway errors.
package webclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
)

// Config describes one Aleph web endpoint, e.g. https://aleph.mzk.cz/OAI.
type Config struct {
	Host         string        `yaml:"host" validate:"required,url"`
	Endpoint     string        `yaml:"endpoint" validate:"required"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	TotalRetry   int           `yaml:"total_retry" validate:"gte=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`
}

// DefaultConfig returns the retry policy used when a config file or the
// environment leaves it out.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		TotalRetry:   5,
		RetryBackoff: time.Second,
	}
}

// ApplyDefaults fills zero durations. TotalRetry is left alone: zero means no retries.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// retryStatuses are the responses worth another attempt.
var retryStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type Client struct {
	http   *http.Client
	url    string
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		url:    strings.TrimRight(cfg.Host, "/") + "/" + strings.TrimLeft(cfg.Endpoint, "/"),
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// WithLogger returns a copy of the client that logs to l.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	cp := *c
	cp.logger = l
	return &cp
}

// URL is the endpoint every request is sent to.
func (c *Client) URL() string { return c.url }

// Get issues GET url?params and returns the body of a 200 response.
// Every failure is a *catalog.TransportError.
func (c *Client) Get(ctx context.Context, params url.Values) ([]byte, error) {
	op := params.Get("verb")
	if op == "" {
		op = params.Get("op")
	}

	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		body, status, err := c.do(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if status == http.StatusOK {
			return body, nil
		}
		statusErr := &statusError{code: status}
		if retryStatuses[status] {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	},
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(uint(c.cfg.TotalRetry+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("retrying request", "url", c.url, "op", op, "attempt", attempt, "backoff", next, "error", err)
		}),
	)
	if err != nil {
		te := &catalog.TransportError{Op: op, URL: c.url, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			te.StatusCode = se.code
		}
		return nil, te
	}
	return body, nil
}

// Ping sends a single request without retries and expects 200.
func (c *Client) Ping(ctx context.Context, params url.Values) error {
	_, status, err := c.do(ctx, params)
	if err != nil {
		return &catalog.TransportError{Op: "ping", URL: c.url, Err: err}
	}
	if status != http.StatusOK {
		return &catalog.TransportError{Op: "ping", URL: c.url, StatusCode: status}
	}
	return nil
}

func (c *Client) do(ctx context.Context, params url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.MaxInterval = 30 * c.cfg.RetryBackoff
	return b
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.code, http.StatusText(e.code))
}

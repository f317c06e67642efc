// Package aleph is the entry point for one Aleph base: it owns the OAI-PMH,
// X-Server and Z39.50 clients configured for it and refuses to substitute
// one protocol for another.
package aleph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/oai"
	"github.com/yourusername/aleph-gateway/pkg/xserver"
	"github.com/yourusername/aleph-gateway/pkg/z3950"
	"github.com/yourusername/aleph-gateway/pkg/z3950/pool"
	"github.com/yourusername/aleph-gateway/pkg/z3950/session"
)

// Service names used in errors and status reports.
const (
	ServiceOAI   = "oai"
	ServiceX     = "x"
	ServiceZ3950 = "z3950"
)

type Option func(*Client)

// WithToolkit replaces the Z39.50 dialer, e.g. with an in-memory target.
func WithToolkit(tk session.Toolkit) Option {
	return func(c *Client) { c.toolkit = tk }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	cfg     Config
	oai     *oai.Client
	x       *xserver.Client
	toolkit session.Toolkit
	pool    *pool.Pool
	logger  *slog.Logger

	closeOnce sync.Once
}

// New validates cfg and builds the configured sub-clients. No network I/O
// happens until a sub-client is used.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.OAI != nil {
		c.oai = oai.NewClient(*cfg.OAI)
	}
	if cfg.X != nil {
		c.x = xserver.NewClient(*cfg.X)
	}
	if cfg.Z3950 != nil {
		if c.toolkit == nil {
			c.toolkit = z3950.NewDialer(*cfg.Z3950)
		}
		zc := *cfg.Z3950
		zc.ApplyDefaults()
		c.pool = pool.NewPool(c.toolkit, cfg.Pool,
			session.WithFormat(zc.Format()),
			session.WithLogger(c.logger),
		)
	}
	return c, nil
}

func (c *Client) Base() string { return c.cfg.Base }

func (c *Client) OAI() (*oai.Client, error) {
	if c.oai == nil {
		return nil, &catalog.ConfigurationError{Service: ServiceOAI}
	}
	return c.oai, nil
}

func (c *Client) X() (*xserver.Client, error) {
	if c.x == nil {
		return nil, &catalog.ConfigurationError{Service: ServiceX}
	}
	return c.x, nil
}

// Z3950 returns the session pool. Sessions taken with Get must go back with Put.
func (c *Client) Z3950() (*pool.Pool, error) {
	if c.pool == nil {
		return nil, &catalog.ConfigurationError{Service: ServiceZ3950}
	}
	return c.pool, nil
}

// SearchZ3950 runs one PQF query on a pooled session and reads at most limit
// records (all of them when limit <= 0). It returns the server hit count too.
func (c *Client) SearchZ3950(ctx context.Context, query string, limit int) ([]catalog.Record, int, error) {
	p, err := c.Z3950()
	if err != nil {
		return nil, 0, err
	}
	m, err := p.Get()
	if err != nil {
		return nil, 0, err
	}
	defer p.Put(m)

	rs, err := m.Search(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	var records []catalog.Record
	for rec, err := range rs.All(ctx) {
		if err != nil {
			return records, rs.Count, err
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, rs.Count, nil
}

// ServiceStatus is the availability of one configured service.
type ServiceStatus struct {
	Service   string        `json:"service"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

type prober interface {
	Probe(ctx context.Context) error
}

// Status probes every configured service concurrently.
func (c *Client) Status(ctx context.Context) []ServiceStatus {
	type probe struct {
		name string
		fn   func(context.Context) error
	}
	var probes []probe
	if c.oai != nil {
		probes = append(probes, probe{ServiceOAI, availability(c.oai.IsAvailable)})
	}
	if c.x != nil {
		probes = append(probes, probe{ServiceX, availability(c.x.IsAvailable)})
	}
	if c.pool != nil {
		probes = append(probes, probe{ServiceZ3950, c.probeZ3950})
	}

	out := make([]ServiceStatus, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			start := time.Now()
			err := p.fn(gctx)
			out[i] = ServiceStatus{Service: p.name, Available: err == nil, Latency: time.Since(start)}
			if err != nil {
				out[i].Error = err.Error()
				c.logger.Warn("service unavailable", "service", p.name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return out
}

func (c *Client) probeZ3950(ctx context.Context) error {
	if p, ok := c.toolkit.(prober); ok {
		return p.Probe(ctx)
	}
	conn, err := c.toolkit.Open(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

var errUnavailable = &catalog.TransportError{Op: "ping"}

func availability(ping func(context.Context) bool) func(context.Context) error {
	return func(ctx context.Context) error {
		if !ping(ctx) {
			return errUnavailable
		}
		return nil
	}
}

// Close releases pooled Z39.50 sessions.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.pool != nil {
			c.pool.Close()
		}
	})
	return nil
}

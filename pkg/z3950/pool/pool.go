// Package pool keeps idle Z39.50 sessions open between gateway requests.
//
// A session handed out by Get belongs to the caller until it is returned
// with Put; the pool never lends one session to two callers.
package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/z3950/session"
)

// Config bounds the idle sessions kept per target.
type Config struct {
	MaxIdle         int           `yaml:"max_idle" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
}

var DefaultConfig = Config{
	MaxIdle:         5,
	IdleTimeout:     5 * time.Minute,
	CleanupInterval: time.Minute,
}

// ErrClosed is returned by Get after Close.
var ErrClosed = fmt.Errorf("pool closed: %w", catalog.ErrSessionClosed)

type idleSession struct {
	m        *session.Manager
	lastUsed time.Time
}

// Pool holds idle sessions to one target.
type Pool struct {
	tk     session.Toolkit
	opts   []session.Option
	config Config
	now    func() time.Time

	mu     sync.Mutex
	idle   []idleSession
	closed bool

	stop chan struct{}
	done chan struct{}
}

// NewPool starts a pool and its janitor. Zero config fields take DefaultConfig values.
func NewPool(tk session.Toolkit, cfg Config, opts ...session.Option) *Pool {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultConfig.MaxIdle
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig.CleanupInterval
	}
	p := &Pool{
		tk:     tk,
		opts:   opts,
		config: cfg,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Get takes the most recently returned live session, or a new unopened one.
func (p *Pool) Get() (*session.Manager, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		s := p.idle[n-1]
		p.idle[n-1] = idleSession{}
		p.idle = p.idle[:n-1]
		expired := p.now().Sub(s.lastUsed) > p.config.IdleTimeout
		p.mu.Unlock()

		if expired {
			slog.Debug("pool: session expired, closing")
			s.m.Close()
			continue
		}
		if s.m.State() == session.Closed {
			continue
		}
		slog.Debug("pool: hit")
		return s.m, nil
	}

	slog.Debug("pool: miss, creating new session")
	return session.New(p.tk, p.opts...), nil
}

// Put returns a session. Closed sessions are dropped; a full pool closes the surplus.
func (p *Pool) Put(m *session.Manager) {
	if m == nil {
		return
	}
	if m.State() != session.Open {
		m.Close()
		return
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.config.MaxIdle {
		p.mu.Unlock()
		slog.Debug("pool: full, closing session")
		m.Close()
		return
	}
	p.idle = append(p.idle, idleSession{m: m, lastUsed: p.now()})
	p.mu.Unlock()
}

// Idle is the number of sessions waiting in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops the janitor and closes every idle session.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	for _, s := range idle {
		s.m.Close()
	}
}

func (p *Pool) cleanupLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup closes sessions idle for longer than IdleTimeout.
func (p *Pool) cleanup() {
	p.mu.Lock()
	now := p.now()
	var valid, expired []idleSession
	for _, s := range p.idle {
		if now.Sub(s.lastUsed) <= p.config.IdleTimeout {
			valid = append(valid, s)
		} else {
			expired = append(expired, s)
		}
	}
	p.idle = valid
	p.mu.Unlock()

	for _, s := range expired {
		s.m.Close()
	}
	if len(expired) > 0 {
		slog.Debug("pool: closed expired sessions", "count", len(expired))
	}
}

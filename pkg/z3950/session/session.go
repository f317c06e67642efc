// Package session owns the lifecycle of one Z39.50 connection.
//
// A Manager moves through Unopened, Open and Closed. It opens the
// connection on the first search, reuses it for every later search and
// closes it exactly once. Closed is terminal: a failed connection is never
// reopened, callers construct a new Manager instead.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/marc"
	"github.com/yourusername/aleph-gateway/pkg/pager"
)

// Conn is an open connection of a Toolkit.
type Conn interface {
	// Search runs a PQF query and returns the result set size.
	Search(ctx context.Context, query string) (int, error)
	// Fetch returns the raw record at a 1-based position of the last result set.
	Fetch(ctx context.Context, position int) ([]byte, error)
	Close() error
}

// Toolkit opens connections to one target.
type Toolkit interface {
	Open(ctx context.Context) (Conn, error)
}

// ErrStaleResultSet is returned by a result set after a newer search on the
// same session replaced it on the server.
var ErrStaleResultSet = errors.New("result set replaced by a newer search")

type State int

const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// handle is the part of a Manager the runtime cleanup may touch.
type handle struct {
	conn   Conn
	once   sync.Once
	err    error
	logger *slog.Logger
}

func (h *handle) close() error {
	h.once.Do(func() { h.err = h.conn.Close() })
	return h.err
}

type Option func(*Manager)

// WithFormat sets how fetched payloads are decoded. The default is ISO 2709.
func WithFormat(f catalog.Format) Option {
	return func(m *Manager) { m.format = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type Manager struct {
	tk     Toolkit
	target string
	format catalog.Format
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	h          *handle
	gen        uint64
	cleanup    runtime.Cleanup
	hasCleanup bool
}

func New(tk Toolkit, opts ...Option) *Manager {
	m := &Manager{tk: tk, format: catalog.FormatISO2709, logger: slog.Default()}
	if s, ok := tk.(fmt.Stringer); ok {
		m.target = s.String()
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "z3950-session", "target", m.target)
	return m
}

// Do runs fn with a fresh session and closes it afterwards.
func Do(ctx context.Context, tk Toolkit, fn func(context.Context, *Manager) error, opts ...Option) error {
	m := New(tk, opts...)
	err := fn(ctx, m)
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close releases the connection. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return nil
	}
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	m.state = Closed
	if m.h == nil {
		return nil
	}
	if m.hasCleanup {
		m.cleanup.Stop()
		m.hasCleanup = false
	}
	err := m.h.close()
	if err != nil {
		m.logger.Debug("close connection", "error", err)
	}
	return err
}

func (m *Manager) openLocked(ctx context.Context) error {
	conn, err := m.tk.Open(ctx)
	if err != nil {
		m.state = Closed
		return m.connectionError(err)
	}
	m.h = &handle{conn: conn, logger: m.logger}
	m.cleanup = runtime.AddCleanup(m, func(h *handle) {
		h.logger.Warn("closing connection of unreachable session")
		h.close()
	}, m.h)
	m.hasCleanup = true
	m.state = Open
	m.logger.Debug("connection opened")
	return nil
}

func (m *Manager) connectionError(err error) error {
	var ce *catalog.ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &catalog.ConnectionError{Addr: m.target, Err: err}
}

// fail classifies a toolkit error. Query errors and a context that ended
// before the request went out leave the session open; anything else closes it.
func (m *Manager) fail(err error) error {
	var ce *catalog.ConnectionError
	if errors.Is(err, catalog.ErrQuery) || (isContextErr(err) && !errors.As(err, &ce)) {
		return err
	}
	m.closeLocked()
	m.logger.Warn("connection failed, session closed", "error", err)
	return m.connectionError(err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ResultSet is the lazy record sequence of one search. It is bound to the
// session that produced it and fails once the session is closed or runs
// another search.
type ResultSet struct {
	*pager.Iterator[int, catalog.Record]

	Query string
	Count int
}

// Search runs query on the session's connection, opening it first if needed.
// Records are fetched one by one as the result set is read.
func (m *Manager) Search(ctx context.Context, query string) (*ResultSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return nil, fmt.Errorf("search %q: %w", query, catalog.ErrSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.state == Unopened {
		if err := m.openLocked(ctx); err != nil {
			return nil, err
		}
	}

	count, err := m.h.conn.Search(ctx, query)
	if err != nil {
		return nil, m.fail(err)
	}
	m.gen++
	gen := m.gen
	m.logger.Debug("search", "query", query, "count", count)

	rs := &ResultSet{Query: query, Count: count}
	if count <= 0 {
		rs.Iterator = pager.Empty[int, catalog.Record](1)
		return rs, nil
	}
	rs.Iterator = pager.New(1, func(ctx context.Context, pos int) (pager.Page[int, catalog.Record], error) {
		rec, err := m.fetch(ctx, gen, pos)
		if err != nil {
			return pager.Page[int, catalog.Record]{}, err
		}
		return pager.Page[int, catalog.Record]{Items: []catalog.Record{rec}, Next: pos + 1, Done: pos >= count}, nil
	})
	return rs, nil
}

// SearchAll runs query and reads the whole result set.
func (m *Manager) SearchAll(ctx context.Context, query string) ([]catalog.Record, error) {
	rs, err := m.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return pager.Collect(ctx, rs.Iterator)
}

func (m *Manager) fetch(ctx context.Context, gen uint64, pos int) (catalog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return catalog.Record{}, fmt.Errorf("fetch record %d: %w", pos, catalog.ErrSessionClosed)
	}
	if gen != m.gen {
		return catalog.Record{}, fmt.Errorf("fetch record %d: %w", pos, ErrStaleResultSet)
	}
	if err := ctx.Err(); err != nil {
		return catalog.Record{}, err
	}

	raw, err := m.h.conn.Fetch(ctx, pos)
	if errors.Is(err, catalog.ErrNotFound) {
		m.logger.Warn("record not delivered", "position", pos, "error", err)
		return catalog.NewRecord(strconv.Itoa(pos), catalog.StatusFailed, m.format, nil, nil), nil
	}
	if err != nil {
		return catalog.Record{}, m.fail(err)
	}
	return m.decode(pos, raw), nil
}

func (m *Manager) decode(pos int, raw []byte) catalog.Record {
	id := strconv.Itoa(pos)
	var (
		rec *marc.Record
		err error
	)
	switch m.format {
	case catalog.FormatSUTRS:
		return catalog.NewRecord(id, catalog.StatusActive, m.format, raw, nil)
	case catalog.FormatMARCXML:
		rec, err = marc.ParseMARCXML(raw)
	default:
		rec, err = marc.ParseISO2709(raw)
	}
	if err != nil {
		m.logger.Error("failed to decode record", "position", pos, "error", err)
		return catalog.NewRecord(id, catalog.StatusFailed, m.format, raw, nil)
	}
	if cn := rec.ControlNumber(); cn != "" {
		id = cn
	}
	return catalog.NewRecord(id, catalog.StatusActive, m.format, raw, rec)
}

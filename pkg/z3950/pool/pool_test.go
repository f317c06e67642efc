package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/z3950/session"
)

type countingToolkit struct {
	opens  atomic.Int32
	closes atomic.Int32
}

type countingConn struct {
	tk *countingToolkit
}

func (tk *countingToolkit) Open(ctx context.Context) (session.Conn, error) {
	tk.opens.Add(1)
	return &countingConn{tk: tk}, nil
}

func (c *countingConn) Search(ctx context.Context, query string) (int, error) {
	if query == "drop" {
		return 0, errors.New("socket dropped")
	}
	return 0, nil
}

func (c *countingConn) Fetch(ctx context.Context, position int) ([]byte, error) {
	return nil, &catalog.NotFoundError{Kind: "record position"}
}

func (c *countingConn) Close() error {
	c.tk.closes.Add(1)
	return nil
}

// opened returns a session with a live connection.
func opened(t *testing.T, p *Pool) *session.Manager {
	t.Helper()
	m, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Search(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestGetAndPut(t *testing.T) {
	tk := &countingToolkit{}
	p := NewPool(tk, Config{MaxIdle: 2})
	defer p.Close()

	m1 := opened(t, p)
	p.Put(m1)
	if p.Idle() != 1 {
		t.Fatalf("idle = %d, want 1", p.Idle())
	}

	m2, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if m2 != m1 {
		t.Error("expected the pooled session back")
	}
	if _, err := m2.Search(context.Background(), "y"); err != nil {
		t.Fatal(err)
	}
	if tk.opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", tk.opens.Load())
	}
	p.Put(m2)
}

func TestPutDropsUnusableSessions(t *testing.T) {
	tk := &countingToolkit{}
	p := NewPool(tk, Config{})
	defer p.Close()

	unopened, _ := p.Get()
	p.Put(unopened)

	broken := opened(t, p)
	if _, err := broken.Search(context.Background(), "drop"); !errors.Is(err, catalog.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	p.Put(broken)

	if p.Idle() != 0 {
		t.Errorf("idle = %d, want 0", p.Idle())
	}
	if unopened.State() != session.Closed {
		t.Errorf("unopened session state = %v", unopened.State())
	}
}

func TestPutBeyondMaxIdleCloses(t *testing.T) {
	tk := &countingToolkit{}
	p := NewPool(tk, Config{MaxIdle: 1})
	defer p.Close()

	a, b := opened(t, p), opened(t, p)
	p.Put(a)
	p.Put(b)

	if p.Idle() != 1 {
		t.Errorf("idle = %d, want 1", p.Idle())
	}
	if b.State() != session.Closed || tk.closes.Load() != 1 {
		t.Errorf("surplus session: state %v, closes %d", b.State(), tk.closes.Load())
	}
}

func TestExpiredSessionIsNotReused(t *testing.T) {
	tk := &countingToolkit{}
	p := NewPool(tk, Config{IdleTimeout: time.Minute})
	defer p.Close()

	var mu sync.Mutex
	now := time.Now()
	p.mu.Lock()
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p.mu.Unlock()

	m := opened(t, p)
	p.Put(m)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	got, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if got == m {
		t.Error("expired session was handed out")
	}
	if m.State() != session.Closed {
		t.Errorf("expired session state = %v", m.State())
	}
}

func TestCleanup(t *testing.T) {
	tk := &countingToolkit{}
	p := NewPool(tk, Config{IdleTimeout: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	defer p.Close()

	p.Put(opened(t, p))
	if p.Idle() != 1 {
		t.Fatalf("idle = %d, want 1", p.Idle())
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Idle() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.Idle() != 0 {
		t.Errorf("idle = %d after cleanup, want 0", p.Idle())
	}
	if tk.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tk.closes.Load())
	}
}

func TestClose(t *testing.T) {
	tk := &countingToolkit{}
	p := NewPool(tk, Config{})

	m := opened(t, p)
	p.Put(m)
	p.Close()
	p.Close()

	if m.State() != session.Closed {
		t.Errorf("idle session state = %v after Close", m.State())
	}
	if _, err := p.Get(); !errors.Is(err, catalog.ErrSessionClosed) {
		t.Errorf("Get after Close: err = %v", err)
	}

	late := session.New(tk)
	if _, err := late.Search(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	p.Put(late)
	if late.State() != session.Closed {
		t.Error("Put after Close kept the session")
	}
}

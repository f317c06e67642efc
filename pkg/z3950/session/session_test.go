package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/marc"
	"github.com/yourusername/aleph-gateway/pkg/pager"
)

var errDropped = errors.New("socket dropped")

// fakeToolkit simulates a target whose queries are looked up in results.
// A query missing from results is a syntax error.
type fakeToolkit struct {
	results   map[string]int
	dropAt    int // 1-based toolkit call (search or fetch) that drops the socket
	missing   int // position that has no record
	malformed int // position whose record has a broken directory
	openErr   error

	opens    atomic.Int32
	searches atomic.Int32
	fetches  atomic.Int32
	closes   atomic.Int32
	calls    atomic.Int32
}

type fakeConn struct {
	tk     *fakeToolkit
	closed atomic.Bool
}

func (tk *fakeToolkit) Open(ctx context.Context) (Conn, error) {
	tk.opens.Add(1)
	if tk.openErr != nil {
		return nil, tk.openErr
	}
	return &fakeConn{tk: tk}, nil
}

func (tk *fakeToolkit) String() string { return "fake:210/TEST" }

func (tk *fakeToolkit) dropped() bool {
	return tk.dropAt != 0 && int(tk.calls.Add(1)) == tk.dropAt
}

func (c *fakeConn) Search(ctx context.Context, query string) (int, error) {
	c.tk.searches.Add(1)
	if c.tk.dropped() {
		return 0, errDropped
	}
	n, ok := c.tk.results[query]
	if !ok {
		return 0, &catalog.QueryError{Query: query, Reason: "syntax error"}
	}
	return n, nil
}

func (c *fakeConn) Fetch(ctx context.Context, position int) ([]byte, error) {
	c.tk.fetches.Add(1)
	if c.tk.dropped() {
		return nil, errDropped
	}
	if position == c.tk.missing {
		return nil, &catalog.NotFoundError{Kind: "record position", ID: fmt.Sprint(position)}
	}
	if position == c.tk.malformed {
		return []byte("00050nam a2200037 a 4500245-00100000\x1eabc\x1e\x1d"), nil
	}
	rec := &marc.Record{Fields: []marc.Field{
		{Tag: "001", Value: fmt.Sprintf("SYS%03d", position)},
		{Tag: "245", Subfields: []marc.Subfield{{Code: "a", Value: fmt.Sprintf("Title %d", position)}}},
	}}
	return rec.ISO2709(), nil
}

func (c *fakeConn) Close() error {
	if c.closed.Swap(true) {
		return errors.New("closed twice")
	}
	c.tk.closes.Add(1)
	return nil
}

func TestSearchOpensLazilyAndReusesConnection(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 2, "b": 1}}
	m := New(tk)
	ctx := context.Background()

	if m.State() != Unopened || tk.opens.Load() != 0 {
		t.Fatalf("New opened a connection: state %v, opens %d", m.State(), tk.opens.Load())
	}

	first, err := m.SearchAll(ctx, "a")
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := m.SearchAll(ctx, "b")
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(first) != 2 || first[0].ID != "SYS001" || first[1].MARC.Title() != "Title 2" {
		t.Errorf("first = %+v", first)
	}
	if len(second) != 1 || second[0].Status != catalog.StatusActive || second[0].Format != catalog.FormatISO2709 {
		t.Errorf("second = %+v", second)
	}
	if tk.opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", tk.opens.Load())
	}
	if m.State() != Open {
		t.Errorf("state = %v, want open", m.State())
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if tk.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tk.closes.Load())
	}
}

func TestSearchAfterCloseNeverTouchesToolkit(t *testing.T) {
	for _, opened := range []bool{false, true} {
		t.Run(fmt.Sprintf("opened=%v", opened), func(t *testing.T) {
			tk := &fakeToolkit{results: map[string]int{"a": 1}}
			m := New(tk)
			if opened {
				if _, err := m.Search(context.Background(), "a"); err != nil {
					t.Fatal(err)
				}
			}
			m.Close()
			opens, searches := tk.opens.Load(), tk.searches.Load()

			_, err := m.Search(context.Background(), "a")
			if !errors.Is(err, catalog.ErrSessionClosed) {
				t.Errorf("err = %v, want ErrSessionClosed", err)
			}
			if tk.opens.Load() != opens || tk.searches.Load() != searches {
				t.Error("search after close reached the toolkit")
			}
		})
	}
}

func TestQueryErrorKeepsSessionOpen(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"good": 1}}
	m := New(tk)
	ctx := context.Background()

	if _, err := m.Search(ctx, "@@broken"); !errors.Is(err, catalog.ErrQuery) {
		t.Fatalf("err = %v, want ErrQuery", err)
	}
	if m.State() != Open {
		t.Errorf("state = %v, want open", m.State())
	}
	if _, err := m.SearchAll(ctx, "good"); err != nil {
		t.Errorf("search after query error: %v", err)
	}
	if tk.opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", tk.opens.Load())
	}
}

func TestConnectionFailureClosesSession(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 3}, dropAt: 3}
	m := New(tk)
	ctx := context.Background()

	rs, err := m.Search(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	got, err := pager.Collect(ctx, rs.Iterator)
	if !errors.Is(err, catalog.ErrConnection) || !errors.Is(err, errDropped) {
		t.Fatalf("err = %v, want ConnectionError wrapping the drop", err)
	}
	var ce *catalog.ConnectionError
	if !errors.As(err, &ce) || ce.Addr != "fake:210/TEST" {
		t.Errorf("ConnectionError = %+v", ce)
	}
	if len(got) != 1 {
		t.Errorf("records before drop = %d, want 1", len(got))
	}
	if m.State() != Closed || tk.closes.Load() != 1 {
		t.Errorf("state = %v, closes = %d", m.State(), tk.closes.Load())
	}

	if _, err := m.Search(ctx, "a"); !errors.Is(err, catalog.ErrSessionClosed) {
		t.Errorf("search after drop: err = %v, want ErrSessionClosed", err)
	}
	if tk.opens.Load() != 1 {
		t.Errorf("reconnected: opens = %d", tk.opens.Load())
	}
}

func TestCancelledContextKeepsSessionOpen(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 2}}
	m := New(tk)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Search(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m.State() != Unopened || tk.opens.Load() != 0 {
		t.Errorf("cancelled search opened a connection: state %v, opens %d", m.State(), tk.opens.Load())
	}

	rs, err := m.Search(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rs.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("fetch: err = %v, want context.Canceled", err)
	}
	if tk.fetches.Load() != 0 {
		t.Errorf("fetches = %d, want 0", tk.fetches.Load())
	}
	if m.State() != Open {
		t.Errorf("state = %v, want open", m.State())
	}
	if got, err := m.SearchAll(context.Background(), "a"); err != nil || len(got) != 2 {
		t.Errorf("search after cancellation = %d records, %v", len(got), err)
	}
	if tk.opens.Load() != 1 || tk.closes.Load() != 0 {
		t.Errorf("opens = %d, closes = %d", tk.opens.Load(), tk.closes.Load())
	}
}

func TestOpenFailure(t *testing.T) {
	tk := &fakeToolkit{openErr: errors.New("connection refused")}
	m := New(tk)

	if _, err := m.Search(context.Background(), "a"); !errors.Is(err, catalog.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if m.State() != Closed {
		t.Errorf("state = %v, want closed", m.State())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestResultSetBoundToSearch(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 5, "b": 5}}
	m := New(tk)
	ctx := context.Background()

	first, _ := m.Search(ctx, "a")
	if _, err := first.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Search(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Next(ctx); !errors.Is(err, ErrStaleResultSet) {
		t.Errorf("stale result set: err = %v", err)
	}

	second, _ := m.Search(ctx, "a")
	m.Close()
	fetches := tk.fetches.Load()
	if _, err := second.Next(ctx); !errors.Is(err, catalog.ErrSessionClosed) {
		t.Errorf("after close: err = %v, want ErrSessionClosed", err)
	}
	if tk.fetches.Load() != fetches {
		t.Error("fetch after close reached the toolkit")
	}
}

func TestMissingRecordIsFailed(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 3}, missing: 2}
	m := New(tk)
	defer m.Close()

	got, err := m.SearchAll(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[1].Status != catalog.StatusFailed || got[1].ID != "2" || got[2].ID != "SYS003" {
		t.Errorf("records = %+v", got)
	}
	if m.State() != Open {
		t.Errorf("state = %v", m.State())
	}
}

func TestMalformedRecordIsFailed(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 3}, malformed: 2}
	m := New(tk)
	defer m.Close()

	got, err := m.SearchAll(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	if got[1].Status != catalog.StatusFailed || got[1].ID != "2" || got[1].MARC != nil || len(got[1].Raw) == 0 {
		t.Errorf("malformed record = %+v", got[1])
	}
	if got[2].Status != catalog.StatusActive || got[2].ID != "SYS003" {
		t.Errorf("record after malformed one = %+v", got[2])
	}
	if m.State() != Open {
		t.Errorf("state = %v, want open", m.State())
	}
}

func TestEmptyResultFetchesNothing(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"none": 0}}
	m := New(tk)
	defer m.Close()

	rs, err := m.Search(context.Background(), "none")
	if err != nil {
		t.Fatal(err)
	}
	if rs.Count != 0 || !rs.Done() {
		t.Errorf("result set = %+v", rs)
	}
	if tk.fetches.Load() != 0 {
		t.Errorf("fetches = %d", tk.fetches.Load())
	}
}

func TestSUTRSIsNotParsed(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 1}}
	m := New(tk, WithFormat(catalog.FormatSUTRS))
	defer m.Close()

	got, err := m.SearchAll(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Format != catalog.FormatSUTRS || got[0].MARC != nil || len(got[0].Raw) == 0 || got[0].ID != "1" {
		t.Errorf("record = %+v", got[0])
	}
}

func TestDoClosesSession(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 1}}
	boom := errors.New("boom")

	err := Do(context.Background(), tk, func(ctx context.Context, m *Manager) error {
		if _, err := m.SearchAll(ctx, "a"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if tk.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tk.closes.Load())
	}
}

func TestLeakedSessionIsReleased(t *testing.T) {
	tk := &fakeToolkit{results: map[string]int{"a": 1}}
	func() {
		m := New(tk)
		if _, err := m.Search(context.Background(), "a"); err != nil {
			t.Fatal(err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tk.closes.Load() == 0 && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if tk.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tk.closes.Load())
	}
}

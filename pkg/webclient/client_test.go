package webclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{Host: srv.URL + "/", Endpoint: "/X", TotalRetry: retries, RetryBackoff: time.Millisecond})
	return c, &calls
}

func TestGetSendsParams(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/X" {
			t.Errorf("path = %q, want /X", r.URL.Path)
		}
		if r.URL.Query().Get("op") != "find" || r.URL.Query().Get("base") != "MZK01" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Write([]byte("<find/>"))
	}, 0)

	body, err := c.Get(context.Background(), url.Values{"op": {"find"}, "base": {"MZK01"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "<find/>" {
		t.Errorf("body = %q", body)
	}
}

func TestGetRetriesGatewayErrors(t *testing.T) {
	var n atomic.Int32
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}, 5)

	body, err := c.Get(context.Background(), url.Values{"verb": {"Identify"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGetGivesUpAfterTotalRetry(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 2)

	_, err := c.Get(context.Background(), url.Values{"op": {"present"}})
	var te *catalog.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.StatusCode != http.StatusBadGateway || te.Op != "present" {
		t.Errorf("TransportError = %+v", te)
	}
	if !errors.Is(err, catalog.ErrTransport) {
		t.Error("errors.Is(err, ErrTransport) = false")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 5)

	_, err := c.Get(context.Background(), url.Values{})
	var te *catalog.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestPing(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5)

	if err := c.Ping(context.Background(), url.Values{"op": {"ping"}}); !errors.Is(err, catalog.ErrTransport) {
		t.Errorf("Ping = %v, want transport error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Ping retried: calls = %d", calls.Load())
	}

	down := New(Config{Host: "http://127.0.0.1:1", Endpoint: "OAI"})
	if err := down.Ping(context.Background(), url.Values{}); err == nil {
		t.Error("Ping to closed port succeeded")
	}
}

package reachability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// roundTripFunc adapts a function to http.RoundTripper so tests can control
// probe outcomes without a real Graph endpoint.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestInitialStateIsUnreachable(t *testing.T) {
	w := New(nil, nil, nil)
	if w.Reachable() {
		t.Error("expected initial state unreachable")
	}
}

func TestProbeOnceMarksReachableOnAnyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return http.Get(srv.URL)
	})}

	w := New(client, nil, nil)
	w.probeOnce(context.Background())
	if !w.Reachable() {
		t.Error("expected 403 response to count as reachable")
	}
}

func TestProbeOnceMarksUnreachableOnTransportError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})}

	w := New(client, nil, nil)
	w.probeOnce(context.Background())
	if w.Reachable() {
		t.Error("expected transport failure to count as unreachable")
	}
}

func TestSubscriberNotifiedOnBecameReachable(t *testing.T) {
	unreachableClient := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})}
	w := New(unreachableClient, nil, nil)
	ch := w.Subscribe()

	w.probeOnce(context.Background())
	select {
	case <-ch:
		t.Fatal("should not notify while remaining unreachable")
	default:
	}

	w.client = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	})}
	w.probeOnce(context.Background())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected became-reachable notification")
	}
}

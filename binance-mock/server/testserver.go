package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// CapturedRequest is one request the venue received.
type CapturedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
	At      time.Time
}

// RequestCapture records requests ahead of the handlers so tests can assert
// on what actually hit the wire.
type RequestCapture struct {
	mu       sync.Mutex
	requests []CapturedRequest
}

// Wrap captures each request's body and headers, then forwards it.
func (rc *RequestCapture) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		rc.mu.Lock()
		rc.requests = append(rc.requests, CapturedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    append([]byte(nil), body...),
			At:      time.Now(),
		})
		rc.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// Requests returns a copy of everything captured so far.
func (rc *RequestCapture) Requests() []CapturedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]CapturedRequest, len(rc.requests))
	copy(out, rc.requests)
	return out
}

// Clear drops the capture history.
func (rc *RequestCapture) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.requests = rc.requests[:0]
}

// TestServer is an isolated httptest-backed venue with request capture.
type TestServer struct {
	httpServer *httptest.Server
	handler    *Handler
	capture    *RequestCapture
}

// NewTestServer starts a fresh venue on a random port and shuts it down when
// the test finishes. Seed accounts and symbols through State.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	handler := NewHandler(NewState())
	capture := &RequestCapture{}
	ts := &TestServer{
		httpServer: httptest.NewServer(capture.Wrap(handler.Mux())),
		handler:    handler,
		capture:    capture,
	}
	t.Cleanup(ts.Close)
	return ts
}

// URL returns the venue's base URL.
func (ts *TestServer) URL() string { return ts.httpServer.URL }

// Close shuts the venue down and blocks until in-flight requests finish.
func (ts *TestServer) Close() { ts.httpServer.Close() }

// State exposes the venue book of record for seeding and assertions.
func (ts *TestServer) State() *State { return ts.handler.State() }

// Requests returns every captured request.
func (ts *TestServer) Requests() []CapturedRequest { return ts.capture.Requests() }

// RequestsFor returns the captured requests that hit one path.
func (ts *TestServer) RequestsFor(path string) []CapturedRequest {
	var out []CapturedRequest
	for _, req := range ts.capture.Requests() {
		if req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

// CountFor returns how many requests hit one path.
func (ts *TestServer) CountFor(path string) int { return len(ts.RequestsFor(path)) }

// ClearRequests drops the capture history.
func (ts *TestServer) ClearRequests() { ts.capture.Clear() }

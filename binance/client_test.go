package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairhedge/pairhedge/alert"
	"github.com/pairhedge/pairhedge/internal/clock"
)

const (
	testAPIKey    = "test-key"
	testAPISecret = "test-secret"
)

// exchangeStub records every request and delegates non /fapi/v1/time paths to
// the test's handler. Assertions happen on the captured requests after the
// call, never inside the serving goroutine.
type exchangeStub struct {
	handler func(w http.ResponseWriter, r *http.Request, params url.Values)

	mu   sync.Mutex
	reqs []stubRequest
}

type stubRequest struct {
	Method      string
	Path        string
	RawQuery    string
	ContentType string
	Params      url.Values
	APIKey      string
}

func newExchangeStub(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, params url.Values)) (*exchangeStub, *httptest.Server) {
	t.Helper()
	stub := &exchangeStub{handler: handler}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *exchangeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := requestParams(r)
	s.mu.Lock()
	s.reqs = append(s.reqs, stubRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Params:      params,
		APIKey:      r.Header.Get("X-MBX-APIKEY"),
	})
	s.mu.Unlock()

	if r.URL.Path == "/fapi/v1/time" {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli())
		return
	}
	s.handler(w, r, params)
}

// requests returns the captured calls to the given path, all of them when
// path is empty.
func (s *exchangeStub) requests(path string) []stubRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		return append([]stubRequest(nil), s.reqs...)
	}
	var out []stubRequest
	for _, req := range s.reqs {
		if req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return url.Values{}
		}
		return r.PostForm
	}
	return r.URL.Query()
}

// expectedSignature recomputes the HMAC the way the venue verifies it: drop
// the signature parameter, re-encode the rest, digest with the secret.
func expectedSignature(secret string, params url.Values) string {
	stripped := url.Values{}
	for k, vs := range params {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			stripped.Add(k, v)
		}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stripped.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestClient(t *testing.T, baseURL string, opts ...ClientOption) (*Client, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	base := []ClientOption{
		WithClock(fake),
		WithRateGate(NewRateGate(time.Millisecond, fake)),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond}),
	}
	client, err := NewClient(
		Account{Label: "alpha", APIKey: testAPIKey, APISecret: testAPISecret},
		baseURL,
		append(base, opts...)...)
	require.NoError(t, err)
	return client, fake
}

type countingNotifier struct {
	mu     sync.Mutex
	events []alert.Event
}

func (n *countingNotifier) Notify(_ context.Context, ev alert.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *countingNotifier) Events() []alert.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Event(nil), n.events...)
}

func TestClientSignsRequests(t *testing.T) {
	t.Parallel()

	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		fmt.Fprint(w, `{}`)
	})
	client, _ := newTestClient(t, srv.URL)

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	_, err := client.Do(context.Background(), http.MethodGet, "/fapi/v2/positionRisk", params, true)
	require.NoError(t, err)

	reqs := stub.requests("/fapi/v2/positionRisk")
	require.Len(t, reqs, 1)
	got := reqs[0]
	require.Equal(t, testAPIKey, got.APIKey)
	require.Equal(t, "BTCUSDT", got.Params.Get("symbol"))
	require.NotEmpty(t, got.Params.Get("timestamp"))
	require.Equal(t, "10000", got.Params.Get("recvWindow"))
	require.Equal(t, expectedSignature(testAPISecret, got.Params), got.Params.Get("signature"))
}

func TestClientSendsPostParamsInBody(t *testing.T) {
	t.Parallel()

	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		fmt.Fprint(w, `{}`)
	})
	client, _ := newTestClient(t, srv.URL)

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("leverage", "10")
	_, err := client.Do(context.Background(), http.MethodPost, "/fapi/v1/leverage", params, true)
	require.NoError(t, err)

	reqs := stub.requests("/fapi/v1/leverage")
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].RawQuery, "POST must not leak params into the query string")
	require.Equal(t, "application/x-www-form-urlencoded", reqs[0].ContentType)
	require.Equal(t, "10", reqs[0].Params.Get("leverage"))
	require.Equal(t, expectedSignature(testAPISecret, reqs[0].Params), reqs[0].Params.Get("signature"))
}

func TestClientRetriesServerErrorsWithFreshSignature(t *testing.T) {
	t.Parallel()

	var calls int
	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":-1000,"msg":"internal error"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	client, fake := newTestClient(t, srv.URL)

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	_, err := client.Do(context.Background(), http.MethodGet, "/fapi/v2/positionRisk", params, true)
	require.NoError(t, err)

	reqs := stub.requests("/fapi/v2/positionRisk")
	require.Len(t, reqs, 3)

	// Each retry rebuilds timestamp and signature; the fake clock moves
	// between attempts, so the timestamps must differ.
	require.NotEqual(t, reqs[0].Params.Get("timestamp"), reqs[1].Params.Get("timestamp"))
	for _, req := range reqs {
		require.Equal(t, expectedSignature(testAPISecret, req.Params), req.Params.Get("signature"))
	}

	// Backoff slept through the injected clock, not the wall clock.
	var backoffs int
	for _, d := range fake.Slept() {
		if d >= 20*time.Millisecond {
			backoffs++
		}
	}
	require.GreaterOrEqual(t, backoffs, 2)
}

func TestClientDoesNotRetryBusinessRejections(t *testing.T) {
	t.Parallel()

	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1102,"msg":"Mandatory parameter was not sent"}`)
	})
	client, _ := newTestClient(t, srv.URL)

	_, err := client.Do(context.Background(), http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, -1102, apiErr.Code)
	require.Len(t, stub.requests("/fapi/v2/positionRisk"), 1, "business rejections must not burn retries")
}

func TestClientNotifiesOnceOnRetryExhaustion(t *testing.T) {
	t.Parallel()

	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"code":-1001,"msg":"service unavailable"}`)
	})
	notifier := &countingNotifier{}
	client, _ := newTestClient(t, srv.URL, WithNotifier(notifier))

	_, err := client.Do(context.Background(), http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	require.Error(t, err)

	require.Len(t, stub.requests("/fapi/v2/positionRisk"), 3, "expected the full retry budget")
	events := notifier.Events()
	require.Len(t, events, 1, "exhaustion must alert exactly once")
	require.Contains(t, events[0].Detail, "alpha")
	require.Contains(t, events[0].Detail, "/fapi/v2/positionRisk")
}

func TestClientResyncsClockOnSkewRejection(t *testing.T) {
	t.Parallel()

	var orderCalls int
	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		orderCalls++
		if orderCalls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	client, _ := newTestClient(t, srv.URL)

	_, err := client.Do(context.Background(), http.MethodPost, "/fapi/v1/order", nil, true)
	require.NoError(t, err)

	require.Len(t, stub.requests("/fapi/v1/order"), 2)
	// One proactive sync before the first signed attempt, one reactive sync
	// after the skew rejection.
	require.Len(t, stub.requests("/fapi/v1/time"), 2)
}

func TestClientHonorsRetryAfterCooldown(t *testing.T) {
	t.Parallel()

	var calls int
	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	client, fake := newTestClient(t, srv.URL)

	start := fake.Now()
	_, err := client.Do(context.Background(), http.MethodGet, "/fapi/v2/balance", nil, true)
	require.NoError(t, err)

	require.Len(t, stub.requests("/fapi/v2/balance"), 2)
	require.GreaterOrEqual(t, fake.Now().Sub(start), 2*time.Second,
		"second attempt must wait out the advertised cooldown")
}

func TestClientSurfacesErrorEnvelopeInsideOK(t *testing.T) {
	t.Parallel()

	_, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
	})
	client, _ := newTestClient(t, srv.URL)

	_, err := client.Do(context.Background(), http.MethodGet, "/fapi/v1/order", nil, true)
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestClientStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	stub, srv := newExchangeStub(t, func(w http.ResponseWriter, _ *http.Request, _ url.Values) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":-1000,"msg":"boom"}`)
	})
	client, _ := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Do(ctx, http.MethodGet, "/fapi/v2/balance", nil, false)
	require.Error(t, err)
	require.LessOrEqual(t, len(stub.requests("/fapi/v2/balance")), 1,
		"canceled context must not keep retrying")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Account{Label: "naked"}, "")
	require.Error(t, err)
}

func TestNewClientRejectsBadProxyURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Account{
		Label:     "proxied",
		APIKey:    "k",
		APISecret: "s",
		ProxyURL:  "http://%zz",
	}, "")
	require.Error(t, err)
}

package auth_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/school-portal/auth"
	"github.com/jrsteele09/school-portal/kvstore"
	"github.com/jrsteele09/school-portal/oauthmodel"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/jrsteele09/school-portal/token/tokentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	loginPath   = "/accounts/token/"
	refreshPath = "/accounts/token/refresh/"
)

// backend is a fake REST API: the token endpoints plus whatever business
// handler a test installs.
type backend struct {
	t            *testing.T
	srv          *httptest.Server
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32

	mu            sync.Mutex
	refreshStatus int
	refreshGate   chan struct{}
	entered       chan struct{}
	business      http.HandlerFunc
	seen          []*http.Request
}

func newBackend(t *testing.T) *backend {
	b := &backend{t: t, refreshStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api"+refreshPath, b.handleRefresh)
	mux.HandleFunc("POST /api"+loginPath, b.handleLogin)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.seen = append(b.seen, r.Clone(context.Background()))
		handler := b.business
		b.mu.Unlock()
		handler(w, r)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) baseURL() string {
	return b.srv.URL + "/api"
}

func (b *backend) setRefreshStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshStatus = status
}

func (b *backend) setBusiness(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.business = h
}

// holdRefresh parks refresh calls until release is called. The returned
// channel receives once per call that reached the endpoint.
func (b *backend) holdRefresh(t *testing.T) (<-chan struct{}, func()) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	b.mu.Lock()
	b.refreshGate, b.entered = gate, entered
	b.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return entered, release
}

func (b *backend) requests() []*http.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*http.Request(nil), b.seen...)
}

func (b *backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	b.mu.Lock()
	status := b.refreshStatus
	gate, entered := b.refreshGate, b.entered
	b.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	assert.Empty(b.t, r.Header.Get("Authorization"))
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired","code":"token_not_valid"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(oauthmodel.RefreshResponse{
		Access: tokentest.ExpiringIn(b.t, time.Now(), time.Hour, tokentest.Options{Username: "refreshed"}),
	})
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.loginCalls.Add(1)
	var req oauthmodel.LoginRequest
	assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
	if req.Password != "s3cret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(oauthmodel.TokenPair{
		Access:  tokentest.ExpiringIn(b.t, time.Now(), time.Hour, tokentest.Options{Username: req.Username, Role: "registrar"}),
		Refresh: "r-login",
	})
}

type harness struct {
	backend   *backend
	store     *sessions.Store
	clock     *token.Clock
	scheduler *refresh.Scheduler
	gateway   *auth.Gateway
	guard     *auth.Guard
	service   *auth.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := newBackend(t)
	store := sessions.NewStore(kvstore.NewInMemoryRepo(), token.Unverified)
	clock := token.NewClock()
	scheduler := refresh.NewScheduler(store, clock, refresh.NewHTTPEndpoint(b.baseURL(), refreshPath, nil))
	gateway := auth.NewGateway(store, clock, scheduler, auth.WithBypassPaths(loginPath, refreshPath))
	t.Cleanup(scheduler.Cancel)

	return &harness{
		backend:   b,
		store:     store,
		clock:     clock,
		scheduler: scheduler,
		gateway:   gateway,
		guard:     auth.NewGuard(store, clock, scheduler),
		service:   auth.NewService(auth.NewHTTPLoginEndpoint(b.baseURL(), loginPath, gateway.Client(5*time.Second)), store, scheduler),
	}
}

func (h *harness) login(t *testing.T, access string) {
	t.Helper()
	require.NoError(t, h.store.Set(context.Background(), access, "r1"))
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.gateway.Client(5*time.Second).Get(h.backend.baseURL() + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func TestGatewayInjectsValidToken(t *testing.T) {
	h := newHarness(t)
	access := tokentest.ExpiringIn(t, time.Now(), time.Hour)
	h.login(t, access)
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	resp := h.get(t, "/students/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	seen := h.backend.requests()
	require.Len(t, seen, 1)
	require.Equal(t, access, bearer(seen[0]))
	require.NotEmpty(t, seen[0].Header.Get(auth.HeaderRequestID))
	require.Zero(t, h.backend.refreshCalls.Load())
}

func TestGatewayWithoutSessionSendsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	resp := h.get(t, "/students/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, h.backend.requests()[0].Header.Get("Authorization"))
	require.Zero(t, h.backend.refreshCalls.Load())
}

func TestGatewayRefreshesExpiredTokenBeforeSending(t *testing.T) {
	h := newHarness(t)
	expired := tokentest.ExpiringIn(t, time.Now(), -time.Minute)
	h.login(t, expired)
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	resp := h.get(t, "/departments/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, h.backend.refreshCalls.Load())

	sent := bearer(h.backend.requests()[0])
	require.NotEqual(t, expired, sent)
	require.True(t, h.clock.IsValid(sent, time.Now()))
}

func TestGatewayRetriesOnceAfter401(t *testing.T) {
	h := newHarness(t)
	original := tokentest.ExpiringIn(t, time.Now(), time.Hour)
	h.login(t, original)

	var calls atomic.Int32
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})

	resp := h.get(t, "/sections/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":1}]`, string(body))

	seen := h.backend.requests()
	require.Len(t, seen, 2)
	require.Equal(t, original, bearer(seen[0]))
	require.NotEqual(t, original, bearer(seen[1]))
	require.NotEmpty(t, seen[0].Header.Get(auth.HeaderRequestID))
	require.Equal(t, seen[0].Header.Get(auth.HeaderRequestID), seen[1].Header.Get(auth.HeaderRequestID))
	require.EqualValues(t, 1, h.backend.refreshCalls.Load())
}

func TestGatewayPassesSecond401Through(t *testing.T) {
	h := newHarness(t)
	h.login(t, tokentest.ExpiringIn(t, time.Now(), time.Hour))
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	resp := h.get(t, "/payments/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, h.backend.requests(), 2)
	require.EqualValues(t, 1, h.backend.refreshCalls.Load())
	require.NotNil(t, h.store.Get(), "the gateway never clears the session")

	err := auth.ResponseError(resp)
	require.ErrorIs(t, err, auth.ErrGatewayUnauthorized)
}

func TestGatewayReturns401WhenRefreshFails(t *testing.T) {
	h := newHarness(t)
	h.login(t, tokentest.ExpiringIn(t, time.Now(), time.Hour))
	h.backend.setRefreshStatus(http.StatusUnauthorized)
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	resp := h.get(t, "/students/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, h.backend.requests(), 1)
	require.EqualValues(t, 1, h.backend.refreshCalls.Load())
}

func TestGatewayReplaysBody(t *testing.T) {
	h := newHarness(t)
	h.login(t, tokentest.ExpiringIn(t, time.Now(), time.Hour))

	var (
		mu     sync.Mutex
		bodies []string
		calls  atomic.Int32
	)
	h.backend.setBusiness(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	resp, err := h.gateway.Client(5*time.Second).Post(h.backend.baseURL()+"/payments/", "application/json", strings.NewReader(`{"amount":120}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`{"amount":120}`, `{"amount":120}`}, bodies)
}

func TestGatewayBypassesTokenEndpoints(t *testing.T) {
	h := newHarness(t)
	h.login(t, tokentest.ExpiringIn(t, time.Now(), time.Hour))
	h.backend.setRefreshStatus(http.StatusUnauthorized)

	req, err := http.NewRequest(http.MethodPost, h.backend.baseURL()+refreshPath, strings.NewReader(`{"refresh":"r1"}`))
	require.NoError(t, err)
	resp, err := h.gateway.Client(5 * time.Second).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// the refresh handler asserts no Authorization header; a 401 here is not retried
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, h.backend.refreshCalls.Load())
}

func TestGatewayCheckOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.gateway.CheckOnce(ctx))

	h.login(t, tokentest.ExpiringIn(t, time.Now(), time.Hour))
	require.NoError(t, h.gateway.CheckOnce(ctx))
	require.Zero(t, h.backend.refreshCalls.Load())

	h.login(t, tokentest.ExpiringIn(t, time.Now(), 2*time.Minute))
	require.NoError(t, h.gateway.CheckOnce(ctx))
	require.EqualValues(t, 1, h.backend.refreshCalls.Load())
	require.Equal(t, "refreshed", h.store.Get().Claims.Username)
}

func TestRunBackgroundCheckStops(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gateway.RunBackgroundCheck(ctx, 10*time.Millisecond) }()

	h.login(t, tokentest.ExpiringIn(t, time.Now(), time.Minute))
	require.Eventually(t, func() bool {
		return h.backend.refreshCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestResponseError(t *testing.T) {
	ok := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("[]"))}
	require.NoError(t, auth.ResponseError(ok))

	failed := &http.Response{StatusCode: http.StatusBadRequest, Body: io.NopCloser(strings.NewReader(`{"name":["required"]}`))}
	err := auth.ResponseError(failed)
	require.ErrorIs(t, err, auth.ErrRequestFailed)

	var reqErr *auth.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	require.Contains(t, reqErr.Body, "required")
}

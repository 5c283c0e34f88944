package auth

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/rs/zerolog/log"
)

const (
	HeaderRequestID = "X-Request-ID"

	DefaultBackgroundCheckInterval = 30 * time.Minute
)

type retriedKey struct{}

// Gateway is the transport every backend call goes through. It attaches the
// bearer token, and on a 401 refreshes once and replays the request once.
// It never clears the session; that is left to the route guard.
type Gateway struct {
	base      http.RoundTripper
	store     *sessions.Store
	clock     *token.Clock
	scheduler *refresh.Scheduler
	bypass    []string
	now       func() time.Time
}

var _ http.RoundTripper = (*Gateway)(nil)

type GatewayOption func(*Gateway)

// WithTransport sets the transport requests are finally sent with.
func WithTransport(rt http.RoundTripper) GatewayOption {
	return func(g *Gateway) {
		g.base = rt
	}
}

// WithBypassPaths lists path suffixes that are sent without a token and never retried.
func WithBypassPaths(paths ...string) GatewayOption {
	return func(g *Gateway) {
		g.bypass = append(g.bypass, paths...)
	}
}

func WithGatewayNowFunc(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

func NewGateway(store *sessions.Store, clock *token.Clock, scheduler *refresh.Scheduler, options ...GatewayOption) *Gateway {
	g := &Gateway{
		base:      http.DefaultTransport,
		store:     store,
		clock:     clock,
		scheduler: scheduler,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Client returns an http.Client sending through the gateway.
func (g *Gateway) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: g,
		Timeout:   timeout,
	}
}

func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.NewString())
	}

	if g.bypassed(req) {
		return g.base.RoundTrip(out)
	}

	g.authorize(out)
	resp, err := g.base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if retried, _ := req.Context().Value(retriedKey{}).(bool); retried {
		log.Debug().Str("url", req.URL.Redacted()).Msg("retried request unauthorized again")
		return resp, nil
	}

	retry, ok := replayable(req)
	if !ok {
		return resp, nil
	}
	retry.Header.Set(HeaderRequestID, out.Header.Get(HeaderRequestID))

	if err := g.scheduler.Refresh(req.Context()); err != nil {
		log.Warn().Err(err).Str("url", req.URL.Redacted()).Msg("refresh after 401 failed")
		return resp, nil
	}

	drain(resp)
	log.Debug().Str("url", req.URL.Redacted()).Msg("retrying request with refreshed token")
	return g.RoundTrip(retry)
}

// authorize sets the bearer header when a valid token is available, refreshing
// first if the stored one has expired. Without one the request goes out bare.
func (g *Gateway) authorize(req *http.Request) {
	if g.store.Get() == nil {
		return
	}
	tok, err := g.scheduler.TokenSource(req.Context()).Token()
	if err != nil {
		log.Debug().Err(err).Msg("no valid token, sending unauthenticated")
		return
	}
	tok.SetAuthHeader(req)
}

func (g *Gateway) bypassed(req *http.Request) bool {
	for _, path := range g.bypass {
		if path != "" && strings.HasSuffix(req.URL.Path, path) {
			return true
		}
	}
	return false
}

// replayable clones req for a second attempt, marked as retried.
// A body that cannot be rewound makes the request non-replayable.
func replayable(req *http.Request) (*http.Request, bool) {
	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	retry.Header.Del("Authorization")
	if req.Body == nil || req.Body == http.NoBody {
		return retry, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	retry.Body = body
	return retry, true
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// CheckOnce refreshes when a session exists and its token is expired or due.
func (g *Gateway) CheckOnce(ctx context.Context) error {
	session := g.store.Get()
	if session == nil {
		return nil
	}
	due, err := g.clock.UntilRefresh(session.AccessToken, g.now())
	if err == nil && due > 0 {
		return nil
	}
	return g.scheduler.Refresh(ctx)
}

// RunBackgroundCheck runs CheckOnce every interval until ctx ends.
func (g *Gateway) RunBackgroundCheck(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultBackgroundCheckInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.CheckOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("background token check failed")
			}
		}
	}
}

package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRetryDelay = 60 * time.Second
	DefaultTimeout    = 10 * time.Second

	minRearmDelay = time.Second
	flightKey     = "refresh"
)

type State int

const (
	Idle State = iota
	Scheduled
	Refreshing
	BackingOff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Refreshing:
		return "refreshing"
	case BackingOff:
		return "backing-off"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFuncFunc runs f after d, like time.AfterFunc.
type AfterFuncFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler keeps the access token fresh. It holds at most one timer, and at
// most one refresh call is in flight: concurrent Refresh callers share it.
type Scheduler struct {
	store      *sessions.Store
	clock      *token.Clock
	endpoint   Endpoint
	now        func() time.Time
	afterFunc  AfterFuncFunc
	retryDelay time.Duration
	maxTries   int
	timeout    time.Duration

	group singleflight.Group

	mu       sync.Mutex
	state    State
	timer    Timer
	seq      uint64
	attempts int
}

type Option func(*Scheduler)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithAfterFunc(fn AfterFuncFunc) Option {
	return func(s *Scheduler) {
		s.afterFunc = fn
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.retryDelay = d
	}
}

// WithMaxAttempts clears the session after n consecutive unreachable refreshes. 0 never gives up.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		s.maxTries = n
	}
}

// WithTimeout bounds each refresh call.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// NewScheduler wires a scheduler to the store. Clearing the store cancels the scheduler.
func NewScheduler(store *sessions.Store, clock *token.Clock, endpoint Endpoint, options ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		clock:      clock,
		endpoint:   endpoint,
		now:        time.Now,
		afterFunc:  realAfterFunc,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	store.OnClear(s.Cancel)
	return s
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ScheduleFrom replaces any pending timer with one for access. When the token
// is already due (or does not decode) a refresh starts straight away.
func (s *Scheduler) ScheduleFrom(access string) {
	s.schedule(access, false)
}

// Cancel stops the pending timer. A timer callback already running becomes a no-op.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.state = Idle
	s.attempts = 0
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers join the call already in flight and get its outcome. ctx only bounds
// how long this caller waits; the shared call runs under its own timeout.
func (s *Scheduler) Refresh(ctx context.Context) error {
	_, err := s.refreshShared(ctx)
	return err
}

func (s *Scheduler) refreshShared(ctx context.Context) (string, error) {
	ch := s.group.DoChan(flightKey, func() (any, error) {
		return s.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Scheduler) refresh() (string, error) {
	session := s.store.Get()
	if session == nil {
		s.setState(Idle)
		return "", apperrors.ErrNoSession
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if session.RefreshToken == "" {
		log.Warn().Str("session", session.ID).Msg("no refresh token, signing out")
		_, _ = s.store.ClearIfCurrent(ctx, session.Generation)
		return "", apperrors.ErrNoRefreshToken
	}

	s.mu.Lock()
	s.stopTimerLocked()
	s.state = Refreshing
	s.mu.Unlock()

	log.Debug().Str("session", session.ID).Msg("refreshing access token")
	resp, err := s.endpoint.Refresh(ctx, session.RefreshToken)
	switch {
	case err == nil:
		return s.handleSuccess(ctx, session, resp.Access, resp.RotatedRefresh())
	case apperrors.Is(err, apperrors.ErrRefreshRejected):
		log.Warn().Err(err).Str("session", session.ID).Msg("refresh rejected, signing out")
		if _, clearErr := s.store.ClearIfCurrent(ctx, session.Generation); clearErr != nil {
			log.Err(clearErr).Msg("failed to clear session")
		}
		s.idleIfRefreshing()
		return "", err
	default:
		if !apperrors.Is(err, apperrors.ErrRefreshUnreachable) {
			err = fmt.Errorf("%w: %w", apperrors.ErrRefreshUnreachable, err)
		}
		return "", s.handleUnreachable(ctx, session, err)
	}
}

func (s *Scheduler) handleSuccess(ctx context.Context, session *sessions.Session, access, rotated string) (string, error) {
	written, err := s.store.SetIfCurrent(ctx, session.Generation, access, rotated)
	if err != nil {
		log.Err(err).Str("session", session.ID).Msg("failed to store refreshed token")
		return "", err
	}
	if !written {
		log.Info().Str("session", session.ID).Msg("session changed during refresh, discarding result")
		s.idleIfRefreshing()
		return "", apperrors.ErrStaleSession
	}

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	log.Info().Str("session", session.ID).Msg("access token refreshed")
	s.schedule(access, true)
	return access, nil
}

func (s *Scheduler) handleUnreachable(ctx context.Context, session *sessions.Session, err error) error {
	current := s.store.Generation() == session.Generation

	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	exhausted := s.maxTries > 0 && attempts >= s.maxTries
	if current && !exhausted {
		s.armLocked(s.retryDelay, BackingOff)
	} else if s.state == Refreshing {
		s.state = Idle
	}
	s.mu.Unlock()

	if exhausted {
		log.Warn().Err(err).Int("attempts", attempts).Msg("refresh retries exhausted, signing out")
		if _, clearErr := s.store.ClearIfCurrent(ctx, session.Generation); clearErr != nil {
			log.Err(clearErr).Msg("failed to clear session")
		}
		return fmt.Errorf("%w: %w", apperrors.ErrRefreshExhausted, err)
	}
	log.Warn().Err(err).Int("attempts", attempts).Dur("retry_in", s.retryDelay).Msg("refresh endpoint unreachable, backing off")
	return err
}

// schedule arms the timer for access. After a successful refresh a token that
// is already inside the threshold is re-armed at half its remaining lifetime.
func (s *Scheduler) schedule(access string, afterRefresh bool) {
	now := s.now()
	delay, err := s.clock.UntilRefresh(access, now)
	state := Scheduled

	if err == nil && delay <= 0 && afterRefresh {
		remaining := delay + s.clock.Threshold()
		if remaining > 0 {
			delay = max(remaining/2, minRearmDelay)
		} else {
			delay, state = s.retryDelay, BackingOff
		}
	}

	s.mu.Lock()
	s.stopTimerLocked()
	if err == nil && delay > 0 {
		s.armLocked(delay, state)
		s.mu.Unlock()
		log.Debug().Dur("in", delay).Str("state", state.String()).Msg("refresh armed")
		return
	}
	s.state = Refreshing
	s.mu.Unlock()

	go func() {
		if err := s.Refresh(context.Background()); err != nil {
			log.Debug().Err(err).Msg("immediate refresh failed")
		}
	}()
}

// armLocked sets the single timer. Callers hold s.mu.
func (s *Scheduler) armLocked(d time.Duration, state State) {
	s.stopTimerLocked()
	seq := s.seq
	s.state = state
	s.timer = s.afterFunc(d, func() { s.fire(seq) })
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if err := s.Refresh(context.Background()); err != nil {
		log.Debug().Err(err).Msg("scheduled refresh failed")
	}
}

// stopTimerLocked stops the timer and invalidates callbacks already queued.
func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Scheduler) idleIfRefreshing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Refreshing {
		s.state = Idle
	}
}

// TokenSource hands out a valid access token, refreshing first when the
// current one has expired.
func (s *Scheduler) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, scheduler: s}
}

type tokenSource struct {
	ctx       context.Context
	scheduler *Scheduler
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	s := ts.scheduler
	session := s.store.Get()
	if session == nil {
		return nil, apperrors.ErrNoSession
	}
	if s.clock.IsValid(session.AccessToken, s.now()) {
		return oauthToken(session), nil
	}

	if err := s.Refresh(ts.ctx); err != nil {
		return nil, err
	}
	session = s.store.Get()
	if session == nil {
		return nil, apperrors.ErrNoSession
	}
	if !s.clock.IsValid(session.AccessToken, s.now()) {
		return nil, apperrors.ErrTokenExpired
	}
	return oauthToken(session), nil
}

func oauthToken(session *sessions.Session) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  session.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: session.RefreshToken,
		Expiry:       session.Expiry(),
	}
}

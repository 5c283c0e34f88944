package refresh_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/internal/utils"
	"github.com/jrsteele09/school-portal/kvstore"
	"github.com/jrsteele09/school-portal/oauthmodel"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/jrsteele09/school-portal/token/tokentest"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

// Fire runs the callback the way time.AfterFunc would, unless stopped.
func (t *fakeTimer) Fire() {
	if t.stopped.Swap(true) {
		return
	}
	t.fn()
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) refresh.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) active() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

type fakeEndpoint struct {
	calls   atomic.Int32
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
	respond func(refreshToken string) (*oauthmodel.RefreshResponse, error)
}

func (e *fakeEndpoint) Refresh(ctx context.Context, refreshToken string) (*oauthmodel.RefreshResponse, error) {
	e.calls.Add(1)
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	respond := e.respond
	e.mu.Unlock()
	return respond(refreshToken)
}

func (e *fakeEndpoint) set(respond func(string) (*oauthmodel.RefreshResponse, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.respond = respond
}

type fixture struct {
	store     *sessions.Store
	timers    *fakeTimers
	endpoint  *fakeEndpoint
	scheduler *refresh.Scheduler
}

func newFixture(t *testing.T, options ...refresh.Option) *fixture {
	t.Helper()
	store := sessions.NewStore(kvstore.NewInMemoryRepo(), token.Unverified)
	timers := &fakeTimers{}
	endpoint := &fakeEndpoint{}
	endpoint.set(func(string) (*oauthmodel.RefreshResponse, error) {
		return &oauthmodel.RefreshResponse{Access: tokentest.ExpiringIn(t, now, time.Hour)}, nil
	})
	opts := append([]refresh.Option{
		refresh.WithNowFunc(func() time.Time { return now }),
		refresh.WithAfterFunc(timers.AfterFunc),
	}, options...)
	scheduler := refresh.NewScheduler(store, token.NewClock(), endpoint, opts...)
	return &fixture{store: store, timers: timers, endpoint: endpoint, scheduler: scheduler}
}

func (f *fixture) login(t *testing.T, access, refreshToken string) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), access, refreshToken))
}

func TestScheduleFromArmsTimerBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	access := tokentest.ExpiringIn(t, now, 10*time.Minute)
	f.login(t, access, "r1")

	f.scheduler.ScheduleFrom(access)

	active := f.timers.active()
	require.Len(t, active, 1)
	require.Equal(t, 5*time.Minute, active[0].delay)
	require.Equal(t, refresh.Scheduled, f.scheduler.State())
	require.Zero(t, f.endpoint.calls.Load())

	active[0].Fire()
	require.EqualValues(t, 1, f.endpoint.calls.Load())
	require.NotEqual(t, access, f.store.Get().AccessToken)
	require.Equal(t, "r1", f.store.Get().RefreshToken)

	// re-armed from the new one hour token
	active = f.timers.active()
	require.Len(t, active, 1)
	require.Equal(t, 55*time.Minute, active[0].delay)
	require.Equal(t, refresh.Scheduled, f.scheduler.State())
}

func TestScheduleFromReplacesTimer(t *testing.T) {
	f := newFixture(t)
	first := tokentest.ExpiringIn(t, now, 10*time.Minute)
	second := tokentest.ExpiringIn(t, now, 20*time.Minute)
	f.login(t, first, "r1")

	f.scheduler.ScheduleFrom(first)
	stale := f.timers.active()[0]
	f.scheduler.ScheduleFrom(second)

	active := f.timers.active()
	require.Len(t, active, 1)
	require.Equal(t, 15*time.Minute, active[0].delay)

	// a callback that raced past Stop is ignored
	stale.fn()
	require.Zero(t, f.endpoint.calls.Load())
}

func TestScheduleFromExpiredRefreshesImmediately(t *testing.T) {
	f := newFixture(t)
	expired := tokentest.ExpiringIn(t, now, -time.Second)
	f.login(t, expired, "r1")

	f.scheduler.ScheduleFrom(expired)

	require.Eventually(t, func() bool {
		session := f.store.Get()
		return session != nil && session.AccessToken != expired
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, f.endpoint.calls.Load())
	require.Eventually(t, func() bool {
		return f.scheduler.State() == refresh.Scheduled
	}, time.Second, 5*time.Millisecond)
}

func TestRefreshRejectedClearsSession(t *testing.T) {
	f := newFixture(t)
	access := tokentest.ExpiringIn(t, now, 10*time.Minute)
	f.login(t, access, "r1")
	f.scheduler.ScheduleFrom(access)
	f.endpoint.set(func(string) (*oauthmodel.RefreshResponse, error) {
		return nil, apperrors.Wrapf(apperrors.ErrRefreshRejected, "status 400")
	})

	f.timers.active()[0].Fire()

	require.Nil(t, f.store.Get())
	require.Empty(t, f.timers.active())
	require.Equal(t, refresh.Idle, f.scheduler.State())
	require.EqualValues(t, 1, f.endpoint.calls.Load())
}

func TestRefreshUnreachableBacksOff(t *testing.T) {
	f := newFixture(t)
	access := tokentest.ExpiringIn(t, now, 10*time.Minute)
	f.login(t, access, "r1")
	f.endpoint.set(func(string) (*oauthmodel.RefreshResponse, error) {
		return nil, apperrors.Wrapf(apperrors.ErrRefreshUnreachable, "timeout")
	})

	err := f.scheduler.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrRefreshUnreachable)
	require.NotNil(t, f.store.Get())
	require.Equal(t, refresh.BackingOff, f.scheduler.State())

	active := f.timers.active()
	require.Len(t, active, 1)
	require.Equal(t, refresh.DefaultRetryDelay, active[0].delay)

	// a second timeout repeats the same back-off
	active[0].Fire()
	require.EqualValues(t, 2, f.endpoint.calls.Load())
	require.NotNil(t, f.store.Get())
	active = f.timers.active()
	require.Len(t, active, 1)
	require.Equal(t, refresh.DefaultRetryDelay, active[0].delay)

	// and recovery re-arms from the new token
	f.endpoint.set(func(string) (*oauthmodel.RefreshResponse, error) {
		return &oauthmodel.RefreshResponse{Access: tokentest.ExpiringIn(t, now, time.Hour)}, nil
	})
	active[0].Fire()
	require.Equal(t, refresh.Scheduled, f.scheduler.State())
	require.Equal(t, 55*time.Minute, f.timers.active()[0].delay)
}

func TestRefreshMaxAttemptsClearsSession(t *testing.T) {
	f := newFixture(t, refresh.WithMaxAttempts(2), refresh.WithRetryDelay(time.Second))
	f.login(t, tokentest.ExpiringIn(t, now, 10*time.Minute), "r1")
	f.endpoint.set(func(string) (*oauthmodel.RefreshResponse, error) {
		return nil, apperrors.ErrRefreshUnreachable
	})

	require.ErrorIs(t, f.scheduler.Refresh(context.Background()), apperrors.ErrRefreshUnreachable)
	require.Equal(t, time.Second, f.timers.active()[0].delay)

	err := f.scheduler.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrRefreshExhausted)
	require.Nil(t, f.store.Get())
	require.Empty(t, f.timers.active())
}

func TestRefreshIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokentest.ExpiringIn(t, now, -time.Minute), "r1")
	f.endpoint.gate = make(chan struct{})
	f.endpoint.entered = make(chan struct{}, 1)

	const callers = 8
	errs := make(chan error, callers)
	go func() { errs <- f.scheduler.Refresh(context.Background()) }()
	<-f.endpoint.entered

	for i := 1; i < callers; i++ {
		go func() { errs <- f.scheduler.Refresh(context.Background()) }()
	}
	// let the joiners reach the flight before releasing it
	time.Sleep(50 * time.Millisecond)
	close(f.endpoint.gate)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	require.EqualValues(t, 1, f.endpoint.calls.Load())
}

func TestRefreshCallerContextStopsWaiting(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokentest.ExpiringIn(t, now, -time.Minute), "r1")
	f.endpoint.gate = make(chan struct{})
	defer close(f.endpoint.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.scheduler.Refresh(ctx), context.DeadlineExceeded)
}

func TestClearDuringRefreshDoesNotResurrect(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokentest.ExpiringIn(t, now, time.Minute), "r1")
	f.endpoint.gate = make(chan struct{})
	f.endpoint.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- f.scheduler.Refresh(context.Background()) }()
	<-f.endpoint.entered

	require.NoError(t, f.store.Clear(context.Background()))
	close(f.endpoint.gate)

	require.ErrorIs(t, <-done, apperrors.ErrStaleSession)
	require.Nil(t, f.store.Get())
	require.Empty(t, f.timers.active())
	require.Equal(t, refresh.Idle, f.scheduler.State())
}

func TestClearCancelsTimer(t *testing.T) {
	f := newFixture(t)
	access := tokentest.ExpiringIn(t, now, 10*time.Minute)
	f.login(t, access, "r1")
	f.scheduler.ScheduleFrom(access)
	require.Len(t, f.timers.active(), 1)

	require.NoError(t, f.store.Clear(context.Background()))
	require.Empty(t, f.timers.active())
	require.Equal(t, refresh.Idle, f.scheduler.State())
}

func TestRefreshUsesRotatedRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokentest.ExpiringIn(t, now, time.Minute), "r1")

	var seen []string
	f.endpoint.set(func(refreshToken string) (*oauthmodel.RefreshResponse, error) {
		seen = append(seen, refreshToken)
		return &oauthmodel.RefreshResponse{
			Access:  tokentest.ExpiringIn(t, now, time.Hour),
			Refresh: utils.Ptr("r2"),
		}, nil
	})

	require.NoError(t, f.scheduler.Refresh(context.Background()))
	require.NoError(t, f.scheduler.Refresh(context.Background()))
	require.Equal(t, []string{"r1", "r2"}, seen)
	require.Equal(t, "r2", f.store.Get().RefreshToken)
}

func TestRefreshWithoutSession(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.scheduler.Refresh(context.Background()), apperrors.ErrNoSession)
	require.Zero(t, f.endpoint.calls.Load())
}

func TestRefreshWithoutRefreshTokenClears(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokentest.ExpiringIn(t, now, time.Minute), "")

	require.ErrorIs(t, f.scheduler.Refresh(context.Background()), apperrors.ErrNoRefreshToken)
	require.Nil(t, f.store.Get())
	require.Zero(t, f.endpoint.calls.Load())
}

func TestShortLivedRefreshResultIsClamped(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokentest.ExpiringIn(t, now, time.Minute), "r1")
	f.endpoint.set(func(string) (*oauthmodel.RefreshResponse, error) {
		return &oauthmodel.RefreshResponse{Access: tokentest.ExpiringIn(t, now, 2*time.Minute)}, nil
	})

	require.NoError(t, f.scheduler.Refresh(context.Background()))
	active := f.timers.active()
	require.Len(t, active, 1)
	require.Equal(t, time.Minute, active[0].delay)
	require.EqualValues(t, 1, f.endpoint.calls.Load())
}

func TestTokenSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scheduler.TokenSource(ctx).Token()
	require.ErrorIs(t, err, apperrors.ErrNoSession)

	valid := tokentest.ExpiringIn(t, now, 10*time.Minute)
	f.login(t, valid, "r1")
	tok, err := f.scheduler.TokenSource(ctx).Token()
	require.NoError(t, err)
	require.Equal(t, valid, tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.Zero(t, f.endpoint.calls.Load())

	f.login(t, tokentest.ExpiringIn(t, now, -time.Second), "r1")
	tok, err = f.scheduler.TokenSource(ctx).Token()
	require.NoError(t, err)
	require.NotEqual(t, valid, tok.AccessToken)
	require.EqualValues(t, 1, f.endpoint.calls.Load())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", refresh.Idle.String())
	require.Equal(t, "backing-off", refresh.BackingOff.String())
}

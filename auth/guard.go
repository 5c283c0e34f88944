package auth

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/rs/zerolog/log"
)

type Decision int

const (
	Authorized Decision = iota
	Redirecting
)

func (d Decision) String() string {
	if d == Authorized {
		return "authorized"
	}
	return "redirecting"
}

// Guard decides whether a protected page may render.
type Guard struct {
	store     *sessions.Store
	clock     *token.Clock
	scheduler *refresh.Scheduler
	now       func() time.Time
}

func NewGuard(store *sessions.Store, clock *token.Clock, scheduler *refresh.Scheduler) *Guard {
	return &Guard{
		store:     store,
		clock:     clock,
		scheduler: scheduler,
		now:       time.Now,
	}
}

// Check authorizes with a valid token, re-arming the scheduler from it.
// Otherwise it tries one refresh; if that fails the session is cleared and
// the caller must redirect to the login page. Only the session seen on entry
// is cleared, and a caller that gave up waiting clears nothing.
func (g *Guard) Check(ctx context.Context) (*sessions.Session, Decision, error) {
	generation := g.store.Generation()
	session := g.store.Get()
	if session != nil && g.clock.IsValid(session.AccessToken, g.now()) {
		g.rearm(session)
		return session, Authorized, nil
	}

	err := g.scheduler.Refresh(ctx)
	if err == nil || apperrors.Is(err, apperrors.ErrStaleSession) {
		session = g.store.Get()
		if session != nil && g.clock.IsValid(session.AccessToken, g.now()) {
			if err != nil {
				g.rearm(session)
			}
			return session, Authorized, nil
		}
		if err == nil {
			// refreshed, yet already expired
			err = apperrors.ErrTokenExpired
			if session != nil {
				generation = session.Generation
			}
		}
	}

	if ctx.Err() != nil {
		log.Debug().Err(err).Msg("route guard caller gone before refresh finished")
		return nil, Redirecting, err
	}

	if !apperrors.Is(err, apperrors.ErrNoSession) {
		log.Info().Err(err).Msg("route guard could not refresh, signing out")
	}
	if _, clearErr := g.store.ClearIfCurrent(ctx, generation); clearErr != nil {
		log.Err(clearErr).Msg("failed to clear session")
	}
	return nil, Redirecting, err
}

// rearm leaves a pending back-off or an in-flight refresh alone.
func (g *Guard) rearm(session *sessions.Session) {
	switch g.scheduler.State() {
	case refresh.BackingOff, refresh.Refreshing:
		return
	}
	g.scheduler.ScheduleFrom(session.AccessToken)
}

package server

import (
	"context"
	"net/http"

	"github.com/jrsteele09/school-portal/auth"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/users"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeySession stores the guarded session
	ContextKeySession ContextKey = "session"
	// ContextKeyProfile stores the profile built from the session claims
	ContextKeyProfile ContextKey = "profile"
)

// SessionFromContext returns the session placed by RequireSessionAuth.
func SessionFromContext(ctx context.Context) *sessions.Session {
	session, _ := ctx.Value(ContextKeySession).(*sessions.Session)
	return session
}

func ProfileFromContext(ctx context.Context) *users.Profile {
	profile, _ := ctx.Value(ContextKeyProfile).(*users.Profile)
	return profile
}

// RequireSessionAuth runs the route guard once per request. Pages are
// redirected to the login form, API callers get a 401.
func (s *Server) RequireSessionAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			session, decision, err := s.deps.Guard.Check(r.Context())
			if decision != auth.Authorized {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("guard redirecting")
				if isAPIRequest(r) {
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Session expired")
					return
				}
				redirectWithError(w, r, RouteLogin, "Session expired")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySession, session)
			ctx = context.WithValue(ctx, ContextKeyProfile, users.ProfileFromClaims(session.Claims))
			next(w, r.WithContext(ctx))
		}
	}
}

// RequireRole is chained after RequireSessionAuth. The profile must hold
// one of roles.
func (s *Server) RequireRole(roles ...users.RoleType) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !ProfileFromContext(r.Context()).HasRole(roles...) {
				forbidden(w, r)
				return
			}
			next(w, r)
		}
	}
}

// RequireDashboardRole gates /dashboard/{name} by the roles listed for that
// dashboard. Unknown dashboards are a 404.
func (s *Server) RequireDashboardRole() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			board, ok := lookupDashboard(r.PathValue("name"))
			if !ok {
				http.NotFound(w, r)
				return
			}
			if !ProfileFromContext(r.Context()).HasRole(board.Roles...) {
				forbidden(w, r)
				return
			}
			next(w, r)
		}
	}
}

func forbidden(w http.ResponseWriter, r *http.Request) {
	if isAPIRequest(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "Role not permitted")
		return
	}
	http.Error(w, "403 - Forbidden", http.StatusForbidden)
}

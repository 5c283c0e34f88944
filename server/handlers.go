package server

import (
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/jrsteele09/school-portal/users"
	"github.com/rs/zerolog/log"
)

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// SessionInfo is the body of GET /api/session.
type SessionInfo struct {
	SessionID      string         `json:"session_id"`
	Profile        *users.Profile `json:"profile"`
	ExpiresAt      time.Time      `json:"expires_at"`
	RefreshIn      string         `json:"refresh_in"`
	SchedulerState string         `json:"scheduler_state"`
}

func (s *Server) SessionInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := SessionFromContext(r.Context())
		if session == nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "No session")
			return
		}

		info := SessionInfo{
			SessionID:      session.ID,
			Profile:        ProfileFromContext(r.Context()),
			ExpiresAt:      session.Expiry(),
			SchedulerState: s.deps.Scheduler.State().String(),
		}
		if due, err := s.deps.Clock.UntilRefresh(session.AccessToken, time.Now()); err == nil {
			info.RefreshIn = due.Round(time.Second).String()
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// BackendProxyHandler forwards /api/backend/* to the REST backend through the
// gateway, so the browser never sees a token.
func (s *Server) BackendProxyHandler() http.HandlerFunc {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = "/" + strings.TrimPrefix(pr.In.URL.Path, RouteAPIBackend)
			pr.Out.URL.RawPath = ""
			pr.SetURL(s.backend)
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		Transport: s.deps.Gateway,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Err(err).Str("path", r.URL.Path).Msg("backend proxy failed")
			writeJSONError(w, http.StatusBadGateway, "bad_gateway", "Backend unavailable")
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		proxy.ServeHTTP(w, r)
	}
}

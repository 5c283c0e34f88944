package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/school-portal/auth"
	"github.com/jrsteele09/school-portal/internal/config"
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/rs/zerolog/log"
)

// Deps are the token lifecycle components the portal is built on.
type Deps struct {
	Store     *sessions.Store
	Clock     *token.Clock
	Scheduler *refresh.Scheduler
	Gateway   *auth.Gateway
	Guard     *auth.Guard
	Auth      *auth.Service
}

type Server struct {
	env     string // Environment (e.g., "DEV", "PROD")
	mux     *http.ServeMux
	routes  []string
	config  config.Config
	deps    Deps
	backend *url.URL     // REST API base, e.g. http://localhost:8000/api
	client  *http.Client // backend client sending through the gateway
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Clock == nil || deps.Scheduler == nil || deps.Gateway == nil || deps.Guard == nil || deps.Auth == nil {
		return nil, fmt.Errorf("[Server New] missing token lifecycle dependencies")
	}

	backend, err := url.Parse(cfg.GetAPIBaseURL())
	if err != nil || backend.Scheme == "" || backend.Host == "" {
		return nil, fmt.Errorf("[Server New] invalid API base URL %q", cfg.GetAPIBaseURL())
	}

	s := &Server{
		env:     cfg.GetEnv(),
		mux:     http.NewServeMux(),
		config:  cfg,
		deps:    deps,
		backend: backend,
		client:  deps.Gateway.Client(cfg.GetRequestTimeout()),
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes lists the registered patterns in registration order.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	log.Info().Msgf("[%-19s] %s", colourMethod(method), path)
}

func (s *Server) backendURL(path string) string {
	return strings.TrimRight(s.backend.String(), "/") + "/" + strings.TrimLeft(path, "/")
}

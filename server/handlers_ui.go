package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/jrsteele09/school-portal/auth"
	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/users"
	"github.com/rs/zerolog/log"
)

type pageData struct {
	AppName string
	Profile *users.Profile
	Error   string
}

// LoginPageData contains data for rendering the login page
type LoginPageData struct {
	pageData
	Username string // Preserve username on error
}

type DashboardPageData struct {
	pageData
	Dashboards []Dashboard
}

type SectionPageData struct {
	pageData
	Dashboard Dashboard
	Columns   []string
	Rows      [][]string
}

func (s *Server) page(r *http.Request) pageData {
	return pageData{
		AppName: s.config.GetAppName(),
		Profile: ProfileFromContext(r.Context()),
		Error:   r.URL.Query().Get("error"),
	}
}

func mustParseTemplate(name string) *template.Template {
	tmpl, err := ParseTemplate(name)
	if err != nil {
		log.Fatal().Err(err).Str("template", name).Msg("Failed to parse template")
	}
	return tmpl
}

func render(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", contentTypeHTML)
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		log.Err(err).Str("template", tmpl.Name()).Msg("Failed to render template")
	}
}

func (s *Server) IndexHandler() http.HandlerFunc {
	indexTmpl := mustParseTemplate("index.html")

	return func(w http.ResponseWriter, r *http.Request) {
		data := s.page(r)
		if session := s.deps.Store.Get(); session != nil && s.deps.Clock.IsValid(session.AccessToken, time.Now()) {
			data.Profile = users.ProfileFromClaims(session.Claims)
		}
		render(w, http.StatusOK, indexTmpl, data)
	}
}

// LoginPageHandler displays the login page (GET /login)
func (s *Server) LoginPageHandler() http.HandlerFunc {
	loginTmpl := mustParseTemplate("login.html")

	return func(w http.ResponseWriter, r *http.Request) {
		render(w, http.StatusOK, loginTmpl, LoginPageData{
			pageData: s.page(r),
			Username: r.URL.Query().Get("username"),
		})
	}
}

// LoginSubmissionHandler processes the login form submission
func (s *Server) LoginSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}

		username := r.FormValue("username")
		password := r.FormValue("password")

		if _, err := s.deps.Auth.Login(r.Context(), username, password); err != nil {
			msg := "Login failed, try again later"
			if apperrors.Is(err, auth.ErrInvalidCredentials) {
				msg = "Invalid username or password"
			}
			redirectWithError(w, r, RouteLogin, msg)
			return
		}
		redirectSuccess(w, r, RouteDashboard)
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Auth.Logout(r.Context()); err != nil {
			log.Err(err).Msg("Logout: failed to clear session")
		}
		redirectSuccess(w, r, RouteIndex)
	}
}

func (s *Server) DashboardHandler() http.HandlerFunc {
	dashboardTmpl := mustParseTemplate("dashboard.html")

	return func(w http.ResponseWriter, r *http.Request) {
		data := DashboardPageData{pageData: s.page(r)}
		data.Dashboards = allowedDashboards(data.Profile)
		render(w, http.StatusOK, dashboardTmpl, data)
	}
}

// DashboardSectionHandler fetches <base>/<name>/ through the gateway and
// renders whatever rows come back as a table.
func (s *Server) DashboardSectionHandler() http.HandlerFunc {
	sectionTmpl := mustParseTemplate("dashboard_section.html")

	return func(w http.ResponseWriter, r *http.Request) {
		board, ok := lookupDashboard(r.PathValue("name"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		data := SectionPageData{pageData: s.page(r), Dashboard: board}

		rows, err := s.fetchRows(r, board.Name+"/")
		switch {
		case apperrors.Is(err, auth.ErrGatewayUnauthorized):
			data.Error = "The backend refused the session"
			render(w, http.StatusUnauthorized, sectionTmpl, data)
			return
		case err != nil:
			log.Err(err).Str("dashboard", board.Name).Msg("failed to load dashboard rows")
			data.Error = "Could not load " + board.Title
			render(w, http.StatusBadGateway, sectionTmpl, data)
			return
		}

		data.Columns, data.Rows = tabulate(rows)
		render(w, http.StatusOK, sectionTmpl, data)
	}
}

func (s *Server) fetchRows(r *http.Request, path string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.backendURL(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRequestFailed, err)
	}
	if err := auth.ResponseError(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRequestFailed, err)
	}
	return decodeRows(body)
}

// decodeRows accepts a bare array or a paginated {"results": [...]} envelope.
func decodeRows(body []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}
	var page struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: malformed rows: %w", apperrors.ErrRequestFailed, err)
	}
	return page.Results, nil
}

// tabulate flattens rows into sorted columns. Missing cells are blank.
func tabulate(rows []map[string]any) ([]string, [][]string) {
	seen := map[string]struct{}{}
	var columns []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok && v != nil {
				cells[i] = fmt.Sprint(v)
			}
		}
		table = append(table, cells)
	}
	return columns, table
}

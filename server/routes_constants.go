package server

// Route path constants
const (
	// Public
	RouteIndex  = "/"
	RouteHealth = "/healthz"

	// Login & Logout
	RouteLogin  = "/login"
	RouteLogout = "/logout"

	// Dashboards (guarded)
	RouteDashboard        = "/dashboard"
	RouteDashboardSection = "/dashboard/{name}"

	// API (guarded)
	RouteAPISession = "/api/session"
	RouteAPIBackend = "/api/backend/"

	// Static Asset Routes (patterns)
	RouteStaticCSS = "/css/{file}"
)

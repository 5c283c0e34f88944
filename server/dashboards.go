package server

import "github.com/jrsteele09/school-portal/users"

// Dashboard is one role gated section of the portal, backed by a REST
// collection of the same name.
type Dashboard struct {
	Name  string
	Title string
	Roles []users.RoleType
}

var dashboards = []Dashboard{
	{Name: "students", Title: "Students", Roles: []users.RoleType{users.RoleRegistrar, users.RoleTeacher}},
	{Name: "departments", Title: "Departments", Roles: []users.RoleType{users.RoleRegistrar}},
	{Name: "sections", Title: "Sections", Roles: []users.RoleType{users.RoleTeacher, users.RoleRegistrar}},
	{Name: "payments", Title: "Payments", Roles: []users.RoleType{users.RoleAccountant}},
}

func lookupDashboard(name string) (Dashboard, bool) {
	for _, d := range dashboards {
		if d.Name == name {
			return d, true
		}
	}
	return Dashboard{}, false
}

// allowedDashboards lists what profile may open, in menu order.
func allowedDashboards(profile *users.Profile) []Dashboard {
	var allowed []Dashboard
	for _, d := range dashboards {
		if profile.HasRole(d.Roles...) {
			allowed = append(allowed, d)
		}
	}
	return allowed
}

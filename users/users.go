package users

import (
	"slices"
	"time"

	"github.com/jrsteele09/school-portal/token"
)

// RoleType is the role claim carried by the access token
type RoleType string

const (
	RoleAdmin      RoleType = "admin"      // School administrator, every dashboard
	RoleRegistrar  RoleType = "registrar"  // Student records and enrolment
	RoleAccountant RoleType = "accountant" // Fees and payments
	RoleTeacher    RoleType = "teacher"    // Sections and their students
)

// Profile is the signed-in user as the portal sees it. It is built from
// untrusted claims and only drives what the UI offers; the backend enforces access.
type Profile struct {
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	Role        RoleType  `json:"role,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Staff       bool      `json:"is_staff,omitempty"`
	Superuser   bool      `json:"is_superuser,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func ProfileFromClaims(claims *token.Claims) *Profile {
	if claims == nil {
		return nil
	}
	return &Profile{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Role:        RoleType(claims.Role),
		Permissions: claims.Permissions,
		Staff:       claims.Flag("is_staff"),
		Superuser:   claims.Flag("is_superuser"),
		ExpiresAt:   claims.Expiry,
	}
}

// IsAdmin is true for the admin role and for superusers
func (p *Profile) IsAdmin() bool {
	return p != nil && (p.Superuser || p.Role == RoleAdmin)
}

// HasRole reports whether the profile holds any of roles. Admins hold every role.
func (p *Profile) HasRole(roles ...RoleType) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() || len(roles) == 0 {
		return true
	}
	return slices.Contains(roles, p.Role)
}

func (p *Profile) HasPermission(permission string) bool {
	if p == nil {
		return false
	}
	return p.Superuser || slices.Contains(p.Permissions, permission)
}

// DisplayName falls back to the user id when the token carries no username
func (p *Profile) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.Username != "" {
		return p.Username
	}
	return p.UserID
}

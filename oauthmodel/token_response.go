package oauthmodel

import "github.com/jrsteele09/school-portal/internal/utils"

// TokenPair is returned by the login endpoint.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RefreshResponse is returned by the refresh endpoint.
type RefreshResponse struct {
	// Access is the new access token.
	Access string `json:"access"`

	// Refresh is only present when the backend rotates refresh tokens.
	Refresh *string `json:"refresh,omitempty"`
}

// RotatedRefresh is the rotated refresh token, or "" when the old one stays valid.
func (r RefreshResponse) RotatedRefresh() string {
	return utils.Value(r.Refresh)
}

// ErrorResponse is the backend's error body, e.g. {"detail": "No active account found"}.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

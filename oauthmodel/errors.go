package oauthmodel

import "errors"

var (
	ErrEmptyCredentials = errors.New("username and password are required")
	ErrMissingAccess    = errors.New("response carries no access token")
	ErrMissingRefresh   = errors.New("response carries no refresh token")
)

// Validate checks both credentials are present.
func (r LoginRequest) Validate() error {
	if r.Username == "" || r.Password == "" {
		return ErrEmptyCredentials
	}
	return nil
}

// Validate checks a login response carries both tokens.
func (p TokenPair) Validate() error {
	if p.Access == "" {
		return ErrMissingAccess
	}
	if p.Refresh == "" {
		return ErrMissingRefresh
	}
	return nil
}

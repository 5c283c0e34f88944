package oauthmodel

// LoginRequest is the body of POST <base>/accounts/token/.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST <base>/accounts/token/refresh/.
type RefreshRequest struct {
	// Refresh is the refresh token being exchanged.
	// Behavior: reused for later refreshes unless the response rotates it
	Refresh string `json:"refresh"`
}

package sessions

import (
	"time"

	"github.com/jrsteele09/school-portal/token"
)

// Keys under which the session is persisted.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUserData     = "userData"
)

// Session is the signed-in user's token pair and the claims decoded from the access token.
type Session struct {
	ID           string        // Unique per login (UUID), kept across refreshes
	AccessToken  string        // Short-lived JWT sent as the bearer credential
	RefreshToken string        // Longer-lived token exchanged for a new access token
	Claims       *token.Claims // Decoded access token payload
	Generation   uint64        // Store epoch at the time this session was written
	CreatedAt    time.Time     // When the login (or restore) happened
}

// Expiry is the access token expiry, zero when there are no claims.
func (s *Session) Expiry() time.Time {
	if s == nil || s.Claims == nil {
		return time.Time{}
	}
	return s.Claims.Expiry
}

package config

import "time"

// SessionConfig holds the token lifecycle knobs.
type SessionConfig interface {
	GetRefreshThreshold() time.Duration
	GetRefreshRetryDelay() time.Duration
	GetRefreshMaxAttempts() int
	GetRefreshTimeout() time.Duration
	GetBackgroundCheckInterval() time.Duration
	GetRequestTimeout() time.Duration
	GetLoginPath() string
	GetRefreshPath() string
	GetJWKSURL() string
	GetJWTPublicKeyFile() string
}

type Session struct{}

var _ SessionConfig = Session{}

// GetRefreshThreshold is how long before expiry the scheduled refresh fires.
func (Session) GetRefreshThreshold() time.Duration {
	return GetDuration("PORTAL_REFRESH_THRESHOLD", 5*time.Minute)
}

func (Session) GetRefreshRetryDelay() time.Duration {
	return GetDuration("PORTAL_REFRESH_RETRY_DELAY", 60*time.Second)
}

// GetRefreshMaxAttempts bounds consecutive unreachable refreshes. 0 retries forever.
func (Session) GetRefreshMaxAttempts() int {
	return GetInt("PORTAL_REFRESH_MAX_ATTEMPTS", 0)
}

func (Session) GetRefreshTimeout() time.Duration {
	return GetDuration("PORTAL_REFRESH_TIMEOUT", 10*time.Second)
}

func (Session) GetBackgroundCheckInterval() time.Duration {
	return GetDuration("PORTAL_BACKGROUND_CHECK_INTERVAL", 30*time.Minute)
}

func (Session) GetRequestTimeout() time.Duration {
	return GetDuration("PORTAL_REQUEST_TIMEOUT", 30*time.Second)
}

func (Session) GetLoginPath() string {
	return GetEnv("PORTAL_LOGIN_PATH", "/accounts/token/")
}

func (Session) GetRefreshPath() string {
	return GetEnv("PORTAL_REFRESH_PATH", "/accounts/token/refresh/")
}

// GetJWKSURL enables signature checks on decoded tokens when set
func (Session) GetJWKSURL() string {
	return GetEnv("PORTAL_JWKS_URL", "")
}

// GetJWTPublicKeyFile names a PEM file of verification keys, used when no JWKS URL is set
func (Session) GetJWTPublicKeyFile() string {
	return GetEnv("PORTAL_JWT_PUBLIC_KEY_FILE", "")
}

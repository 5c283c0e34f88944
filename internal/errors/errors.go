package errors

import (
	"errors"
	"fmt"
)

// Common error types for the school portal
var (
	// Token errors
	ErrDecode           = errors.New("token could not be decoded")
	ErrTokenExpired     = errors.New("token expired")
	ErrMissingExpiry    = errors.New("token has no exp claim")
	ErrInvalidSignature = errors.New("token signature invalid")

	// Session errors
	ErrNoSession      = errors.New("no session")
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrStaleSession   = errors.New("session changed while refreshing")

	// Refresh errors
	ErrRefreshRejected    = errors.New("refresh rejected")
	ErrRefreshUnreachable = errors.New("refresh endpoint unreachable")
	ErrRefreshExhausted   = errors.New("refresh retries exhausted")

	// Gateway errors
	ErrGatewayUnauthorized = errors.New("backend request unauthorized")
	ErrRequestFailed       = errors.New("backend request failed")

	// Login errors
	ErrInvalidCredentials = errors.New("invalid credentials")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines errors, dropping nils
func Join(errs ...error) error {
	return errors.Join(errs...)
}

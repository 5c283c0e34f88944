package auth

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
)

// RequestError is a backend response outside 2xx.
type RequestError struct {
	StatusCode int
	Body       string
	err        error
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%v: status %d", e.err, e.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s", e.err, e.StatusCode, e.Body)
}

func (e *RequestError) Unwrap() error {
	return e.err
}

// ResponseError turns a non-2xx response into an error wrapping
// ErrGatewayUnauthorized (401) or ErrRequestFailed. It reads and closes the body
// on failure; a 2xx response is left untouched and yields nil.
func ResponseError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	sentinel := apperrors.ErrRequestFailed
	if resp.StatusCode == http.StatusUnauthorized {
		sentinel = apperrors.ErrGatewayUnauthorized
	}
	return &RequestError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		err:        sentinel,
	}
}

var (
	ErrGatewayUnauthorized = apperrors.ErrGatewayUnauthorized
	ErrRequestFailed       = apperrors.ErrRequestFailed
	ErrInvalidCredentials  = apperrors.ErrInvalidCredentials
)

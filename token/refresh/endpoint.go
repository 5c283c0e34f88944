package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/oauthmodel"
	"github.com/pkg/errors"
)

// Endpoint exchanges a refresh token for a new access token.
//
// Errors wrap ErrRefreshRejected when the backend answered and refused, and
// ErrRefreshUnreachable when no answer arrived (network failure, timeout).
type Endpoint interface {
	Refresh(ctx context.Context, refreshToken string) (*oauthmodel.RefreshResponse, error)
}

// HTTPEndpoint calls POST <base>/accounts/token/refresh/.
type HTTPEndpoint struct {
	url    string
	client *http.Client
}

var _ Endpoint = (*HTTPEndpoint)(nil)

// NewHTTPEndpoint builds the endpoint for baseURL+path. A nil client gets a
// plain client with a 10 second timeout.
func NewHTTPEndpoint(baseURL, path string, client *http.Client) *HTTPEndpoint {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPEndpoint{
		url:    baseURL + path,
		client: client,
	}
}

func (e *HTTPEndpoint) URL() string {
	return e.url
}

func (e *HTTPEndpoint) Refresh(ctx context.Context, refreshToken string) (*oauthmodel.RefreshResponse, error) {
	body, err := json.Marshal(oauthmodel.RefreshRequest{Refresh: refreshToken})
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPEndpoint] marshal refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPEndpoint] build refresh request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRefreshUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", apperrors.ErrRefreshUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail oauthmodel.ErrorResponse
		_ = json.Unmarshal(payload, &detail)
		return nil, errors.Wrapf(apperrors.ErrRefreshRejected, "status %d %s", resp.StatusCode, detail.Detail)
	}

	var out oauthmodel.RefreshResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.Wrapf(apperrors.ErrRefreshRejected, "malformed response: %v", err)
	}
	if out.Access == "" {
		return nil, errors.Wrap(apperrors.ErrRefreshRejected, oauthmodel.ErrMissingAccess.Error())
	}
	return &out, nil
}

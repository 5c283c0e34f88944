package auth

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
	"github.com/jrsteele09/school-portal/sessions"
	"github.com/jrsteele09/school-portal/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LoginEndpoint exchanges credentials for a token pair.
type LoginEndpoint interface {
	Login(ctx context.Context, req oauthmodel.LoginRequest) (*oauthmodel.TokenPair, error)
}

// HTTPLoginEndpoint calls POST <base>/accounts/token/.
type HTTPLoginEndpoint struct {
	url    string
	client *http.Client
}

var _ LoginEndpoint = (*HTTPLoginEndpoint)(nil)

func NewHTTPLoginEndpoint(baseURL, path string, client *http.Client) *HTTPLoginEndpoint {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPLoginEndpoint{
		url:    baseURL + path,
		client: client,
	}
}

func (e *HTTPLoginEndpoint) Login(ctx context.Context, login oauthmodel.LoginRequest) (*oauthmodel.TokenPair, error) {
	body, err := json.Marshal(login)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPLoginEndpoint] marshal login request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPLoginEndpoint] build login request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPLoginEndpoint] login request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPLoginEndpoint] read login response")
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		var detail oauthmodel.ErrorResponse
		if json.Unmarshal(payload, &detail) != nil || detail.Detail == "" {
			detail.Detail = fmt.Sprintf("login status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(apperrors.ErrInvalidCredentials, detail.Detail)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errors.Wrapf(apperrors.ErrRequestFailed, "login status %d", resp.StatusCode)
	}

	var pair oauthmodel.TokenPair
	if err := json.Unmarshal(payload, &pair); err != nil {
		return nil, errors.Wrapf(apperrors.ErrRequestFailed, "malformed login response: %v", err)
	}
	if err := pair.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRequestFailed, err)
	}
	return &pair, nil
}

// Service signs the portal in and out.
type Service struct {
	endpoint  LoginEndpoint
	store     *sessions.Store
	scheduler *refresh.Scheduler
}

func NewService(endpoint LoginEndpoint, store *sessions.Store, scheduler *refresh.Scheduler) *Service {
	return &Service{
		endpoint:  endpoint,
		store:     store,
		scheduler: scheduler,
	}
}

// Login exchanges credentials, stores the tokens and arms the refresh timer.
func (s *Service) Login(ctx context.Context, username, password string) (*sessions.Session, error) {
	req := oauthmodel.LoginRequest{Username: username, Password: password}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
	}

	pair, err := s.endpoint.Login(ctx, req)
	if err != nil {
		log.Info().Err(err).Str("username", username).Msg("login failed")
		return nil, err
	}

	if err := s.store.Set(ctx, pair.Access, pair.Refresh); err != nil {
		return nil, errors.Wrap(err, "[Service] store login tokens")
	}
	s.scheduler.ScheduleFrom(pair.Access)

	session := s.store.Get()
	if session == nil {
		return nil, apperrors.ErrNoSession
	}
	log.Info().Str("session", session.ID).Str("username", session.Claims.Username).Msg("signed in")
	return session, nil
}

// Logout clears the session; clearing also cancels any pending refresh.
func (s *Service) Logout(ctx context.Context) error {
	return s.store.Clear(ctx)
}

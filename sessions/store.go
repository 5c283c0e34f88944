package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/kvstore"
	"github.com/jrsteele09/school-portal/token"
	"github.com/rs/zerolog/log"
)

// Store owns the one session of the portal. Reads are served from memory;
// writes go through to the key-value repo.
//
// Every Set and Clear bumps the generation, so a writer that captured the
// generation earlier can tell whether the session changed underneath it.
type Store struct {
	mu         sync.Mutex
	repo       kvstore.Repo
	decoder    token.Decoder
	current    *Session
	generation uint64
	onClear    []func()
	now        func() time.Time
}

func NewStore(repo kvstore.Repo, decoder token.Decoder) *Store {
	if decoder == nil {
		decoder = token.Unverified
	}
	return &Store{
		repo:    repo,
		decoder: decoder,
		now:     time.Now,
	}
}

// OnClear registers fn to run after every Clear, outside the store lock.
func (s *Store) OnClear(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClear = append(s.onClear, fn)
}

// Get returns a copy of the current session, or nil when signed out.
func (s *Store) Get() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	session := *s.current
	return &session
}

// Generation is the current session epoch.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Set stores a fresh login. An access token that does not decode clears the
// session and the returned error wraps ErrDecode.
func (s *Store) Set(ctx context.Context, access, refresh string) error {
	claims, err := s.decoder.Decode(access)
	if err != nil {
		log.Warn().Err(err).Msg("access token does not decode, clearing session")
		return apperrors.Join(apperrors.Wrapf(err, "set session"), s.Clear(ctx))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, &Session{
		ID:           uuid.NewString(),
		AccessToken:  access,
		RefreshToken: refresh,
		Claims:       claims,
		CreatedAt:    s.now(),
	})
}

// SetIfCurrent replaces the tokens only when the store is still at generation.
// It reports false without writing when the session moved on (cleared or replaced).
// An empty refresh keeps the stored refresh token.
func (s *Store) SetIfCurrent(ctx context.Context, generation uint64, access, refresh string) (bool, error) {
	claims, err := s.decoder.Decode(access)
	if err != nil {
		s.mu.Lock()
		current := s.generation == generation
		s.mu.Unlock()
		if !current {
			return false, nil
		}
		log.Warn().Err(err).Msg("refreshed access token does not decode, clearing session")
		return false, apperrors.Join(apperrors.Wrapf(err, "refresh session"), s.Clear(ctx))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation || s.current == nil {
		return false, nil
	}
	if refresh == "" {
		refresh = s.current.RefreshToken
	}
	return true, s.write(ctx, &Session{
		ID:           s.current.ID,
		AccessToken:  access,
		RefreshToken: refresh,
		Claims:       claims,
		CreatedAt:    s.current.CreatedAt,
	})
}

// write persists session, then makes it current. When the repo fails part way
// the previous session is written back and memory is left untouched. Callers hold s.mu.
func (s *Store) write(ctx context.Context, session *Session) error {
	session.Generation = s.generation + 1
	if err := s.persist(ctx, session); err != nil {
		if s.current != nil {
			if rollbackErr := s.persist(ctx, s.current); rollbackErr != nil {
				log.Err(rollbackErr).Msg("failed to restore persisted session")
			}
		} else if delErr := s.repo.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyUserData); delErr != nil {
			log.Err(delErr).Msg("failed to remove partly persisted session")
		}
		return err
	}

	s.generation = session.Generation
	s.current = session
	return nil
}

func (s *Store) persist(ctx context.Context, session *Session) error {
	userData, err := json.Marshal(session.Claims)
	if err != nil {
		return apperrors.Wrapf(err, "marshal user data")
	}

	for _, kv := range [][2]string{
		{KeyAccessToken, session.AccessToken},
		{KeyRefreshToken, session.RefreshToken},
		{KeyUserData, string(userData)},
	} {
		if err := s.repo.Set(ctx, kv[0], kv[1]); err != nil {
			log.Err(err).Str("key", kv[0]).Msg("failed to persist session")
			return apperrors.Wrapf(err, "persist %s", kv[0])
		}
	}
	return nil
}

// Clear signs out: the in-memory session is dropped, the persisted keys are
// deleted and the clear hooks run. The in-memory state is cleared even when the
// repo fails.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.generation++
	hadSession := s.current != nil
	s.current = nil
	hooks := append([]func(){}, s.onClear...)
	s.mu.Unlock()

	err := s.repo.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyUserData)
	if err != nil {
		log.Err(err).Msg("failed to delete persisted session")
		err = apperrors.Wrapf(err, "clear session")
	}
	if hadSession {
		log.Info().Msg("session cleared")
	}

	for _, hook := range hooks {
		hook()
	}
	return err
}

// ClearIfCurrent clears only when the store is still at generation, so a late
// failure cannot sign out a login that happened in the meantime.
func (s *Store) ClearIfCurrent(ctx context.Context, generation uint64) (bool, error) {
	s.mu.Lock()
	current := s.generation == generation
	s.mu.Unlock()
	if !current {
		return false, nil
	}
	return true, s.Clear(ctx)
}

// Restore loads a persisted session at start-up. Any missing key means signed
// out and the remaining keys are removed; a persisted access token that no
// longer decodes wipes everything too.
func (s *Store) Restore(ctx context.Context) error {
	values := make(map[string]string, 3)
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyUserData} {
		value, err := s.repo.Get(ctx, key)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			if key != KeyAccessToken {
				log.Warn().Str("key", key).Msg("persisted session incomplete, clearing")
			}
			return s.Clear(ctx)
		}
		if err != nil {
			return apperrors.Wrapf(err, "restore %s", key)
		}
		values[key] = value
	}
	access, refresh := values[KeyAccessToken], values[KeyRefreshToken]

	claims, err := s.decoder.Decode(access)
	if err != nil {
		log.Warn().Err(err).Msg("persisted access token does not decode, clearing session")
		return s.Clear(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.current = &Session{
		ID:           uuid.NewString(),
		AccessToken:  access,
		RefreshToken: refresh,
		Claims:       claims,
		Generation:   s.generation,
		CreatedAt:    s.now(),
	}
	log.Info().Str("user", claims.Username).Time("expires", claims.Expiry).Msg("session restored")
	return nil
}

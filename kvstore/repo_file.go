package kvstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var _ Repo = (*FileRepo)(nil)

const saltSize = 16

// FileRepo keeps every key in one JSON document on disk.
// Writes go to a temp file first and are renamed over the original.
// With a passphrase the document is sealed with XChaCha20-Poly1305; the file
// layout is salt || nonce || ciphertext.
type FileRepo struct {
	mu     sync.Mutex
	path   string
	values map[string]string
	salt   []byte
	key    []byte
}

// NewFileRepo opens (or prepares) the document at path. An empty passphrase stores plain JSON.
func NewFileRepo(path, passphrase string) (*FileRepo, error) {
	r := &FileRepo{
		path:   path,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("[FileRepo] read %s: %w", path, err)
	}

	if passphrase != "" {
		r.salt = make([]byte, saltSize)
		if len(data) >= saltSize {
			copy(r.salt, data[:saltSize])
		} else if _, err := rand.Read(r.salt); err != nil {
			return nil, fmt.Errorf("[FileRepo] generate salt: %w", err)
		}
		r.key = argon2.IDKey([]byte(passphrase), r.salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	}

	if len(data) > 0 {
		if err := r.load(data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *FileRepo) load(data []byte) error {
	if r.key != nil {
		aead, err := chacha20poly1305.NewX(r.key)
		if err != nil {
			return fmt.Errorf("[FileRepo] cipher: %w", err)
		}
		if len(data) < saltSize+aead.NonceSize() {
			return fmt.Errorf("[FileRepo] %s is too short to be sealed", r.path)
		}
		nonce := data[saltSize : saltSize+aead.NonceSize()]
		data, err = aead.Open(nil, nonce, data[saltSize+aead.NonceSize():], nil)
		if err != nil {
			return fmt.Errorf("[FileRepo] open sealed %s: %w", r.path, err)
		}
	}

	if err := json.Unmarshal(data, &r.values); err != nil {
		return fmt.Errorf("[FileRepo] parse %s: %w", r.path, err)
	}
	return nil
}

func (r *FileRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, ok := r.values[key]
	if !ok {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "key %q", key)
	}
	return value, nil
}

func (r *FileRepo) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, existed := r.values[key]
	r.values[key] = value
	if err := r.flush(); err != nil {
		if existed {
			r.values[key] = previous
		} else {
			delete(r.values, key)
		}
		return err
	}
	return nil
}

func (r *FileRepo) Delete(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		delete(r.values, key)
	}
	return r.flush()
}

func (r *FileRepo) Close() error {
	return nil
}

func (r *FileRepo) flush() error {
	data, err := json.Marshal(r.values)
	if err != nil {
		return fmt.Errorf("[FileRepo] marshal: %w", err)
	}

	if r.key != nil {
		if data, err = r.seal(data); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("[FileRepo] create dir: %w", err)
	}

	tempFile := r.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("[FileRepo] write temp file: %w", err)
	}
	if err := os.Rename(tempFile, r.path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("[FileRepo] rename temp file: %w", err)
	}
	return nil
}

func (r *FileRepo) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return nil, fmt.Errorf("[FileRepo] cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[FileRepo] nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, r.salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

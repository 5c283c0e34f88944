package token

import (
	"context"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	apperrors "github.com/jrsteele09/school-portal/internal/errors"
)

const keySetTimeout = 5 * time.Second

// KeySetDecoder checks the JWS signature against a key set before decoding.
// Expiry is not part of the check; the Clock handles that.
type KeySetDecoder struct {
	keySet oidc.KeySet
}

func NewKeySetDecoder(keySet oidc.KeySet) *KeySetDecoder {
	return &KeySetDecoder{keySet: keySet}
}

// NewRemoteKeySetDecoder fetches and caches keys from a JWKS endpoint.
func NewRemoteKeySetDecoder(ctx context.Context, jwksURL string) *KeySetDecoder {
	return NewKeySetDecoder(oidc.NewRemoteKeySet(ctx, jwksURL))
}

// NewStaticKeySetDecoder verifies against fixed public keys.
func NewStaticKeySetDecoder(publicKeys ...crypto.PublicKey) *KeySetDecoder {
	return NewKeySetDecoder(&oidc.StaticKeySet{PublicKeys: publicKeys})
}

func (d *KeySetDecoder) Decode(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apperrors.Wrapf(apperrors.ErrDecode, "empty token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), keySetTimeout)
	defer cancel()

	if _, err := d.keySet.VerifySignature(ctx, raw); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", apperrors.ErrDecode, apperrors.ErrInvalidSignature, err)
	}
	return Decode(raw)
}

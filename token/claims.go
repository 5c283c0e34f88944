package token

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"github.com/jrsteele09/school-portal/internal/utils"
)

// Claims is the decoded payload of an access token.
// Only Expiry drives the token lifecycle. The identity fields are read for UI routing;
// the backend stays the source of truth for permissions.
type Claims struct {
	Expiry      time.Time      // exp
	UserID      string         // user_id
	Username    string         // username
	Role        string         // role
	Permissions []string       // permissions
	Raw         map[string]any // the full payload, passed through untouched
}

// Flag reads a boolean claim such as "is_staff" or "is_superuser".
func (c *Claims) Flag(name string) bool {
	if c == nil {
		return false
	}
	v, _ := c.Raw[name].(bool)
	return v
}

// MarshalJSON serialises the raw payload, which is what gets persisted as userData.
func (c *Claims) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Raw)
}

// Decoder turns a raw token into claims.
type Decoder interface {
	Decode(raw string) (*Claims, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(raw string) (*Claims, error)

func (f DecoderFunc) Decode(raw string) (*Claims, error) {
	return f(raw)
}

// Unverified decodes without checking the signature.
var Unverified Decoder = DecoderFunc(Decode)

// Decode parses the payload of a JWT without verifying it. A token without an
// exp claim is treated as undecodable.
func Decode(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apperrors.Wrapf(apperrors.ErrDecode, "empty token")
	}

	parsed, _, err := jwtlib.NewParser().ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecode, err)
	}

	mapClaims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrDecode, "error extracting claims")
	}
	return claimsFromMap(mapClaims)
}

func claimsFromMap(mapClaims jwtlib.MapClaims) (*Claims, error) {
	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecode, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDecode, apperrors.ErrMissingExpiry)
	}

	claims := &Claims{
		Expiry: exp.Time,
		Raw:    map[string]any(mapClaims),
	}
	claims.UserID = stringClaim(mapClaims["user_id"])
	claims.Username, _ = mapClaims["username"].(string)
	claims.Role, _ = mapClaims["role"].(string)
	if perms, ok := mapClaims["permissions"].([]any); ok {
		claims.Permissions = utils.ToStringSlice(perms)
	}
	return claims, nil
}

// stringClaim accepts both numeric and string ids; JSON numbers decode as float64.
func stringClaim(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

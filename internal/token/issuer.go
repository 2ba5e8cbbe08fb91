package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/helios-id/helios-id/internal/keys"
	"github.com/helios-id/helios-id/internal/shared"
)

// Claims is the payload embedded in signed access tokens. Role and permission
// names are recomputed at mint time and never read back for authorization
// decisions past the token's own expiry.
type Claims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies short-lived RS256 access tokens.
type Issuer struct {
	keys    *keys.Manager
	ttl     time.Duration
	issuer  string
	nowFunc func() time.Time
}

// NewIssuer constructs an Issuer. ttl is the fixed access token lifetime.
func NewIssuer(km *keys.Manager, ttl time.Duration, issuerName string) *Issuer {
	return &Issuer{
		keys:    km,
		ttl:     ttl,
		issuer:  issuerName,
		nowFunc: time.Now,
	}
}

// Mint builds and signs an access token for the principal. The jti is a fresh
// random identifier per mint and serves as an audit marker, not a revocation
// handle.
func (i *Issuer) Mint(principalID string, roles, permissions []string) (string, error) {
	now := i.nowFunc()
	claims := Claims{
		Roles:       roles,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signKey, err := i.keys.SignKey()
	if err != nil {
		return "", fmt.Errorf("token: load sign key: %w", err)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(signKey)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of an access token. Verification is
// stateless; no persistence lookup is involved.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, shared.ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.keys.VerifyKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, shared.ErrTokenExpired
		}
		return nil, shared.ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, shared.ErrTokenInvalid
	}
	return claims, nil
}

// TTL reports the configured access token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

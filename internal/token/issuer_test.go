package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helios-id/helios-id/internal/keys"
	"github.com/helios-id/helios-id/internal/shared"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "private.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubPath := filepath.Join(dir, "public.pem")
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))

	return NewIssuer(keys.NewManager(privPath, pubPath), ttl, "helios-test")
}

func TestMintAndVerify(t *testing.T) {
	issuer := newTestIssuer(t, 15*time.Minute)

	signed, err := issuer.Mint("user-1", []string{"admin"}, []string{"users:read:any", "users:update:own"})
	require.NoError(t, err)

	claims, err := issuer.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, []string{"admin"}, claims.Roles)
	require.Equal(t, []string{"users:read:any", "users:update:own"}, claims.Permissions)
	require.NotEmpty(t, claims.ID)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
}

func TestMintUniqueJTI(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	first, err := issuer.Mint("user-1", nil, nil)
	require.NoError(t, err)
	second, err := issuer.Mint("user-1", nil, nil)
	require.NoError(t, err)

	firstClaims, err := issuer.Verify(first)
	require.NoError(t, err)
	secondClaims, err := issuer.Verify(second)
	require.NoError(t, err)
	require.NotEqual(t, firstClaims.ID, secondClaims.ID)
}

func TestVerifyExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)
	issuer.nowFunc = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	signed, err := issuer.Mint("user-1", nil, nil)
	require.NoError(t, err)

	issuer.nowFunc = time.Now
	_, err = issuer.Verify(signed)
	require.ErrorIs(t, err, shared.ErrTokenExpired)
}

func TestVerifyMalformedToken(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	_, err := issuer.Verify("not.a.token")
	require.ErrorIs(t, err, shared.ErrTokenInvalid)

	_, err = issuer.Verify("")
	require.ErrorIs(t, err, shared.ErrMissingToken)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)
	other := newTestIssuer(t, time.Minute)

	signed, err := other.Mint("user-1", nil, nil)
	require.NoError(t, err)

	_, err = issuer.Verify(signed)
	require.ErrorIs(t, err, shared.ErrTokenInvalid)
}

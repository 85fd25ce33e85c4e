package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendpilot/spendpilot/internal/auth"
	"github.com/spendpilot/spendpilot/internal/model"
)

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("ops@example.com", model.RoleAnalyst, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, model.RoleAnalyst, claims.Role)
}

func TestIssueTokenValidation(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, _, err = mgr.IssueToken("", model.RoleViewer, 0)
	require.Error(t, err)

	_, _, err = mgr.IssueToken("ops", model.OperatorRole("root"), 0)
	require.Error(t, err)

	_, exp, err := mgr.IssueToken("ops", model.RoleViewer, 365*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, exp.Before(time.Now().Add(auth.MaxTokenTTL+time.Minute)), "ttl should be capped")
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath, pubPath := writeKeys(t, dir, priv, pub)

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func writeKeys(t *testing.T, dir string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (string, string) {
	t.Helper()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(iss, sub string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    iss,
		Audience:  jwt.ClaimStrings{"spendpilot"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: registered("not-spendpilot", "ops"),
		Role:             model.RoleAdmin,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_UnknownRole(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: registered("spendpilot", "ops"),
		Role:             model.OperatorRole("superuser"),
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestValidateToken_MissingExpiry(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	rc := registered("spendpilot", "ops")
	rc.ExpiresAt = nil
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: rc, Role: model.RoleViewer})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_ForeignKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token := forgeToken(t, other, &auth.Claims{
		RegisteredClaims: registered("spendpilot", "ops"),
		Role:             model.RoleAdmin,
	})
	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privPath, pubPath := writeKeys(t, t.TempDir(), priv, otherPub)
	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

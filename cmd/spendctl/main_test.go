package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendpilot/spendpilot/internal/auth"
	"github.com/spendpilot/spendpilot/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeKeys(t *testing.T) (privPath, pubPath string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "jwt.key")
	pubPath = filepath.Join(dir, "jwt.pub")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))
	return privPath, pubPath
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	privPath, pubPath := writeKeys(t)
	t.Setenv("SPENDPILOT_JWT_PRIVATE_KEY", privPath)
	t.Setenv("SPENDPILOT_JWT_PUBLIC_KEY", pubPath)

	out, err := execute(t, "token", "--subject", "ops@example.com", "--role", "analyst", "--ttl", "1h")
	require.NoError(t, err)

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, model.RoleAnalyst, claims.Role)
}

func TestKeygenThenToken(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "keygen", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, auth.PrivateKeyFile)

	t.Setenv("SPENDPILOT_JWT_PRIVATE_KEY", filepath.Join(dir, auth.PrivateKeyFile))
	t.Setenv("SPENDPILOT_JWT_PUBLIC_KEY", filepath.Join(dir, auth.PublicKeyFile))
	out, err = execute(t, "token", "--subject", "ops", "--role", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."), "compact JWS has three segments")

	_, err = execute(t, "keygen", "--dir", dir)
	assert.ErrorIs(t, err, auth.ErrKeyExists)
}

func TestTokenCommandRejectsUnknownRole(t *testing.T) {
	privPath, pubPath := writeKeys(t)
	t.Setenv("SPENDPILOT_JWT_PRIVATE_KEY", privPath)
	t.Setenv("SPENDPILOT_JWT_PUBLIC_KEY", pubPath)

	_, err := execute(t, "token", "--subject", "ops", "--role", "superuser")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestTokenCommandNeedsKeys(t *testing.T) {
	t.Setenv("SPENDPILOT_JWT_PRIVATE_KEY", "")
	t.Setenv("SPENDPILOT_JWT_PUBLIC_KEY", "")

	_, err := execute(t, "token", "--subject", "ops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set")
}

func TestPoliciesValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
policies:
  - platform: google
    account_id: "123"
    campaign_id: brand
    target_cac: 40
    max_cac: 60
    min_budget: 20
    max_budget: 500
`), 0o600))

	out, err := execute(t, "policies", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 policies ok")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
policies:
  - platform: google
    account_id: "123"
    campaign_id: brand
    target_cac: 80
    max_cac: 60
    min_budget: 20
    max_budget: 500
`), 0o600))
	_, err = execute(t, "policies", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_cac")
}

func TestEnqueueRejectsBadWindowBeforeConnecting(t *testing.T) {
	_, err := execute(t, "enqueue", "resolver", "--start", "2026-03-10", "--end", "2026-03-01")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidWindow)
}

func TestTicketState(t *testing.T) {
	yes, no := true, false
	now := time.Now()
	assert.Equal(t, "queued", ticketState(model.RunTicket{}))
	assert.Equal(t, "running", ticketState(model.RunTicket{StartedAt: &now}))
	assert.Equal(t, "ok", ticketState(model.RunTicket{StartedAt: &now, FinishedAt: &now, OK: &yes}))
	assert.Equal(t, "failed", ticketState(model.RunTicket{FinishedAt: &now, OK: &no}))
}

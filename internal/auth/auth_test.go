package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateAdminToken(t *testing.T) {
	dir := t.TempDir()

	token, err := LoadOrCreateAdminToken(dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "dcmon_admin_"))

	// Stable across restarts.
	again, err := LoadOrCreateAdminToken(dir)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	info, err := os.Stat(filepath.Join(dir, "admin_token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewBearerToken(t *testing.T) {
	a := NewBearerToken()
	b := NewBearerToken()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "dcmon_"))
	// 32 random bytes in URL-safe base64 plus the prefix.
	assert.GreaterOrEqual(t, len(a), 40)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestVerifyAdminToken(t *testing.T) {
	dir := t.TempDir()
	token, err := LoadOrCreateAdminToken(dir)
	require.NoError(t, err)

	svc, err := NewService(dir, false)
	require.NoError(t, err)

	assert.True(t, svc.VerifyAdminToken(token))
	assert.False(t, svc.VerifyAdminToken(token+"x"))
	assert.False(t, svc.VerifyAdminToken(""))
	assert.False(t, svc.VerifyAdminToken(TestModeAdminToken))

	testSvc, err := NewService(dir, true)
	require.NoError(t, err)
	assert.True(t, testSvc.VerifyAdminToken(TestModeAdminToken))
	assert.True(t, testSvc.VerifyAdminToken(token))
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "dcmon_ab", TokenPrefix("dcmon_abcdef123456"))
	assert.Equal(t, "short", TokenPrefix("short"))
}

func signingFixture(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return key, pubPEM
}

func TestVerifyRegistrationSignature(t *testing.T) {
	key, pubPEM := signingFixture(t)

	canonical := CanonicalRegistrationString("host01", "host01", "nonce1", 1700000000)
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	assert.NoError(t, VerifyRegistrationSignature(pubPEM, canonical, sigB64))

	// A tampered payload must not verify.
	tampered := CanonicalRegistrationString("host02", "host01", "nonce1", 1700000000)
	assert.Error(t, VerifyRegistrationSignature(pubPEM, tampered, sigB64))

	// A signature from a different key must not verify.
	otherKey, _ := signingFixture(t)
	otherSig, err := rsa.SignPKCS1v15(rand.Reader, otherKey, crypto.SHA256, digest[:])
	require.NoError(t, err)
	assert.Error(t, VerifyRegistrationSignature(pubPEM, canonical, base64.StdEncoding.EncodeToString(otherSig)))

	assert.Error(t, VerifyRegistrationSignature("not a pem", canonical, sigB64))
	assert.Error(t, VerifyRegistrationSignature(pubPEM, canonical, "not base64!"))
}

func TestCanonicalRegistrationString(t *testing.T) {
	s := CanonicalRegistrationString("host01", "rack3-node1", "abc", 1700000000)
	assert.Equal(t, "host01\nrack3-node1\nabc\n1700000000", s)
}

func TestAuditFailureCounts(t *testing.T) {
	a := DiscardAudit()
	a.AuthAttempt(false, "client_bearer", "dcmon_ab", "127.0.0.1")
	a.AuthAttempt(false, "client_bearer", "dcmon_ab", "127.0.0.1")
	a.AuthAttempt(true, "client_bearer", "dcmon_cd", "127.0.0.1")

	assert.Equal(t, 2, a.FailureCount("dcmon_ab"))
	assert.Equal(t, 0, a.FailureCount("dcmon_cd"))
}

func TestAuditWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := OpenAudit(path)
	require.NoError(t, err)
	a.Registration(true, "host01", "host01", "new", "127.0.0.1")
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "{"))
	assert.Contains(t, line, `"event_type":"client_registration"`)
	assert.Contains(t, line, `"agent_id":"host01"`)
}

package sigauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/sigauth/config"
	"github.com/layer-3/sigauth/instrumentation"
	"github.com/layer-3/sigauth/internal/eth"
	"github.com/layer-3/sigauth/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.CookieSecure = false
	return cfg
}

func TestNewInMemory(t *testing.T) {
	app, err := New(context.Background(), testConfig(), nil, WithInstrumentation(instrumentation.Noop()))
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	app, err := New(context.Background(), cfg, nil, WithInstrumentation(instrumentation.Noop()))
	require.NoError(t, err)
	defer app.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	ctx := context.Background()
	challenge, message, err := app.Service().RequestNonce(ctx, "client-1", address)
	require.NoError(t, err)
	assert.True(t, mr.Exists("sigauth:challenge:client-1"))

	sig, err := eth.SignMessage(message, key)
	require.NoError(t, err)

	session, token, err := app.Service().Authenticate(ctx, "client-1", service.AuthRequest{
		Address:   address,
		Signature: hexutil.Encode(sig),
		Nonce:     challenge.Nonce,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, mr.Exists("sigauth:session:"+session.ID))
	assert.False(t, mr.Exists("sigauth:challenge:client-1"))

	// the login event went to the stream
	assert.Contains(t, mr.Keys(), "sigauth.login")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, session.Address, body["address"])
}

func TestNewRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	mr.Close()

	_, err := New(context.Background(), cfg, nil, WithInstrumentation(instrumentation.Noop()))
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestNewBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "mysql://nope"

	_, err := New(context.Background(), cfg, nil, WithInstrumentation(instrumentation.Noop()))
	assert.ErrorContains(t, err, "failed to parse Redis URL")
}

func TestLoadSigningKey(t *testing.T) {
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sec1, err := EncodeSigningKey(key)
	require.NoError(t, err)
	sec1Path := filepath.Join(dir, "sec1.pem")
	require.NoError(t, os.WriteFile(sec1Path, sec1, 0o600))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8Path := filepath.Join(dir, "pkcs8.pem")
	require.NoError(t, os.WriteFile(pkcs8Path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	for _, path := range []string{sec1Path, pkcs8Path} {
		loaded, err := LoadSigningKey(path)
		require.NoError(t, err, path)
		assert.True(t, key.Equal(loaded), path)
	}

	generated, err := LoadSigningKey("")
	require.NoError(t, err)
	assert.Equal(t, elliptic.P256(), generated.Curve)
}

func TestLoadSigningKeyErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSigningKey(filepath.Join(dir, "missing.pem"))
	assert.ErrorContains(t, err, "failed to read signing key")

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadSigningKey(garbage)
	assert.ErrorContains(t, err, "failed to parse signing key")

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	encoded, err := EncodeSigningKey(p384)
	require.NoError(t, err)
	wrongCurve := filepath.Join(dir, "p384.pem")
	require.NoError(t, os.WriteFile(wrongCurve, encoded, 0o600))
	_, err = LoadSigningKey(wrongCurve)
	assert.ErrorContains(t, err, "not a P-256 key")

	cfg := testConfig()
	cfg.Session.SigningKeyPath = garbage
	_, err = New(context.Background(), cfg, nil, WithInstrumentation(instrumentation.Noop()))
	assert.Error(t, err)
}

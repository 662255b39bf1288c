package valkey

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/storagetest"
)

const addrEnv = "BRIDGE_TEST_VALKEY_ADDR"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv(addrEnv)
	if addr == "" {
		t.Skipf("%s not set", addrEnv)
	}

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	// A fresh prefix per test keeps runs independent without FLUSHDB.
	s, err := New(Config{
		Address:   addr,
		KeyPrefix: "bridge-test:" + uuid.NewString() + ":",
		Encryptor: enc,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return newTestStore(t) })
}

func TestSecretsNeverStoredInClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := storagetest.NewToken("client-1", storagetest.Epoch)
	require.NoError(t, s.SaveToken(ctx, token))

	raw, ok, err := s.get(ctx, s.tokenKey(token.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, token.AccessToken)
	assert.NotContains(t, raw, token.RefreshToken)
	assert.NotContains(t, raw, token.Upstream.AccessToken)
	assert.NotContains(t, raw, token.Upstream.RefreshToken)

	session := storagetest.NewSession("client-1", storagetest.Epoch)
	require.NoError(t, s.SaveSession(ctx, session))
	_, err = s.GrantSession(ctx, session.Code, storage.UpstreamGrant{Code: "upstream-secret-code"}, storagetest.Epoch)
	require.NoError(t, err)

	raw, ok, err = s.get(ctx, s.sessionKey(session.Code))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "upstream-secret-code")
}

func TestTTLs(t *testing.T) {
	s := newStore(nil, Config{})

	session := storagetest.NewSession("client-1", storagetest.Epoch)
	assert.Equal(t, session.ExpiresAt.Sub(session.CreatedAt)+DefaultSessionRetention, s.sessionTTL(session))

	token := storagetest.NewToken("client-1", storagetest.Epoch)
	assert.Equal(t, 30*24*time.Hour+DefaultTokenRetention, s.tokenTTL(token))

	token.RefreshExpiresAt = time.Time{}
	assert.Zero(t, s.tokenTTL(token))
}

func TestMillisRoundTrip(t *testing.T) {
	assert.Zero(t, toMillis(time.Time{}))
	assert.True(t, fromMillis(0).IsZero())

	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, ts.Equal(fromMillis(toMillis(ts))))
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status string
		want   error
	}{
		{"NOT_FOUND", storage.ErrSessionNotFound},
		{"EXPIRED", storage.ErrSessionExpired},
		{"ALREADY_USED", storage.ErrSessionAlreadyUsed},
		{"ALREADY_GRANTED", storage.ErrSessionAlreadyGranted},
		{"NOT_GRANTED", storage.ErrSessionNotGranted},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.ErrorIs(t, sessionStatusError(tt.status), tt.want)
		})
	}

	assert.NoError(t, tokenStatusError(statusOK))
	assert.ErrorIs(t, tokenStatusError("REVOKED"), storage.ErrTokenRevoked)
	assert.ErrorIs(t, tokenStatusError("NOT_FOUND"), storage.ErrTokenNotFound)
	assert.Error(t, tokenStatusError("COLLISION"))
}

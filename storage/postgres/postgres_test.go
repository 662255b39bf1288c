package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/storagetest"
)

const dsnEnv = "BRIDGE_TEST_POSTGRES_DSN"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn, MaxConns: 20, Encryptor: enc})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE oauth_clients, oauth_sessions, oauth_tokens`)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return newTestStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestUpstreamTokensEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := storagetest.NewToken("client-1", storagetest.Epoch)
	require.NoError(t, s.SaveToken(ctx, token))

	var rawAccess, accessHash string
	err := s.pool.QueryRow(ctx,
		`SELECT upstream_access_token, access_token_hash FROM oauth_tokens WHERE id = $1`,
		token.ID).Scan(&rawAccess, &accessHash)
	require.NoError(t, err)
	require.NotEqual(t, token.Upstream.AccessToken, rawAccess)
	require.Equal(t, storage.HashToken(token.AccessToken), accessHash)

	got, err := s.GetTokenByAccessToken(ctx, token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, token.Upstream.AccessToken, got.Upstream.AccessToken)
}

func TestMigrationsAreOrdered(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i := 1; i < len(migrations); i++ {
		require.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	require.Equal(t, "init", migrations[0].Name)
}

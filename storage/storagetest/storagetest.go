// Package storagetest is a behavioural contract suite shared by every
// storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the whole contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("SessionExpiry", func(t *testing.T) { testSessionExpiry(t, newStore(t)) })
	t.Run("ConcurrentMarkUsed", func(t *testing.T) { testConcurrentMarkUsed(t, newStore(t)) })
	t.Run("TokenLookupAndRevoke", func(t *testing.T) { testTokenLookupAndRevoke(t, newStore(t)) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, newStore(t)) })
	t.Run("UpdateUpstreamCredentials", func(t *testing.T) { testUpdateUpstream(t, newStore(t)) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, newStore(t)) })
}

// Epoch is the fixed creation time used by the contract tests.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// NewSession returns a session awaiting its upstream grant.
func NewSession(clientID string, createdAt time.Time) *storage.AuthorizationSession {
	return &storage.AuthorizationSession{
		Code:                uuid.NewString() + uuid.NewString(),
		ClientID:            clientID,
		RedirectURI:         "https://client.example.com/cb",
		Scope:               "accounting",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		State:               "xyz",
		CreatedAt:           createdAt,
		ExpiresAt:           createdAt.Add(10 * time.Minute),
	}
}

// NewToken returns a live token for clientID.
func NewToken(clientID string, createdAt time.Time) *storage.IssuedToken {
	return &storage.IssuedToken{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		UserID:    "user-1",
		CompanyID: "company-1",
		Scope:     "accounting",

		AccessToken:  "at-" + uuid.NewString(),
		RefreshToken: "rt-" + uuid.NewString(),
		Upstream: storage.UpstreamCredentials{
			AccessToken:  "up-at-" + uuid.NewString(),
			RefreshToken: "up-rt-" + uuid.NewString(),
			ExpiresAt:    createdAt.Add(time.Hour).Truncate(time.Second),
		},
		CreatedAt:        createdAt,
		ExpiresAt:        createdAt.Add(time.Hour),
		RefreshExpiresAt: createdAt.Add(30 * 24 * time.Hour),
	}
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := &storage.Client{
		ID:                      uuid.NewString(),
		ClientID:                "client-" + uuid.NewString(),
		ClientSecretHash:        "$2a$10$hash",
		ClientName:              "Claude",
		RedirectURIs:            []string{"https://client.example.com/cb", "http://127.0.0.1:3000/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   "accounting",
		TokenEndpointAuthMethod: "client_secret_basic",
		CreatedAt:               Epoch,
	}

	require.NoError(t, s.SaveClient(ctx, client))
	require.ErrorIs(t, s.SaveClient(ctx, client), storage.ErrClientExists)

	got, err := s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientName, got.ClientName)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, client.ClientSecretHash, got.ClientSecretHash)
	assert.True(t, got.CreatedAt.Equal(client.CreatedAt))

	_, err = s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrClientNotFound)
}

func testSessionLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	session := NewSession("client-1", Epoch)
	require.NoError(t, s.SaveSession(ctx, session))

	now := Epoch.Add(time.Minute)

	_, err := s.MarkSessionUsed(ctx, session.Code, now)
	require.ErrorIs(t, err, storage.ErrSessionNotGranted, "session without upstream grant cannot be redeemed")

	granted, err := s.GrantSession(ctx, session.Code, storage.UpstreamGrant{Code: "UP123", UserID: "u1", CompanyID: "c1"}, now)
	require.NoError(t, err)
	assert.Equal(t, "UP123", granted.UpstreamCode)
	assert.Equal(t, storage.SessionUpstreamGranted, granted.Status(now))

	_, err = s.GrantSession(ctx, session.Code, storage.UpstreamGrant{Code: "UP999"}, now)
	require.ErrorIs(t, err, storage.ErrSessionAlreadyGranted)

	used, err := s.MarkSessionUsed(ctx, session.Code, now)
	require.NoError(t, err)
	assert.False(t, used.Used, "returned session reflects the state before marking")
	assert.Equal(t, "UP123", used.UpstreamCode)
	assert.Equal(t, "c1", used.CompanyID)

	_, err = s.MarkSessionUsed(ctx, session.Code, now)
	require.ErrorIs(t, err, storage.ErrSessionAlreadyUsed)

	stored, err := s.GetSession(ctx, session.Code)
	require.NoError(t, err)
	assert.True(t, stored.Used)

	require.NoError(t, s.DeleteSession(ctx, session.Code))
	_, err = s.GetSession(ctx, session.Code)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)

	_, err = s.MarkSessionUsed(ctx, "unknown", now)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func testSessionExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	session := NewSession("client-1", Epoch)
	require.NoError(t, s.SaveSession(ctx, session))

	_, err := s.GrantSession(ctx, session.Code, storage.UpstreamGrant{Code: "UP"}, Epoch.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.MarkSessionUsed(ctx, session.Code, Epoch.Add(10*time.Minute))
	require.ErrorIs(t, err, storage.ErrSessionExpired)

	late := NewSession("client-1", Epoch)
	require.NoError(t, s.SaveSession(ctx, late))
	_, err = s.GrantSession(ctx, late.Code, storage.UpstreamGrant{Code: "UP"}, Epoch.Add(11*time.Minute))
	require.ErrorIs(t, err, storage.ErrSessionExpired)
}

func testConcurrentMarkUsed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	session := NewSession("client-1", Epoch)
	require.NoError(t, s.SaveSession(ctx, session))
	_, err := s.GrantSession(ctx, session.Code, storage.UpstreamGrant{Code: "UP"}, Epoch)
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		used      atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MarkSessionUsed(ctx, session.Code, Epoch.Add(time.Second))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrSessionAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one redemption must win")
	assert.Equal(t, int32(workers-1), used.Load())
}

func testTokenLookupAndRevoke(t *testing.T, s storage.Store) {
	ctx := context.Background()
	token := NewToken("client-1", Epoch)
	require.NoError(t, s.SaveToken(ctx, token))

	byAccess, err := s.GetTokenByAccessToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, token.ID, byAccess.ID)
	assert.Equal(t, token.Upstream.AccessToken, byAccess.Upstream.AccessToken)
	assert.Equal(t, token.Upstream.RefreshToken, byAccess.Upstream.RefreshToken)
	assert.True(t, token.Upstream.ExpiresAt.Equal(byAccess.Upstream.ExpiresAt))
	assert.Equal(t, "company-1", byAccess.CompanyID)

	byRefresh, err := s.GetTokenByRefreshToken(ctx, token.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, token.ID, byRefresh.ID)
	assert.False(t, byRefresh.Revoked)

	require.NoError(t, s.RevokeToken(ctx, token.ID, Epoch.Add(time.Minute)))
	require.ErrorIs(t, s.RevokeToken(ctx, token.ID, Epoch.Add(time.Minute)), storage.ErrTokenRevoked)

	revoked, err := s.GetTokenByRefreshToken(ctx, token.RefreshToken)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	_, err = s.GetTokenByAccessToken(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	require.ErrorIs(t, s.RevokeToken(ctx, "missing-id", Epoch), storage.ErrTokenNotFound)
}

func testConcurrentRotate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	old := NewToken("client-1", Epoch)
	require.NoError(t, s.SaveToken(ctx, old))

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		lost      atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successor := NewToken("client-1", Epoch.Add(time.Minute))
			successor.ParentID = old.ID
			err := s.RotateToken(ctx, old.ID, successor, Epoch.Add(time.Minute))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrTokenRevoked):
				lost.Add(1)
				_, lookupErr := s.GetTokenByRefreshToken(ctx, successor.RefreshToken)
				assert.ErrorIs(t, lookupErr, storage.ErrTokenNotFound, "losing successor must not be stored")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one rotation must win")
	assert.Equal(t, int32(workers-1), lost.Load())

	prev, err := s.GetTokenByRefreshToken(ctx, old.RefreshToken)
	require.NoError(t, err)
	assert.True(t, prev.Revoked)
}

func testUpdateUpstream(t *testing.T, s storage.Store) {
	ctx := context.Background()
	token := NewToken("client-1", Epoch)
	require.NoError(t, s.SaveToken(ctx, token))

	fresh := storage.UpstreamCredentials{
		AccessToken:  "up-at-new",
		RefreshToken: "up-rt-new",
		ExpiresAt:    Epoch.Add(2 * time.Hour),
	}
	require.NoError(t, s.UpdateUpstreamCredentials(ctx, token.ID, fresh))

	got, err := s.GetTokenByAccessToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "up-at-new", got.Upstream.AccessToken)
	assert.Equal(t, "up-rt-new", got.Upstream.RefreshToken)
	assert.True(t, fresh.ExpiresAt.Equal(got.Upstream.ExpiresAt))

	sameRow, err := s.GetTokenByRefreshToken(ctx, token.RefreshToken)
	require.NoError(t, err, "local tokens are not rotated")
	assert.Equal(t, token.ID, sameRow.ID)

	require.NoError(t, s.RevokeToken(ctx, token.ID, Epoch))
	require.ErrorIs(t, s.UpdateUpstreamCredentials(ctx, token.ID, fresh), storage.ErrTokenRevoked)
}

func testSweep(t *testing.T, s storage.Store) {
	ctx := context.Background()

	expired := NewSession("client-1", Epoch)
	live := NewSession("client-1", Epoch.Add(time.Hour))
	require.NoError(t, s.SaveSession(ctx, expired))
	require.NoError(t, s.SaveSession(ctx, live))

	removed, err := s.DeleteExpiredSessions(ctx, Epoch.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	_, err = s.GetSession(ctx, live.Code)
	require.NoError(t, err)

	oldToken := NewToken("client-1", Epoch)
	oldToken.RefreshExpiresAt = Epoch.Add(time.Hour)
	keep := NewToken("client-1", Epoch)
	require.NoError(t, s.SaveToken(ctx, oldToken))
	require.NoError(t, s.SaveToken(ctx, keep))

	removed, err = s.DeleteExpiredTokens(ctx, Epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.GetTokenByRefreshToken(ctx, oldToken.RefreshToken)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetTokenByRefreshToken(ctx, keep.RefreshToken)
	require.NoError(t, err)
}

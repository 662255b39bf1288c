package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// tokenJSON field names are shared with the Lua scripts.
type tokenJSON struct {
	ID                   string `json:"id"`
	ParentID             string `json:"parent_id"`
	ClientID             string `json:"client_id"`
	UserID               string `json:"user_id"`
	CompanyID            string `json:"company_id"`
	Scope                string `json:"scope"`
	AccessTokenHash      string `json:"access_token_hash"`
	RefreshTokenHash     string `json:"refresh_token_hash"`
	UpstreamAccessToken  string `json:"upstream_access_token"`
	UpstreamRefreshToken string `json:"upstream_refresh_token"`
	UpstreamExpiresAt    int64  `json:"upstream_expires_at"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
	RefreshExpiresAt     int64  `json:"refresh_expires_at"`
	Revoked              bool   `json:"revoked"`
	RevokedAt            int64  `json:"revoked_at"`
}

func (s *Store) encodeToken(t *storage.IssuedToken) (*tokenJSON, string, error) {
	upstream, err := storage.EncryptUpstream(s.encryptor, t.Upstream)
	if err != nil {
		return nil, "", err
	}
	j := &tokenJSON{
		ID:                   t.ID,
		ParentID:             t.ParentID,
		ClientID:             t.ClientID,
		UserID:               t.UserID,
		CompanyID:            t.CompanyID,
		Scope:                t.Scope,
		AccessTokenHash:      storage.HashToken(t.AccessToken),
		RefreshTokenHash:     storage.HashToken(t.RefreshToken),
		UpstreamAccessToken:  upstream.AccessToken,
		UpstreamRefreshToken: upstream.RefreshToken,
		UpstreamExpiresAt:    toMillis(upstream.ExpiresAt),
		CreatedAt:            toMillis(t.CreatedAt),
		ExpiresAt:            toMillis(t.ExpiresAt),
		RefreshExpiresAt:     toMillis(t.RefreshExpiresAt),
		Revoked:              t.Revoked,
		RevokedAt:            toMillis(t.RevokedAt),
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal token: %w", err)
	}
	return j, string(data), nil
}

func (s *Store) decodeToken(data string) (*tokenJSON, *storage.IssuedToken, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	upstream, err := storage.DecryptUpstream(s.encryptor, storage.UpstreamCredentials{
		AccessToken:  j.UpstreamAccessToken,
		RefreshToken: j.UpstreamRefreshToken,
		ExpiresAt:    fromMillis(j.UpstreamExpiresAt),
	})
	if err != nil {
		return nil, nil, err
	}
	return &j, &storage.IssuedToken{
		ID:               j.ID,
		ParentID:         j.ParentID,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		CompanyID:        j.CompanyID,
		Scope:            j.Scope,
		Upstream:         upstream,
		CreatedAt:        fromMillis(j.CreatedAt),
		ExpiresAt:        fromMillis(j.ExpiresAt),
		RefreshExpiresAt: fromMillis(j.RefreshExpiresAt),
		Revoked:          j.Revoked,
		RevokedAt:        fromMillis(j.RevokedAt),
	}, nil
}

// tokenTTL is zero, meaning no expiry, when the refresh token never expires.
func (s *Store) tokenTTL(t *storage.IssuedToken) time.Duration {
	if t.RefreshExpiresAt.IsZero() {
		return 0
	}
	lifetime := t.RefreshExpiresAt.Sub(t.CreatedAt)
	if lifetime < 0 {
		lifetime = 0
	}
	return lifetime + s.tokenRetention
}

func validateToken(t *storage.IssuedToken) error {
	if t == nil || t.ID == "" || t.AccessToken == "" || t.RefreshToken == "" {
		return fmt.Errorf("token id, access token and refresh token are required")
	}
	return nil
}

// SaveToken stores a new token with its two lookup keys.
func (s *Store) SaveToken(ctx context.Context, token *storage.IssuedToken) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return err
	}
	j, data, err := s.encodeToken(token)
	if err != nil {
		return err
	}

	inserted, err := s.insert(ctx, s.tokenTTL(token),
		s.tokenKey(token.ID), data,
		s.accessKey(j.AccessTokenHash), token.ID,
		s.refreshKey(j.RefreshTokenHash), token.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	if !inserted {
		return fmt.Errorf("token collision")
	}
	return nil
}

// GetTokenByAccessToken resolves the access index and loads the token.
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (_ *storage.IssuedToken, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token_by_access")
	defer func() { done(err) }()

	t, err := s.getTokenByIndex(ctx, s.accessKey(storage.HashToken(accessToken)))
	if err != nil {
		return nil, err
	}
	t.AccessToken = accessToken
	return t, nil
}

// GetTokenByRefreshToken resolves the refresh index and loads the token.
func (s *Store) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.IssuedToken, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token_by_refresh")
	defer func() { done(err) }()

	t, err := s.getTokenByIndex(ctx, s.refreshKey(storage.HashToken(refreshToken)))
	if err != nil {
		return nil, err
	}
	t.RefreshToken = refreshToken
	return t, nil
}

func (s *Store) getTokenByIndex(ctx context.Context, indexKey string) (*storage.IssuedToken, error) {
	id, ok, err := s.get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	data, ok, err := s.get(ctx, s.tokenKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	_, t, err := s.decodeToken(data)
	return t, err
}

// RevokeToken marks a live token revoked.
func (s *Store) RevokeToken(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "revoke_token")
	defer func() { done(err) }()

	status, _, err := s.eval(ctx, luaRevokeToken,
		[]string{s.tokenKey(id)},
		strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return tokenStatusError(status)
}

// RotateToken revokes oldID and writes successor in one script.
func (s *Store) RotateToken(ctx context.Context, oldID string, successor *storage.IssuedToken, now time.Time) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "rotate_token")
	defer func() { done(err) }()

	if err := validateToken(successor); err != nil {
		return err
	}
	j, data, err := s.encodeToken(successor)
	if err != nil {
		return err
	}

	status, _, err := s.eval(ctx, luaRotateToken,
		[]string{
			s.tokenKey(oldID),
			s.tokenKey(successor.ID),
			s.accessKey(j.AccessTokenHash),
			s.refreshKey(j.RefreshTokenHash),
		},
		strconv.FormatInt(now.UnixMilli(), 10),
		data,
		successor.ID,
		strconv.FormatInt(s.tokenTTL(successor).Milliseconds(), 10),
	)
	if err != nil {
		return fmt.Errorf("failed to rotate token: %w", err)
	}
	return tokenStatusError(status)
}

// UpdateUpstreamCredentials replaces the upstream pair on a live token.
func (s *Store) UpdateUpstreamCredentials(ctx context.Context, id string, creds storage.UpstreamCredentials) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "update_upstream")
	defer func() { done(err) }()

	sealed, err := storage.EncryptUpstream(s.encryptor, creds)
	if err != nil {
		return err
	}
	status, _, err := s.eval(ctx, luaUpdateUpstream,
		[]string{s.tokenKey(id)},
		sealed.AccessToken,
		sealed.RefreshToken,
		strconv.FormatInt(toMillis(sealed.ExpiresAt), 10),
	)
	if err != nil {
		return fmt.Errorf("failed to update upstream credentials: %w", err)
	}
	return tokenStatusError(status)
}

func tokenStatusError(status string) error {
	switch status {
	case statusOK:
		return nil
	case "NOT_FOUND":
		return storage.ErrTokenNotFound
	case "REVOKED":
		return storage.ErrTokenRevoked
	case "COLLISION":
		return fmt.Errorf("token collision")
	default:
		return fmt.Errorf("unexpected token script status %q", status)
	}
}

// DeleteExpiredTokens scans all tokens and removes those whose refresh
// lifetime ended before before, and those revoked before before.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int64, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	cutoff := toMillis(before)
	var removed int64
	err = s.scan(ctx, s.prefix+"token:*", func(key string) error {
		data, ok, err := s.get(ctx, key)
		if err != nil || !ok {
			return err
		}
		var j tokenJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Skipping unreadable token", "key", key, "error", err)
			return nil
		}
		expired := j.RefreshExpiresAt != 0 && j.RefreshExpiresAt < cutoff
		stale := j.Revoked && j.RevokedAt < cutoff
		if !expired && !stale {
			return nil
		}
		n, err := s.client.Do(ctx, s.client.B().Del().
			Key(key, s.accessKey(j.AccessTokenHash), s.refreshKey(j.RefreshTokenHash)).
			Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
		if n > 0 {
			removed++
		}
		return nil
	})
	return removed, err
}

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

var errNoUpstreamRefreshToken = errors.New("no upstream refresh token available")

// UpstreamCredentials resolves a local bearer token to its live IssuedToken
// and makes sure the upstream access token is not about to expire. When it
// is, the upstream pair is refreshed and written back onto the same row;
// the local tokens do not change.
//
// The returned token carries usable upstream credentials. Any failure is an
// invalid_token error: the caller must not reach the upstream API with
// credentials known to be stale.
func (s *Server) UpstreamCredentials(ctx context.Context, accessToken string) (*storage.IssuedToken, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.upstream_credentials")
	defer span.End()

	claims, err := s.ParseAccessToken(accessToken)
	if err != nil {
		s.Logger.Debug("Access token rejected", "reason", "invalid_jwt", "error", err)
		instrumentation.SetSpanError(span, "invalid_jwt")
		return nil, errInvalidToken("access token is invalid or expired")
	}

	token, err := s.store.GetTokenByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Debug("Access token rejected", "reason", "unknown_token", "client_id", claims.ClientID)
			return nil, errInvalidToken("access token is invalid or expired")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token.Revoked || token.ClientID != claims.ClientID {
		s.Logger.Debug("Access token rejected", "reason", "revoked_or_mismatched", "token_id", token.ID)
		return nil, errInvalidToken("access token is invalid or expired")
	}

	now := s.now()
	if !security.IsExpiringSoon(token.Upstream.ExpiresAt, now, seconds(s.Config.UpstreamRefreshMargin)) {
		instrumentation.SetSpanSuccess(span)
		return token, nil
	}

	pair, err := s.refreshUpstream(ctx, token)
	if err != nil {
		s.logUpstreamFailure("Proactive upstream refresh failed", token.ClientID, err)
		instrumentation.RecordError(span, err)
		return nil, errInvalidToken("upstream credentials expired and could not be refreshed")
	}

	creds := storage.UpstreamCredentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = token.Upstream.RefreshToken
	}

	if err := s.store.UpdateUpstreamCredentials(ctx, token.ID, creds); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			return nil, errInvalidToken("access token is invalid or expired")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to store refreshed upstream credentials: %w", err)
	}
	token.Upstream = creds

	instrumentation.SetSpanSuccess(span)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventUpstreamRefreshed,
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		CompanyID: token.CompanyID,
		Details:   map[string]any{"token_id": token.ID},
	})
	s.Logger.Info("Refreshed upstream credentials", "client_id", token.ClientID, "token_id", token.ID)
	return token, nil
}

// refreshUpstream calls the provider's refresh once per IssuedToken at a
// time. Concurrent callers for the same token share the result, which keeps
// rotating upstream refresh tokens from being spent twice.
func (s *Server) refreshUpstream(ctx context.Context, token *storage.IssuedToken) (*providers.TokenPair, error) {
	if token.Upstream.RefreshToken == "" {
		s.metrics.RecordUpstreamRefresh(ctx, false)
		return nil, errNoUpstreamRefreshToken
	}

	// Detached so one caller disconnecting does not fail the others.
	callCtx := context.WithoutCancel(ctx)
	v, err, shared := s.refreshGroup.Do(token.ID, func() (any, error) {
		pair, err := s.provider.RefreshToken(callCtx, token.Upstream.RefreshToken)
		if err == nil && pair.AccessToken == "" {
			err = errors.New("upstream returned an empty access token")
		}
		s.metrics.RecordUpstreamRefresh(callCtx, err == nil)
		return pair, err
	})
	if shared {
		s.Logger.Debug("Shared in-flight upstream refresh", "token_id", token.ID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*providers.TokenPair), nil
}

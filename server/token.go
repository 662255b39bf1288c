package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/pkce"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// CodeExchangeRequest is an authorization_code grant. The client has
// already been authenticated by the caller.
type CodeExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	ClientID     string
	ClientIP     string
}

// TokenResult is the successful token endpoint response.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Token type hints for revocation (RFC 7009).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

const genericCodeError = "authorization code is invalid, expired or already used"

// ExchangeAuthorizationCode redeems a local authorization code. The session
// is consumed before any other check, so a failed attempt burns the code.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *CodeExchangeRequest) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_code")
	defer span.End()

	switch {
	case req.Code == "":
		return nil, errInvalidRequest("code is required")
	case req.RedirectURI == "":
		return nil, errInvalidRequest("redirect_uri is required")
	case req.CodeVerifier == "":
		return nil, errInvalidRequest("code_verifier is required")
	case req.ClientID == "":
		return nil, errInvalidRequest("client_id is required")
	}

	reject := func(reason string, oe *Error) (*TokenResult, error) {
		s.Logger.Debug("Authorization code rejected",
			"reason", reason,
			"client_id", req.ClientID,
			"code", util.SafeTruncate(req.Code, 8))
		s.metrics.RecordGrantRejected(ctx, GrantTypeAuthorizationCode, reason)
		s.Auditor.LogAuthFailure(security.EventCodeRejected, req.ClientID, req.ClientIP, reason)
		instrumentation.SetSpanError(span, reason)
		return nil, oe
	}

	session, err := s.store.MarkSessionUsed(ctx, req.Code, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrSessionNotFound):
			return reject("code_not_found", errInvalidGrant(genericCodeError))
		case errors.Is(err, storage.ErrSessionExpired):
			return reject("code_expired", errInvalidGrant(genericCodeError))
		case errors.Is(err, storage.ErrSessionNotGranted):
			return reject("code_not_granted", errInvalidGrant(genericCodeError))
		case errors.Is(err, storage.ErrSessionAlreadyUsed):
			s.Logger.Warn("Authorization code replay detected",
				"client_id", req.ClientID,
				"client_ip", req.ClientIP)
			return reject("code_reused", errInvalidGrant(genericCodeError))
		default:
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	if session.ClientID != req.ClientID {
		return reject("client_mismatch", errInvalidGrant(genericCodeError))
	}
	if session.RedirectURI != req.RedirectURI {
		return reject("redirect_uri_mismatch", errInvalidGrant("redirect_uri does not match the authorization request"))
	}
	if !pkce.IsValidVerifier(req.CodeVerifier) || !pkce.Verify(req.CodeVerifier, session.CodeChallenge, session.CodeChallengeMethod) {
		s.metrics.RecordPKCEValidationFailed(ctx, session.CodeChallengeMethod)
		s.Auditor.LogAuthFailure(security.EventPKCEFailed, req.ClientID, req.ClientIP, "code_verifier_mismatch")
		return reject("pkce_failed", errInvalidGrant("code_verifier does not match the code_challenge"))
	}

	pair, err := s.provider.ExchangeCode(ctx, session.UpstreamCode)
	if err == nil && pair.AccessToken == "" {
		err = errors.New("upstream returned an empty access token")
	}
	if err != nil {
		s.logUpstreamFailure("Upstream code exchange failed", session.ClientID, err)
		instrumentation.RecordError(span, err)
		return reject("upstream_exchange_failed", errInvalidGrant("failed to exchange authorization code with the upstream provider"))
	}

	token, err := s.newIssuedToken(session.ClientID, session.UserID, session.CompanyID, session.Scope, "", pair)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, token.ClientID, token.UserID, token.Scope)
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordCodeExchange(ctx, token.ClientID, session.CodeChallengeMethod)
	s.Auditor.LogTokenIssued(token.UserID, token.ClientID, token.CompanyID, token.Scope)
	s.Logger.Info("Issued tokens for authorization code",
		"client_id", token.ClientID,
		"token_id", token.ID)

	return s.tokenResult(token), nil
}

// RefreshAccessToken rotates a refresh token. The upstream pair is refreshed
// first; if that fails the local token is revoked, since it can no longer
// yield usable upstream credentials.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.refresh_token")
	defer span.End()

	if refreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}
	if clientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}

	reject := func(reason string) (*TokenResult, error) {
		s.Logger.Debug("Refresh token rejected", "reason", reason, "client_id", clientID)
		s.metrics.RecordGrantRejected(ctx, GrantTypeRefreshToken, reason)
		instrumentation.SetSpanError(span, reason)
		return nil, errInvalidGrant("refresh token is invalid, expired or revoked")
	}

	current, err := s.store.GetTokenByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return reject("refresh_token_not_found")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	now := s.now()
	switch {
	case current.Revoked:
		s.Logger.Warn("Revoked refresh token presented",
			"client_id", clientID,
			"token_id", current.ID)
		s.Auditor.LogAuthFailure(security.EventCodeRejected, clientID, "", "revoked_refresh_token_reused")
		return reject("refresh_token_revoked")
	case current.ClientID != clientID:
		return reject("client_mismatch")
	case !current.IsLive(now):
		return reject("refresh_token_expired")
	}

	pair, err := s.refreshUpstream(ctx, current)
	if err != nil {
		latest, ok := s.refreshedConcurrently(ctx, refreshToken, current)
		if !ok {
			s.logUpstreamFailure("Upstream refresh failed, revoking local token", current.ClientID, err)
			s.failClosed(ctx, current)
			return reject("upstream_refresh_failed")
		}
		s.Logger.Debug("Upstream pair refreshed concurrently, rotating onto it",
			"client_id", current.ClientID,
			"token_id", current.ID)
		current = latest
		pair = &providers.TokenPair{
			AccessToken:  latest.Upstream.AccessToken,
			RefreshToken: latest.Upstream.RefreshToken,
			ExpiresAt:    latest.Upstream.ExpiresAt,
		}
	}

	successor, err := s.newIssuedToken(current.ClientID, current.UserID, current.CompanyID, current.Scope, current.ID, pair)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if successor.Upstream.RefreshToken == "" {
		successor.Upstream.RefreshToken = current.Upstream.RefreshToken
	}

	if err := s.store.RotateToken(ctx, current.ID, successor, now); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			return reject("rotation_lost")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to rotate token: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, successor.ClientID, successor.UserID, successor.Scope)
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRefresh(ctx, successor.ClientID, false)
	s.Auditor.LogTokenRefreshed(successor.UserID, successor.ClientID, current.ID, successor.ID)
	s.Logger.Info("Rotated refresh token",
		"client_id", successor.ClientID,
		"predecessor_id", current.ID,
		"successor_id", successor.ID)

	return s.tokenResult(successor), nil
}

// failClosed revokes a token whose upstream session is gone.
func (s *Server) failClosed(ctx context.Context, token *storage.IssuedToken) {
	if err := s.store.RevokeToken(ctx, token.ID, s.now()); err != nil && !errors.Is(err, storage.ErrTokenRevoked) {
		s.Logger.Error("Failed to revoke token after upstream refresh failure", "token_id", token.ID, "error", err)
	}
	s.metrics.RecordTokenRefresh(ctx, token.ClientID, true)
	s.metrics.RecordTokenRevocation(ctx, "upstream_refresh_failed")
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventRefreshFailedClosed,
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		CompanyID: token.CompanyID,
		Details:   map[string]any{"token_id": token.ID},
	})
}

// refreshedConcurrently re-reads the token after a failed upstream refresh.
// The freshness guard may have rotated the upstream refresh token on the same
// row between our read and the upstream call, in which case the failure was
// caused by presenting the superseded token and the row's new upstream pair
// is usable. It reports the re-read row only in that case.
//
// SECURITY: this never calls the upstream again. A second attempt with the
// same upstream refresh token is exactly what must not happen.
func (s *Server) refreshedConcurrently(ctx context.Context, refreshToken string, stale *storage.IssuedToken) (*storage.IssuedToken, bool) {
	latest, err := s.store.GetTokenByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, false
	}
	if latest.ID != stale.ID || latest.Revoked || !latest.IsLive(s.now()) {
		return nil, false
	}
	if latest.Upstream.RefreshToken == stale.Upstream.RefreshToken || latest.Upstream.AccessToken == "" {
		return nil, false
	}
	return latest, true
}

// RevokeToken revokes the IssuedToken owning token (RFC 7009). Unknown
// tokens and tokens of other clients are silently ignored.
func (s *Server) RevokeToken(ctx context.Context, token, tokenTypeHint, clientID, clientIP string) error {
	ctx, span := s.tracer.Start(ctx, "oauth.revoke")
	defer span.End()

	if token == "" {
		return errInvalidRequest("token is required")
	}

	issued, err := s.lookupForRevocation(ctx, token, tokenTypeHint)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Debug("Revocation of unknown token ignored", "client_id", clientID)
			return nil
		}
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to look up token: %w", err)
	}

	if issued.ClientID != clientID {
		s.Logger.Warn("Revocation attempt for another client's token",
			"client_id", clientID,
			"client_ip", clientIP)
		s.Auditor.LogAuthFailure(security.EventClientAuthFailed, clientID, clientIP, "revocation_client_mismatch")
		return nil
	}

	if err := s.store.RevokeToken(ctx, issued.ID, s.now()); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRevocation(ctx, "client_request")
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenRevoked,
		UserID:    issued.UserID,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   map[string]any{"token_id": issued.ID},
	})
	s.Logger.Info("Token revoked", "client_id", clientID, "token_id", issued.ID)
	return nil
}

func (s *Server) lookupForRevocation(ctx context.Context, token, hint string) (*storage.IssuedToken, error) {
	lookups := []func(context.Context, string) (*storage.IssuedToken, error){
		s.store.GetTokenByAccessToken,
		s.store.GetTokenByRefreshToken,
	}
	if hint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	var lastErr error
	for _, lookup := range lookups {
		issued, err := lookup(ctx, token)
		if err == nil {
			return issued, nil
		}
		if !errors.Is(err, storage.ErrTokenNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// newIssuedToken mints a fresh local pair bound to the upstream pair.
func (s *Server) newIssuedToken(clientID, userID, companyID, scope, parentID string, pair *providers.TokenPair) (*storage.IssuedToken, error) {
	now := s.now()
	expiresAt := now.Add(seconds(s.Config.AccessTokenTTL))

	accessToken, err := s.mintAccessToken(clientID, userID, companyID, scope, now, expiresAt)
	if err != nil {
		return nil, err
	}

	return &storage.IssuedToken{
		ID:           uuid.NewString(),
		ParentID:     parentID,
		ClientID:     clientID,
		UserID:       userID,
		CompanyID:    companyID,
		Scope:        scope,
		AccessToken:  accessToken,
		RefreshToken: generateRandomToken(),
		Upstream: storage.UpstreamCredentials{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			ExpiresAt:    pair.ExpiresAt,
		},
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: now.Add(seconds(s.Config.RefreshTokenTTL)),
	}, nil
}

func (s *Server) tokenResult(token *storage.IssuedToken) *TokenResult {
	return &TokenResult{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(token.ExpiresAt.Sub(token.CreatedAt) / time.Second),
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}
}

// logUpstreamFailure keeps the upstream detail in the logs only.
func (s *Server) logUpstreamFailure(msg, clientID string, err error) {
	attrs := []any{"client_id", clientID, "error", err}
	if ue, ok := providers.AsUpstreamError(err); ok {
		attrs = append(attrs, "upstream_error", ue.Code, "upstream_status", ue.StatusCode)
	}
	s.Logger.Warn(msg, attrs...)
}

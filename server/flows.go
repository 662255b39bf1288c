package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/pkce"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// AuthorizationRequest is the parsed query of GET /oauth/authorize.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
	ClientIP            string
}

// CallbackRequest is the parsed query of the upstream provider's redirect.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string

	// Query is the full callback query, used to extract upstream identity
	// parameters such as the company id.
	Query url.Values
}

// upstream error codes that are forwarded to the client as-is.
var passthroughUpstreamErrors = map[string]bool{
	ErrorCodeAccessDenied:           true,
	ErrorCodeInvalidScope:           true,
	ErrorCodeServerError:            true,
	ErrorCodeTemporarilyUnavailable: true,
}

// StartAuthorization validates an authorization request, creates the
// session and returns the upstream authorization URL to redirect to.
//
// Errors found before the redirect URI is verified are plain *Error values
// and must be rendered as JSON. Errors found afterwards are *RedirectError.
func (s *Server) StartAuthorization(ctx context.Context, req *AuthorizationRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	if req.ClientID == "" {
		return "", errInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return "", errInvalidRequest("redirect_uri is required")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Debug("Authorization rejected", "reason", "unknown_client", "client_id", req.ClientID)
			return "", NewError(ErrorCodeInvalidClient, "unknown client", http.StatusBadRequest)
		}
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to load client: %w", err)
	}
	if !IsRedirectURIRegistered(client, req.RedirectURI) {
		s.Logger.Warn("Authorization rejected: redirect_uri not registered",
			"client_id", req.ClientID,
			"client_ip", req.ClientIP)
		return "", errInvalidRequest("redirect_uri is not registered for this client")
	}

	// The redirect URI is trusted from here on.
	fail := func(code, desc, reason string) (string, error) {
		s.Logger.Debug("Authorization rejected", "reason", reason, "client_id", req.ClientID)
		instrumentation.SetSpanError(span, reason)
		return "", redirectError(req.RedirectURI, req.State, NewError(code, desc, http.StatusFound))
	}

	if req.ResponseType != ResponseTypeCode {
		return fail(ErrorCodeUnsupportedResponseType, "response_type must be \"code\"", "unsupported_response_type")
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return fail(ErrorCodeUnauthorizedClient, "client is not registered for the authorization_code grant", "grant_not_registered")
	}
	if req.CodeChallenge == "" {
		return fail(ErrorCodeInvalidRequest, "code_challenge is required", "missing_code_challenge")
	}

	method := req.CodeChallengeMethod
	if method == "" {
		method = pkce.MethodS256
	}
	if method != pkce.MethodS256 && (method != pkce.MethodPlain || !s.Config.AllowPKCEPlain) {
		return fail(ErrorCodeInvalidRequest, "unsupported code_challenge_method", "unsupported_pkce_method")
	}
	if !pkce.IsValidChallengeFormat(req.CodeChallenge, method) {
		return fail(ErrorCodeInvalidRequest, "malformed code_challenge", "malformed_code_challenge")
	}

	scope := req.Scope
	if scope == "" {
		scope = client.Scope
	}
	if err := s.validateScope(scope); err != nil {
		return fail(ErrorCodeInvalidScope, err.Error(), "unsupported_scope")
	}

	now := s.now()
	session := &storage.AuthorizationSession{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		State:               req.State,
		CreatedAt:           now,
		ExpiresAt:           now.Add(seconds(s.Config.AuthorizationCodeTTL)),
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.Error("Failed to save authorization session", "client_id", client.ClientID, "error", err)
		return "", redirectError(req.RedirectURI, req.State, NewError(ErrorCodeServerError, "failed to start authorization", http.StatusFound))
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", scope)
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordAuthorizationStarted(ctx, client.ClientID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationStarted,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"pkce_method": method},
	})
	s.Logger.Info("Authorization started",
		"client_id", client.ClientID,
		"session", util.SafeTruncate(session.Code, 8))

	return s.provider.AuthorizationURL(session.Code, scope), nil
}

// HandleUpstreamCallback correlates the upstream redirect with its session
// through the state parameter and returns the client redirect location.
//
// A missing or unknown state is a plain *Error: there is no verified
// destination to redirect to. Everything else is delivered to the session's
// redirect URI.
func (s *Server) HandleUpstreamCallback(ctx context.Context, req *CallbackRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.callback")
	defer span.End()

	if req.State == "" {
		s.metrics.RecordCallback(ctx, "rejected")
		return "", errInvalidRequest("state is required")
	}

	session, err := s.store.GetSession(ctx, req.State)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.metrics.RecordCallback(ctx, "rejected")
			s.Logger.Debug("Callback rejected", "reason", "unknown_state", "state", util.SafeTruncate(req.State, 8))
			return "", errInvalidRequest("unknown or expired authorization request")
		}
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to load authorization session: %w", err)
	}

	reject := func(oe *Error, reason string) (string, error) {
		s.metrics.RecordCallback(ctx, "rejected")
		s.Logger.Debug("Callback rejected", "reason", reason, "client_id", session.ClientID)
		instrumentation.SetSpanError(span, reason)
		return "", redirectError(session.RedirectURI, session.State, oe)
	}

	now := s.now()
	switch session.Status(now) {
	case storage.SessionExpired:
		return reject(NewError(ErrorCodeInvalidRequest, "authorization request expired", http.StatusFound), "session_expired")
	case storage.SessionUpstreamGranted, storage.SessionExchanged:
		return reject(NewError(ErrorCodeInvalidRequest, "authorization request already completed", http.StatusFound), "session_already_granted")
	}

	if req.Error != "" {
		code := req.Error
		if !passthroughUpstreamErrors[code] {
			code = ErrorCodeAccessDenied
		}
		s.Logger.Info("Upstream provider returned an error",
			"client_id", session.ClientID,
			"upstream_error", req.Error,
			"upstream_error_description", req.ErrorDescription)
		if err := s.store.DeleteSession(ctx, session.Code); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			s.Logger.Warn("Failed to delete denied session", "error", err)
		}
		s.metrics.RecordCallback(ctx, "denied")
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventUpstreamDenied,
			ClientID: session.ClientID,
			Details:  map[string]any{"upstream_error": req.Error},
		})
		instrumentation.SetSpanError(span, "upstream_denied")
		return "", redirectError(session.RedirectURI, session.State,
			NewError(code, "the upstream provider did not grant access", http.StatusFound))
	}

	if req.Code == "" {
		if err := s.store.DeleteSession(ctx, session.Code); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			s.Logger.Warn("Failed to delete session", "error", err)
		}
		return reject(NewError(ErrorCodeServerError, "upstream provider returned no authorization code", http.StatusFound), "missing_upstream_code")
	}

	userID, companyID := s.provider.CallbackIdentity(req.Query)
	granted, err := s.store.GrantSession(ctx, session.Code, storage.UpstreamGrant{
		Code:      req.Code,
		UserID:    userID,
		CompanyID: companyID,
	}, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrSessionNotFound):
			s.metrics.RecordCallback(ctx, "rejected")
			return "", errInvalidRequest("unknown or expired authorization request")
		case errors.Is(err, storage.ErrSessionExpired):
			return reject(NewError(ErrorCodeInvalidRequest, "authorization request expired", http.StatusFound), "session_expired")
		case errors.Is(err, storage.ErrSessionAlreadyGranted), errors.Is(err, storage.ErrSessionAlreadyUsed):
			return reject(NewError(ErrorCodeInvalidRequest, "authorization request already completed", http.StatusFound), "session_already_granted")
		default:
			instrumentation.RecordError(span, err)
			s.Logger.Error("Failed to record upstream grant", "client_id", session.ClientID, "error", err)
			return "", redirectError(session.RedirectURI, session.State,
				NewError(ErrorCodeServerError, "failed to complete authorization", http.StatusFound))
		}
	}

	instrumentation.AddOAuthFlowAttributes(span, granted.ClientID, userID, granted.Scope)
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordCallback(ctx, "granted")
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventUpstreamGranted,
		UserID:    userID,
		ClientID:  granted.ClientID,
		CompanyID: companyID,
	})
	s.Logger.Info("Upstream authorization granted",
		"client_id", granted.ClientID,
		"session", util.SafeTruncate(granted.Code, 8))

	params := url.Values{}
	params.Set("code", granted.Code)
	if granted.State != "" {
		params.Set("state", granted.State)
	}
	return appendQuery(granted.RedirectURI, params), nil
}

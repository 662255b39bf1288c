package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// Token endpoint authentication methods (RFC 7591).
const (
	// TokenEndpointAuthMethodNone is a public client authenticated by PKCE alone.
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic sends the secret with HTTP Basic auth. Default.
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost sends the secret as form parameters.
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// dummySecretHash is compared against when the client does not exist so the
// response time does not reveal which client ids are registered.
var dummySecretHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-secret-for-timing"), bcrypt.DefaultCost)

// ClientRegistrationRequest is a validated-shape RFC 7591 registration.
type ClientRegistrationRequest struct {
	RedirectURIs            []string
	ClientName              string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
}

// RegisterClient validates req, issues a client_id (and a secret for
// confidential clients) and stores the client. The plaintext secret is only
// returned here; the store keeps a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.register_client")
	defer span.End()

	if req == nil {
		return nil, "", errInvalidClientMetadata("registration request is required")
	}

	if err := validateRedirectURIs(req.RedirectURIs); err != nil {
		s.rejectRegistration(clientIP, "redirect_uri_validation_failed", err)
		return nil, "", err
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if bad, ok := validateSubset(grantTypes, supportedGrantTypes); !ok {
		err := errInvalidClientMetadata(fmt.Sprintf("unsupported grant_type %q", bad))
		s.rejectRegistration(clientIP, "unsupported_grant_type", err)
		return nil, "", err
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	if bad, ok := validateSubset(responseTypes, supportedResponseTypes); !ok {
		err := errInvalidClientMetadata(fmt.Sprintf("unsupported response_type %q", bad))
		s.rejectRegistration(clientIP, "unsupported_response_type", err)
		return nil, "", err
	}

	if err := s.validateScope(req.Scope); err != nil {
		oe := errInvalidClientMetadata(err.Error())
		s.rejectRegistration(clientIP, "unsupported_scope", oe)
		return nil, "", oe
	}

	authMethod, err := s.resolveAuthMethod(req.TokenEndpointAuthMethod)
	if err != nil {
		s.rejectRegistration(clientIP, "unsupported_auth_method", err)
		return nil, "", err
	}

	clientSecret, secretHash, hashErr := generateClientSecret(authMethod)
	if hashErr != nil {
		instrumentation.RecordError(span, hashErr)
		return nil, "", hashErr
	}

	client := &storage.Client{
		ID:                      uuid.NewString(),
		ClientID:                generateRandomToken(),
		ClientSecretHash:        secretHash,
		ClientName:              strings.TrimSpace(req.ClientName),
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		GrantTypes:              append([]string(nil), grantTypes...),
		ResponseTypes:           append([]string(nil), responseTypes...),
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               s.now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		instrumentation.RecordError(span, err)
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", client.Scope)
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordClientRegistration(ctx, authMethod)
	s.Auditor.LogClientRegistered(client.ClientID, authMethod, clientIP)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"token_endpoint_auth_method", authMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

func (s *Server) rejectRegistration(clientIP, reason string, err error) {
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientRegistered,
		IPAddress: clientIP,
		Details:   map[string]any{"outcome": "rejected", "reason": reason},
	})
	s.Logger.Warn("Client registration rejected", "reason", reason, "error", err, "client_ip", clientIP)
}

func (s *Server) resolveAuthMethod(method string) (string, *Error) {
	switch method {
	case "", TokenEndpointAuthMethodBasic:
		return TokenEndpointAuthMethodBasic, nil
	case TokenEndpointAuthMethodPost:
		return TokenEndpointAuthMethodPost, nil
	case TokenEndpointAuthMethodNone:
		if !s.Config.AllowPublicClients {
			return "", errInvalidClientMetadata("public clients are not allowed")
		}
		return TokenEndpointAuthMethodNone, nil
	default:
		return "", errInvalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
	}
}

// generateClientSecret returns a secret and its bcrypt hash, or nothing for
// public clients.
func generateClientSecret(authMethod string) (string, string, error) {
	if authMethod == TokenEndpointAuthMethodNone {
		return "", "", nil
	}
	secret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

// GetClient returns the registered client. Unknown ids yield invalid_client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidClient("unknown client")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

// AuthenticateClient resolves the client for a token or revocation request.
// Public clients present no secret. Confidential clients present theirs, or
// may omit it unless Config.RequireClientSecret is set. A wrong secret always
// fails. Failures are always the same generic invalid_client.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, errInvalidClient("client authentication failed")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(clientSecret))
		s.clientAuthFailed(clientID, clientIP, "unknown_client")
		return nil, errInvalidClient("client authentication failed")
	}

	if client.IsPublic() {
		if clientSecret != "" {
			s.clientAuthFailed(clientID, clientIP, "secret_presented_by_public_client")
			return nil, errInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if clientSecret == "" {
		// SECURITY: without RequireClientSecret the client is identified, not
		// authenticated. Callers still enforce PKCE on codes and the client
		// binding on refresh tokens.
		if s.Config.RequireClientSecret {
			s.clientAuthFailed(clientID, clientIP, "missing_secret")
			return nil, errInvalidClient("client authentication failed")
		}
		return client, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.clientAuthFailed(clientID, clientIP, "secret_mismatch")
		return nil, errInvalidClient("client authentication failed")
	}
	return client, nil
}

func (s *Server) clientAuthFailed(clientID, clientIP, reason string) {
	s.Auditor.LogAuthFailure(security.EventClientAuthFailed, clientID, clientIP, reason)
	s.Logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
}

// CheckRegistrationToken reports whether presented matches the configured
// registration access token. With no token configured registration is open.
func (s *Server) CheckRegistrationToken(presented string) bool {
	expected := s.Config.RegistrationAccessToken
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

package oauth

import (
	"context"
	"net/http"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// ValidateToken is middleware for the protected resource. It accepts a
// local access token, refreshes the upstream credentials when they are about
// to expire and exposes them to next through the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "oauth.http.validate_token")
		defer span.End()

		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(w, r, clientIP, endpointResource) {
			return
		}

		accessToken := bearerToken(r)
		if accessToken == "" {
			instrumentation.SetSpanError(span, "missing bearer token")
			h.writeError(w, ErrorCodeInvalidToken, "missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}

		token, err := h.server.UpstreamCredentials(ctx, accessToken)
		if err != nil {
			oe := server.AsError(err)
			if oe.Code != ErrorCodeInvalidToken {
				h.writeServerError(w, span, endpointResource, err)
				return
			}
			h.logger.Warn("Token validation failed", "ip", clientIP, "error", err)
			instrumentation.SetSpanError(span, oe.Code)
			h.writeError(w, ErrorCodeInvalidToken, oe.Description, http.StatusUnauthorized)
			return
		}

		instrumentation.AddOAuthFlowAttributes(span, token.ClientID, token.UserID, token.Scope)
		instrumentation.SetSpanSuccess(span)
		next.ServeHTTP(w, r.WithContext(ContextWithIssuedToken(ctx, token)))
	})
}

// Context key for the validated token
type contextKey string

const issuedTokenKey contextKey = "issued_token"

// IssuedTokenFromContext returns the token validated by ValidateToken.
func IssuedTokenFromContext(ctx context.Context) (*storage.IssuedToken, bool) {
	token, ok := ctx.Value(issuedTokenKey).(*storage.IssuedToken)
	return token, ok && token != nil
}

// UpstreamTokenFromContext returns the fresh upstream access token to call
// the upstream API with on behalf of the authenticated client.
func UpstreamTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := IssuedTokenFromContext(ctx)
	if !ok || token.Upstream.AccessToken == "" {
		return "", false
	}
	return token.Upstream.AccessToken, true
}

// ContextWithIssuedToken stores token in ctx.
//
// WARNING: This function should ONLY be used for testing. In production the
// token is set by ValidateToken after verification.
func ContextWithIssuedToken(ctx context.Context, token *storage.IssuedToken) context.Context {
	return context.WithValue(ctx, issuedTokenKey, token)
}

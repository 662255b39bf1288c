package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/pkce"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// maxRequestBodySize bounds form and JSON bodies on POST endpoints.
	maxRequestBodySize = 1 << 20

	healthCheckTimeout = 2 * time.Second
	metadataMaxAge     = 3600
)

// Well-known and operational paths.
const (
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
	HealthPath                      = "/healthz"
)

// Endpoint labels used in metrics, logs and rate limit audit events.
const (
	endpointAuthorization = "authorization"
	endpointCallback      = "callback"
	endpointToken         = "token"
	endpointRevocation    = "revocation"
	endpointRegistration  = "registration"
	endpointASMetadata    = "authorization_server_metadata"
	endpointPRMetadata    = "protected_resource_metadata"
	endpointHealth        = "health"
	endpointResource      = "resource"
)

// Handler is the HTTP surface of the bridge. Every endpoint parses the
// request, delegates to the Server and renders the result.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("http"),
	}

	if inst := server.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// RegisterRoutes mounts every OAuth endpoint, both metadata documents and
// the health check on mux. When the resource identifier carries a path the
// RFC 9728 path-suffixed metadata location is registered as well.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	cfg := h.server.Config

	mux.HandleFunc(cfg.AuthorizationEndpointPath, h.ServeAuthorization)
	mux.HandleFunc(cfg.CallbackPath, h.ServeCallback)
	mux.HandleFunc(cfg.TokenEndpointPath, h.ServeToken)
	mux.HandleFunc(cfg.RegistrationEndpointPath, h.ServeClientRegistration)
	mux.HandleFunc(cfg.RevocationEndpointPath, h.ServeTokenRevocation)

	mux.HandleFunc(AuthorizationServerMetadataPath, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(ProtectedResourceMetadataPath, h.ServeProtectedResourceMetadata)
	if p := h.resourcePath(); p != "" {
		mux.HandleFunc(ProtectedResourceMetadataPath+p, h.ServeProtectedResourceMetadata)
	}

	mux.HandleFunc(HealthPath, h.ServeHealth)
}

// resourcePath is the path component of the resource identifier, or "".
func (h *Handler) resourcePath() string {
	u, err := url.Parse(h.server.Config.ResourceIdentifier)
	if err != nil {
		return ""
	}
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" || p == "/" {
		return ""
	}
	return p
}

// statusRecorder remembers the status code written through it so the
// deferred metrics see the final outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument runs serve inside a span and records the HTTP metric once the
// response is written.
func (h *Handler) instrument(w http.ResponseWriter, r *http.Request, endpoint string, serve func(http.ResponseWriter, *http.Request, trace.Span)) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
	defer span.End()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	serve(rec, r.WithContext(ctx), span)

	span.SetAttributes(
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.Int(instrumentation.AttrHTTPStatusCode, rec.status),
	)
	duration := float64(time.Since(start).Microseconds()) / 1000
	h.server.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, duration)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// allowMethod writes 405 unless r uses one of methods.
func (h *Handler) allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	return h.checkRateLimit(w, r, h.server.RateLimiter, "ip", clientIP, endpoint)
}

func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, rl *security.RateLimiter, limiterType, clientIP, endpoint string) bool {
	if rl == nil || rl.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint, "limiter", limiterType)
	h.server.Metrics().RecordRateLimitExceeded(r.Context(), limiterType)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	retryAfter := int(math.Ceil(rl.RetryAfter().Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// ServeAuthorization handles GET /oauth/authorize. Success and errors after
// the redirect URI is verified are 302 redirects; anything earlier is a JSON
// error so an unverified redirect_uri is never followed.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointAuthorization, h.serveAuthorization)
}

func (h *Handler) serveAuthorization(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if !h.allowMethod(w, r, http.MethodGet) {
		return
	}
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, endpointAuthorization) {
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		ClientIP:            clientIP,
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	upstreamURL, err := h.server.StartAuthorization(r.Context(), req)
	if err != nil {
		h.writeFlowError(w, r, span, endpointAuthorization, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.redirect(w, r, upstreamURL)
}

// ServeCallback handles the upstream provider's redirect and sends the user
// agent back to the client with the local authorization code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointCallback, h.serveCallback)
}

func (h *Handler) serveCallback(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if !h.allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.checkIPRateLimit(w, r, h.clientIP(r), endpointCallback) {
		return
	}

	q := r.URL.Query()
	clientRedirect, err := h.server.HandleUpstreamCallback(r.Context(), &server.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		Query:            q,
	})
	if err != nil {
		h.writeFlowError(w, r, span, endpointCallback, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.redirect(w, r, clientRedirect)
}

// ServeToken handles POST /oauth/token for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointToken, h.serveToken)
}

func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if !h.allowMethod(w, r, http.MethodPost) {
		return
	}
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, endpointToken) {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	grantType := r.PostForm.Get("grant_type")
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, grantType))

	switch grantType {
	case server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken:
	case "":
		h.writeError(w, ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest)
		return
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, "grant_type must be authorization_code or refresh_token", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeServerError(w, span, endpointToken, err)
		return
	}
	if !client.HasGrantType(grantType) {
		h.writeError(w, ErrorCodeUnauthorizedClient, "client is not registered for this grant type", http.StatusBadRequest)
		return
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", "")

	var result *server.TokenResult
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		result, err = h.server.ExchangeAuthorizationCode(r.Context(), &server.CodeExchangeRequest{
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			ClientID:     client.ClientID,
			ClientIP:     clientIP,
		})
	case server.GrantTypeRefreshToken:
		refreshToken := r.PostForm.Get("refresh_token")
		if refreshToken == "" {
			h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
			return
		}
		result, err = h.server.RefreshAccessToken(r.Context(), refreshToken, client.ClientID)
	}
	if err != nil {
		h.writeServerError(w, span, endpointToken, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, result)
}

// ServeTokenRevocation handles POST /oauth/revoke (RFC 7009). Unknown
// tokens still answer 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointRevocation, h.serveTokenRevocation)
}

func (h *Handler) serveTokenRevocation(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if !h.allowMethod(w, r, http.MethodPost) {
		return
	}
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, endpointRevocation) {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeServerError(w, span, endpointRevocation, err)
		return
	}

	err = h.server.RevokeToken(r.Context(), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), client.ClientID, clientIP)
	if err != nil {
		h.writeServerError(w, span, endpointRevocation, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles POST /oauth/register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointRegistration, h.serveClientRegistration)
}

func (h *Handler) serveClientRegistration(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if !h.allowMethod(w, r, http.MethodPost) {
		return
	}
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, endpointRegistration) {
		return
	}
	if h.checkRateLimit(w, r, h.server.RegistrationRateLimiter, "registration", clientIP, endpointRegistration) {
		return
	}

	if !h.server.CheckRegistrationToken(bearerToken(r)) {
		h.logger.Warn("Registration rejected: invalid initial access token", "ip", clientIP)
		h.server.Auditor.LogAuthFailure(security.EventClientAuthFailed, "", clientIP, "invalid registration access token")
		h.writeError(w, ErrorCodeInvalidToken, "a valid registration access token is required", http.StatusUnauthorized)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidClientMetadata, "request body must be a JSON client metadata document", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), &server.ClientRegistrationRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}, clientIP)
	if err != nil {
		h.writeServerError(w, span, endpointRegistration, err)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", client.Scope)
	instrumentation.SetSpanSuccess(span)
	h.writeRegistrationResponse(w, client, secret)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointASMetadata, func(w http.ResponseWriter, r *http.Request, span trace.Span) {
		if !h.allowMethod(w, r, http.MethodGet) {
			return
		}
		if h.checkIPRateLimit(w, r, h.clientIP(r), endpointASMetadata) {
			return
		}
		instrumentation.SetSpanSuccess(span)
		h.writeMetadata(w, h.authorizationServerMetadata())
	})
}

func (h *Handler) authorizationServerMetadata() *AuthorizationServerMetadata {
	cfg := h.server.Config

	authMethods := []string{server.TokenEndpointAuthMethodBasic, server.TokenEndpointAuthMethodPost}
	if cfg.AllowPublicClients {
		authMethods = append(authMethods, server.TokenEndpointAuthMethodNone)
	}
	challengeMethods := []string{pkce.MethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, pkce.MethodPlain)
	}

	return &AuthorizationServerMetadata{
		Issuer:                                 cfg.Issuer,
		AuthorizationEndpoint:                  cfg.Endpoint(cfg.AuthorizationEndpointPath),
		TokenEndpoint:                          cfg.Endpoint(cfg.TokenEndpointPath),
		RegistrationEndpoint:                   cfg.Endpoint(cfg.RegistrationEndpointPath),
		RevocationEndpoint:                     cfg.Endpoint(cfg.RevocationEndpointPath),
		ScopesSupported:                        cfg.SupportedScopes,
		ResponseTypesSupported:                 []string{server.ResponseTypeCode},
		GrantTypesSupported:                    []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported:      authMethods,
		RevocationEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:          challengeMethods,
	}
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointPRMetadata, func(w http.ResponseWriter, r *http.Request, span trace.Span) {
		if !h.allowMethod(w, r, http.MethodGet) {
			return
		}
		if h.checkIPRateLimit(w, r, h.clientIP(r), endpointPRMetadata) {
			return
		}
		instrumentation.SetSpanSuccess(span)
		h.writeMetadata(w, &ProtectedResourceMetadata{
			Resource:               h.server.Config.ResourceIdentifier,
			AuthorizationServers:   []string{h.server.Config.Issuer},
			BearerMethodsSupported: []string{"header"},
			ScopesSupported:        h.server.Config.SupportedScopes,
		})
	})
}

// ServeHealth reports 200 while the store answers and 503 otherwise.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	h.instrument(w, r, endpointHealth, func(w http.ResponseWriter, r *http.Request, span trace.Span) {
		if !h.allowMethod(w, r, http.MethodGet, http.MethodHead) {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := h.server.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			instrumentation.RecordError(span, err)
			h.writeJSON(w, http.StatusServiceUnavailable, &HealthResponse{Status: "unavailable"})
			return
		}
		instrumentation.SetSpanSuccess(span)
		h.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
	})
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "request body must be application/x-www-form-urlencoded", http.StatusBadRequest)
		return false
	}
	return true
}

// parseBasicAuth returns the client credentials of an HTTP Basic header.
// Both parts are form-urlencoded before base64 encoding (RFC 6749 2.3.1).
func parseBasicAuth(r *http.Request) (clientID, secret string, ok bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if u, err := url.QueryUnescape(user); err == nil {
		user = u
	}
	if p, err := url.QueryUnescape(pass); err == nil {
		pass = p
	}
	return user, pass, true
}

// authenticateClient validates client credentials from either Basic Auth or
// form parameters. Mixing both is rejected.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	clientID, secret, basic := parseBasicAuth(r)
	if basic {
		if formSecret != "" {
			return nil, NewOAuthError(ErrorCodeInvalidRequest, "multiple client authentication methods used", http.StatusBadRequest)
		}
		if formID != "" && formID != clientID {
			return nil, NewOAuthError(ErrorCodeInvalidRequest, "client_id does not match the Authorization header", http.StatusBadRequest)
		}
	} else {
		clientID, secret = formID, formSecret
	}

	return h.server.AuthenticateClient(r.Context(), clientID, secret, clientIP)
}

// bearerToken returns the token of an "Authorization: Bearer" header, or "".
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, location string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
}

// writeFlowError delivers an authorization flow error either by redirect to
// the client's verified redirect URI or as a JSON body.
func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, span trace.Span, endpoint string, err error) {
	var re *server.RedirectError
	if errors.As(err, &re) {
		if re.Err.Code == ErrorCodeServerError {
			h.logger.Error("Request failed", "endpoint", endpoint, "error", err)
		}
		instrumentation.SetSpanError(span, re.Err.Code)
		h.redirect(w, r, re.Location())
		return
	}
	h.writeServerError(w, span, endpoint, err)
}

// writeServerError renders an error returned by the Server. Errors that are
// not OAuth errors become a generic server_error; their detail is logged.
func (h *Handler) writeServerError(w http.ResponseWriter, span trace.Span, endpoint string, err error) {
	oe := server.AsError(err)
	if oe.Code == ErrorCodeServerError {
		h.logger.Error("Request failed", "endpoint", endpoint, "error", err)
		instrumentation.RecordError(span, err)
	}
	instrumentation.SetSpanError(span, oe.Code)
	h.writeError(w, oe.Code, oe.Description, oe.Status)
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	h.writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	})
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	tokenType := result.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}
	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
	})
}

// writeMetadata writes a discovery document. Unlike every other response it
// may be cached.
func (h *Handler) writeMetadata(w http.ResponseWriter, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(metadataMaxAge))
	w.Header().Del("Pragma")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		if code == ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+h.server.Config.Issuer+`"`)
		} else {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
		}
	}
	h.writeJSON(w, status, &ErrorResponse{Error: code, ErrorDescription: description})
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
// and RFC 9728, pointing clients at the protected resource metadata.
//
// Example output:
//
//	Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource",
//	       error="invalid_token",
//	       error_description="Token has expired"
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{
		`resource_metadata="` + h.server.Config.Endpoint(ProtectedResourceMetadataPath+h.resourcePath()) + `"`,
	}
	if errCode != "" {
		params = append(params, `error="`+escapeQuoted(errCode)+`"`)
	}
	if errorDesc != "" {
		params = append(params, `error_description="`+escapeQuoted(errorDesc)+`"`)
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// escapeQuoted makes s safe inside an RFC 7230 quoted-string.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

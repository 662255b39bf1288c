package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
)

// Default lifetimes, in seconds.
const (
	DefaultAuthorizationCodeTTL  = 600
	DefaultAccessTokenTTL        = 3600
	DefaultRefreshTokenTTL       = 90 * 24 * 3600
	DefaultUpstreamRefreshMargin = 300
	DefaultClockSkewGracePeriod  = 5
	DefaultRevokedTokenRetention = 24 * 3600
	DefaultSweepInterval         = 300

	// MinSigningKeyLength is the shortest accepted HS256 key, in bytes.
	MinSigningKeyLength = 32
)

// Config holds the bridge's OAuth settings. It is built once at start-up and
// injected into the Server.
type Config struct {
	// Issuer is the public base URL of the bridge, e.g. https://mcp.example.com.
	Issuer string

	// ResourceIdentifier is the protected resource advertised in
	// /.well-known/oauth-protected-resource. Defaults to Issuer.
	ResourceIdentifier string

	// AuthorizationEndpointPath and friends are appended to Issuer when
	// publishing metadata and building the upstream redirect URI.
	AuthorizationEndpointPath string
	CallbackPath              string
	TokenEndpointPath         string
	RegistrationEndpointPath  string
	RevocationEndpointPath    string

	AuthorizationCodeTTL int64 // seconds, default 600
	AccessTokenTTL       int64 // seconds, default 3600
	RefreshTokenTTL      int64 // seconds, default 90 days

	// UpstreamRefreshMargin is how long before upstream expiry the freshness
	// guard refreshes the upstream pair. Default 300 seconds.
	UpstreamRefreshMargin int64

	// ClockSkewGracePeriod is the leeway applied when checking local access
	// token expiry. Default 5 seconds.
	ClockSkewGracePeriod int64

	// RevokedTokenRetention keeps revoked tokens around for this long so that
	// replayed refresh tokens still resolve to a revoked row. Default 24h.
	RevokedTokenRetention int64

	// SweepInterval is the period of the expiry sweeper in seconds.
	SweepInterval int64

	// SigningKey signs local access tokens (HS256). Required, at least 32 bytes.
	SigningKey []byte

	// SupportedScopes restricts the scopes a client may request. Empty means
	// any scope is passed through to the upstream provider.
	SupportedScopes []string

	// AllowPKCEPlain accepts code_challenge_method=plain at the authorization
	// endpoint. Off by default; only S256 is accepted.
	AllowPKCEPlain bool

	// AllowPublicClients lets registrations use token_endpoint_auth_method
	// "none". MCP clients that cannot keep a secret need this.
	AllowPublicClients bool

	// RequireClientSecret makes confidential clients present their secret at
	// the token and revocation endpoints. When false a confidential client may
	// omit it: authorization codes stay bound by PKCE and refresh tokens by
	// client_id. A secret that is presented is always verified.
	RequireClientSecret bool

	// RegistrationAccessToken, when set, must be presented as a Bearer token
	// to the registration endpoint. Empty means open registration.
	RegistrationAccessToken string

	// AllowInsecureHTTP permits a plain http issuer on non-loopback hosts.
	AllowInsecureHTTP bool

	// TrustProxy enables X-Forwarded-For handling when deriving client IPs.
	// TrustedProxyCount is the number of trusted proxy addresses that appear
	// in X-Forwarded-For, i.e. the proxies in front of the one connecting to
	// the bridge. Zero suits a single reverse proxy.
	TrustProxy        bool
	TrustedProxyCount int
}

// Default endpoint paths.
const (
	DefaultAuthorizationEndpointPath = "/oauth/authorize"
	DefaultCallbackPath              = "/oauth/callback"
	DefaultTokenEndpointPath         = "/oauth/token"
	DefaultRegistrationEndpointPath  = "/oauth/register"
	DefaultRevocationEndpointPath    = "/oauth/revoke"
)

// applySecureDefaults fills in zero values. It never weakens an explicit setting.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	c := *config
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.UpstreamRefreshMargin <= 0 {
		c.UpstreamRefreshMargin = DefaultUpstreamRefreshMargin
	}
	if c.ClockSkewGracePeriod <= 0 {
		c.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if c.RevokedTokenRetention <= 0 {
		c.RevokedTokenRetention = DefaultRevokedTokenRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	c.Issuer = util.NormalizeURL(c.Issuer)
	if c.ResourceIdentifier == "" {
		c.ResourceIdentifier = c.Issuer
	}
	if c.AuthorizationEndpointPath == "" {
		c.AuthorizationEndpointPath = DefaultAuthorizationEndpointPath
	}
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.TokenEndpointPath == "" {
		c.TokenEndpointPath = DefaultTokenEndpointPath
	}
	if c.RegistrationEndpointPath == "" {
		c.RegistrationEndpointPath = DefaultRegistrationEndpointPath
	}
	if c.RevocationEndpointPath == "" {
		c.RevocationEndpointPath = DefaultRevocationEndpointPath
	}

	logSecurityWarnings(&c, logger)
	return &c
}

func logSecurityWarnings(c *Config, logger *slog.Logger) {
	if c.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: plain PKCE is enabled",
			"risk", "The challenge equals the verifier and offers no protection if the authorization request leaks",
			"recommendation", "Leave AllowPKCEPlain unset so only S256 is accepted")
	}
	if !c.RequireClientSecret {
		logger.Warn("⚠️  SECURITY WARNING: client secrets are optional at the token endpoint",
			"risk", "A leaked refresh token can be redeemed with the client_id alone",
			"recommendation", "Set RequireClientSecret when every client can keep a secret")
	}
	if c.RegistrationAccessToken == "" {
		logger.Warn("⚠️  SECURITY WARNING: client registration is open",
			"risk", "Anyone who can reach the bridge can register clients",
			"recommendation", "Set RegistrationAccessToken unless clients register dynamically on their own")
	}
	if c.AccessTokenTTL > 24*3600 {
		logger.Warn("⚠️  SECURITY WARNING: long-lived access tokens",
			"access_token_ttl", c.AccessTokenTTL,
			"recommendation", "Keep access tokens short and rely on refresh")
	}
	if c.TrustProxy {
		logger.Warn("⚠️  SECURITY WARNING: X-Forwarded-For is trusted",
			"trusted_proxy_count", c.TrustedProxyCount,
			"risk", "Without a proxy in front of every request clients choose their own address and evade rate limits",
			"recommendation", "Enable TrustProxy only behind reverse proxies you operate")
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if err := validateIssuer(c.Issuer, c.AllowInsecureHTTP); err != nil {
		errs = append(errs, err)
	}
	if len(c.SigningKey) < MinSigningKeyLength {
		errs = append(errs, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLength, len(c.SigningKey)))
	}
	if c.TrustedProxyCount < 0 {
		errs = append(errs, fmt.Errorf("trusted proxy count must not be negative, got %d", c.TrustedProxyCount))
	}
	if c.UpstreamRefreshMargin >= c.AccessTokenTTL && c.AccessTokenTTL > 0 {
		errs = append(errs, fmt.Errorf("upstream refresh margin (%ds) must be shorter than the access token lifetime (%ds)",
			c.UpstreamRefreshMargin, c.AccessTokenTTL))
	}
	return errors.Join(errs...)
}

func validateIssuer(issuer string, allowInsecureHTTP bool) error {
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", issuer)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHostname(u.Hostname()) || allowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("SECURITY ERROR: issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP only for development",
			u.Scheme, u.Hostname())
	default:
		return fmt.Errorf("issuer must use https, got scheme %q", u.Scheme)
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// Endpoint returns the absolute URL of path on the issuer.
func (c *Config) Endpoint(path string) string {
	return c.Issuer + path
}

// CallbackURL is the redirect URI registered with the upstream provider.
func (c *Config) CallbackURL() string {
	return c.Endpoint(c.CallbackPath)
}

// Package upstream implements providers.Provider for a plain OAuth 2.0
// authorization server using golang.org/x/oauth2.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

const (
	// DefaultName is used when Config.Name is empty.
	DefaultName = "upstream"

	defaultTimeout = 30 * time.Second
)

// Config holds the bridge's registration at the upstream provider.
type Config struct {
	Name string

	ClientID     string
	ClientSecret string

	AuthURL  string
	TokenURL string

	// RedirectURL is the bridge's callback URL registered upstream.
	RedirectURL string

	// Scopes are requested on every authorization unless ForwardClientScope
	// is set and the client asked for a scope.
	Scopes             []string
	ForwardClientScope bool

	// AuthStyle selects how client credentials reach the token endpoint:
	// "header" (HTTP Basic, the default) or "params" (form body).
	//
	// SECURITY: there is deliberately no auto-detect setting. x/oauth2 works out
	// the style by resending a failed token request the other way, which would
	// present a single-use upstream code or a rotating refresh token twice.
	AuthStyle string

	// UserIDParam and CompanyIDParam name the callback query parameters that
	// carry upstream identity, for example "realmId".
	UserIDParam    string
	CompanyIDParam string

	HTTPClient      *http.Client
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Provider is a providers.Provider backed by oauth2.Config.
type Provider struct {
	name               string
	config             *oauth2.Config
	forwardClientScope bool
	userIDParam        string
	companyIDParam     string
	httpClient         *http.Client
	logger             *slog.Logger
	instrumentation    *instrumentation.Instrumentation
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider validates cfg and returns a provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	for field, raw := range map[string]string{
		"auth URL":     cfg.AuthURL,
		"token URL":    cfg.TokenURL,
		"redirect URL": cfg.RedirectURL,
	} {
		if err := validateURL(raw); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", field, err)
		}
	}

	authStyle, err := parseAuthStyle(cfg.AuthStyle)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: authStyle,
			},
		},
		forwardClientScope: cfg.ForwardClientScope,
		userIDParam:        cfg.UserIDParam,
		companyIDParam:     cfg.CompanyIDParam,
		httpClient:         httpClient,
		logger:             logger,
		instrumentation:    cfg.Instrumentation,
	}, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func parseAuthStyle(s string) (oauth2.AuthStyle, error) {
	switch strings.ToLower(s) {
	case "", "header", "basic":
		return oauth2.AuthStyleInHeader, nil
	case "params", "post":
		return oauth2.AuthStyleInParams, nil
	default:
		return 0, fmt.Errorf("unknown auth style %q", s)
	}
}

// Name returns the configured provider name.
func (p *Provider) Name() string {
	return p.name
}

// AuthorizationURL builds the upstream authorization URL. No PKCE parameters
// are sent upstream.
func (p *Provider) AuthorizationURL(state, scope string) string {
	if p.forwardClientScope && scope != "" {
		cfg := *p.config
		cfg.Scopes = strings.Fields(scope)
		return cfg.AuthCodeURL(state)
	}
	return p.config.AuthCodeURL(state)
}

// CallbackIdentity reads the configured identity parameters.
func (p *Provider) CallbackIdentity(query url.Values) (userID, companyID string) {
	if p.userIDParam != "" {
		userID = query.Get(p.userIDParam)
	}
	if p.companyIDParam != "" {
		companyID = query.Get(p.companyIDParam)
	}
	return userID, companyID
}

// ExchangeCode redeems an upstream authorization code.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (_ *providers.TokenPair, err error) {
	ctx, done := p.instrumentation.StartProviderCall(ctx, p.name, "exchange_code")
	defer func() { done(err) }()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, p.upstreamError("exchange_code", err)
	}
	return toTokenPair(token), nil
}

// RefreshToken redeems an upstream refresh token. When the upstream does not
// rotate refresh tokens the previous one is carried over.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (_ *providers.TokenPair, err error) {
	ctx, done := p.instrumentation.StartProviderCall(ctx, p.name, "refresh_token")
	defer func() { done(err) }()

	if refreshToken == "" {
		return nil, &providers.UpstreamError{Code: "invalid_grant", Description: "no upstream refresh token"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, p.upstreamError("refresh_token", err)
	}
	return toTokenPair(token), nil
}

func (p *Provider) upstreamError(op string, err error) error {
	ue := &providers.UpstreamError{Code: "server_error", Err: err}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			ue.Code = re.ErrorCode
		}
		ue.Description = re.ErrorDescription
		if re.Response != nil {
			ue.StatusCode = re.Response.StatusCode
		}
	}

	p.logger.Warn("Upstream token request failed",
		"provider", p.name,
		"operation", op,
		"error_code", ue.Code,
		"status", ue.StatusCode,
		"error", err)
	return ue
}

func toTokenPair(t *oauth2.Token) *providers.TokenPair {
	return &providers.TokenPair{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.Type(),
		ExpiresAt:    t.Expiry,
	}
}

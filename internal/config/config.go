// Package config loads the bridge configuration from a YAML file, an
// optional .env file and BRIDGE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/providers/upstream"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/server"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageValkey   = "valkey"
)

// Config is the complete on-disk configuration.
type Config struct {
	HTTP            HTTPConfig            `yaml:"http"`
	OAuth           OAuthConfig           `yaml:"oauth"`
	Upstream        UpstreamConfig        `yaml:"upstream"`
	Storage         StorageConfig         `yaml:"storage"`
	Security        SecurityConfig        `yaml:"security"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Log             LogConfig             `yaml:"log"`
}

// HTTPConfig controls the listener.
type HTTPConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// OAuthConfig is the bridge's authorization server configuration. Zero
// durations fall back to the server defaults.
type OAuthConfig struct {
	Issuer             string `yaml:"issuer"`
	ResourceIdentifier string `yaml:"resource_identifier"`

	AuthorizationCodeTTL  time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL        time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL       time.Duration `yaml:"refresh_token_ttl"`
	UpstreamRefreshMargin time.Duration `yaml:"upstream_refresh_margin"`
	ClockSkewGracePeriod  time.Duration `yaml:"clock_skew_grace_period"`
	RevokedTokenRetention time.Duration `yaml:"revoked_token_retention"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`

	SupportedScopes     []string `yaml:"supported_scopes"`
	AllowPKCEPlain      bool     `yaml:"allow_pkce_plain"`
	AllowPublicClients  bool     `yaml:"allow_public_clients"`
	RequireClientSecret bool     `yaml:"require_client_secret"`
	AllowInsecureHTTP   bool     `yaml:"allow_insecure_http"`
}

// UpstreamConfig describes the upstream OAuth 2.0 provider.
type UpstreamConfig struct {
	Name               string        `yaml:"name"`
	ClientID           string        `yaml:"client_id"`
	ClientSecret       string        `yaml:"client_secret"`
	AuthURL            string        `yaml:"auth_url"`
	TokenURL           string        `yaml:"token_url"`
	Scopes             []string      `yaml:"scopes"`
	ForwardClientScope bool          `yaml:"forward_client_scope"`
	AuthStyle          string        `yaml:"auth_style"`
	UserIDParam        string        `yaml:"user_id_param"`
	CompanyIDParam     string        `yaml:"company_id_param"`
	Timeout            time.Duration `yaml:"timeout"`
}

// StorageConfig selects and configures the store.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	Valkey   ValkeyConfig   `yaml:"valkey"`
}

// PostgresConfig configures the postgres store.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// ValkeyConfig configures the valkey store.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// SecurityConfig holds keys and abuse controls. Keys are standard base64.
type SecurityConfig struct {
	SigningKey    string `yaml:"signing_key"`
	EncryptionKey string `yaml:"encryption_key"`

	RegistrationAccessToken string `yaml:"registration_access_token"`
	AuditLogging            bool   `yaml:"audit_logging"`

	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`

	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	RegistrationRateLimit RateLimitConfig `yaml:"registration_rate_limit"`
}

// RateLimitConfig is a per-IP token bucket. Zero Rate disables the limiter.
type RateLimitConfig struct {
	Rate        int           `yaml:"rate"`
	Burst       int           `yaml:"burst"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// InstrumentationConfig controls metrics and tracing.
type InstrumentationConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MetricsExporter  string  `yaml:"metrics_exporter"`
	TracesExporter   string  `yaml:"traces_exporter"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	MetricsAddr      string  `yaml:"metrics_addr"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			ListenAddr:        ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		OAuth: OAuthConfig{
			AllowPublicClients: true,
		},
		Upstream: UpstreamConfig{
			Name:    upstream.DefaultName,
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Security: SecurityConfig{
			AuditLogging: true,
			RateLimit: RateLimitConfig{
				Rate:        10,
				Burst:       20,
				IdleTimeout: 30 * time.Minute,
			},
			RegistrationRateLimit: RateLimitConfig{
				Rate:        1,
				Burst:       5,
				IdleTimeout: time.Hour,
			},
		},
		Instrumentation: InstrumentationConfig{
			MetricsExporter: "prometheus",
			TracesExporter:  "none",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads path (optional) and applies BRIDGE_* overrides from the
// environment. Callers validate what their command needs.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges a YAML document into c. Unknown keys are rejected so a
// typo cannot silently fall back to a default.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the settings that every command needs. Errors are
// aggregated.
func (c *Config) Validate() error {
	var errs []error

	if c.OAuth.Issuer == "" {
		errs = append(errs, errors.New("oauth.issuer is required"))
	}
	if c.Security.SigningKey == "" {
		errs = append(errs, errors.New("security.signing_key is required"))
	} else if _, err := security.KeyFromBase64(c.Security.SigningKey); err != nil {
		errs = append(errs, fmt.Errorf("security.signing_key: %w", err))
	}
	if c.Security.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Security.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("security.encryption_key: %w", err))
		}
	}

	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		errs = append(errs, errors.New("upstream.client_id and upstream.client_secret are required"))
	}
	for field, raw := range map[string]string{"upstream.auth_url": c.Upstream.AuthURL, "upstream.token_url": c.Upstream.TokenURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL", field))
		}
	}

	errs = append(errs, c.ValidateStorage())

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ValidateStorage checks only the storage section, for commands that do not
// serve traffic.
func (c *Config) ValidateStorage() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required for the valkey driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, postgres, valkey", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

// ServerConfig converts the OAuth and security sections for server.New.
func (c *Config) ServerConfig() (*server.Config, error) {
	key, err := security.KeyFromBase64(c.Security.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &server.Config{
		Issuer:                  util.NormalizeURL(c.OAuth.Issuer),
		ResourceIdentifier:      c.OAuth.ResourceIdentifier,
		AuthorizationCodeTTL:    secs(c.OAuth.AuthorizationCodeTTL),
		AccessTokenTTL:          secs(c.OAuth.AccessTokenTTL),
		RefreshTokenTTL:         secs(c.OAuth.RefreshTokenTTL),
		UpstreamRefreshMargin:   secs(c.OAuth.UpstreamRefreshMargin),
		ClockSkewGracePeriod:    secs(c.OAuth.ClockSkewGracePeriod),
		RevokedTokenRetention:   secs(c.OAuth.RevokedTokenRetention),
		SweepInterval:           secs(c.OAuth.SweepInterval),
		SigningKey:              key,
		SupportedScopes:         c.OAuth.SupportedScopes,
		AllowPKCEPlain:          c.OAuth.AllowPKCEPlain,
		AllowPublicClients:      c.OAuth.AllowPublicClients,
		RequireClientSecret:     c.OAuth.RequireClientSecret,
		RegistrationAccessToken: c.Security.RegistrationAccessToken,
		AllowInsecureHTTP:       c.OAuth.AllowInsecureHTTP,
		TrustProxy:              c.Security.TrustProxy,
		TrustedProxyCount:       c.Security.TrustedProxyCount,
	}, nil
}

func secs(d time.Duration) int64 {
	return int64(d / time.Second)
}

// UpstreamProviderConfig converts the upstream section. callbackURL is the
// bridge's own callback, registered with the upstream provider.
func (c *Config) UpstreamProviderConfig(callbackURL string, logger *slog.Logger, inst *instrumentation.Instrumentation) *upstream.Config {
	var httpClient *http.Client
	if c.Upstream.Timeout > 0 {
		httpClient = &http.Client{Timeout: c.Upstream.Timeout}
	}
	return &upstream.Config{
		Name:               c.Upstream.Name,
		ClientID:           c.Upstream.ClientID,
		ClientSecret:       c.Upstream.ClientSecret,
		AuthURL:            c.Upstream.AuthURL,
		TokenURL:           c.Upstream.TokenURL,
		RedirectURL:        callbackURL,
		Scopes:             c.Upstream.Scopes,
		ForwardClientScope: c.Upstream.ForwardClientScope,
		AuthStyle:          c.Upstream.AuthStyle,
		UserIDParam:        c.Upstream.UserIDParam,
		CompanyIDParam:     c.Upstream.CompanyIDParam,
		HTTPClient:         httpClient,
		Logger:             logger,
		Instrumentation:    inst,
	}
}

// Encryptor builds the at-rest encryptor. Without a key it returns a
// disabled encryptor.
func (c *Config) Encryptor() (*security.Encryptor, error) {
	if c.Security.EncryptionKey == "" {
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(c.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return security.NewEncryptor(key)
}

// InstrumentationConfig converts the instrumentation section.
func (c *Config) InstrumentationConfig(serviceVersion string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:      "mcp-oauth-bridge",
		ServiceVersion:   serviceVersion,
		Enabled:          c.Instrumentation.Enabled,
		MetricsExporter:  c.Instrumentation.MetricsExporter,
		TracesExporter:   c.Instrumentation.TracesExporter,
		OTLPEndpoint:     c.Instrumentation.OTLPEndpoint,
		TraceSampleRatio: c.Instrumentation.TraceSampleRatio,
	}
}

// NewLogger builds the slog logger selected by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

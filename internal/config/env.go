package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BRIDGE_"

type envBinding struct {
	key string
	set func(c *Config, value string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func list(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = strings.Fields(strings.ReplaceAll(v, ",", " "))
		return nil
	}
}

// envBindings maps BRIDGE_* variables (without the prefix) onto fields.
// Secrets are the main reason these exist: they should not live in the
// YAML file.
var envBindings = []envBinding{
	{"LISTEN_ADDR", str(func(c *Config) *string { return &c.HTTP.ListenAddr })},
	{"SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.HTTP.ShutdownTimeout })},

	{"ISSUER", str(func(c *Config) *string { return &c.OAuth.Issuer })},
	{"RESOURCE_IDENTIFIER", str(func(c *Config) *string { return &c.OAuth.ResourceIdentifier })},
	{"ACCESS_TOKEN_TTL", duration(func(c *Config) *time.Duration { return &c.OAuth.AccessTokenTTL })},
	{"REFRESH_TOKEN_TTL", duration(func(c *Config) *time.Duration { return &c.OAuth.RefreshTokenTTL })},
	{"UPSTREAM_REFRESH_MARGIN", duration(func(c *Config) *time.Duration { return &c.OAuth.UpstreamRefreshMargin })},
	{"SUPPORTED_SCOPES", list(func(c *Config) *[]string { return &c.OAuth.SupportedScopes })},
	{"ALLOW_PUBLIC_CLIENTS", boolean(func(c *Config) *bool { return &c.OAuth.AllowPublicClients })},
	{"REQUIRE_CLIENT_SECRET", boolean(func(c *Config) *bool { return &c.OAuth.RequireClientSecret })},
	{"ALLOW_INSECURE_HTTP", boolean(func(c *Config) *bool { return &c.OAuth.AllowInsecureHTTP })},

	{"UPSTREAM_CLIENT_ID", str(func(c *Config) *string { return &c.Upstream.ClientID })},
	{"UPSTREAM_CLIENT_SECRET", str(func(c *Config) *string { return &c.Upstream.ClientSecret })},
	{"UPSTREAM_AUTH_URL", str(func(c *Config) *string { return &c.Upstream.AuthURL })},
	{"UPSTREAM_TOKEN_URL", str(func(c *Config) *string { return &c.Upstream.TokenURL })},
	{"UPSTREAM_SCOPES", list(func(c *Config) *[]string { return &c.Upstream.Scopes })},

	{"STORAGE_DRIVER", str(func(c *Config) *string { return &c.Storage.Driver })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Storage.Postgres.DSN })},
	{"VALKEY_ADDRESS", str(func(c *Config) *string { return &c.Storage.Valkey.Address })},
	{"VALKEY_PASSWORD", str(func(c *Config) *string { return &c.Storage.Valkey.Password })},
	{"VALKEY_DB", integer(func(c *Config) *int { return &c.Storage.Valkey.DB })},

	{"SIGNING_KEY", str(func(c *Config) *string { return &c.Security.SigningKey })},
	{"ENCRYPTION_KEY", str(func(c *Config) *string { return &c.Security.EncryptionKey })},
	{"REGISTRATION_ACCESS_TOKEN", str(func(c *Config) *string { return &c.Security.RegistrationAccessToken })},
	{"TRUST_PROXY", boolean(func(c *Config) *bool { return &c.Security.TrustProxy })},
	{"TRUSTED_PROXY_COUNT", integer(func(c *Config) *int { return &c.Security.TrustedProxyCount })},
	{"AUDIT_LOGGING", boolean(func(c *Config) *bool { return &c.Security.AuditLogging })},

	{"INSTRUMENTATION_ENABLED", boolean(func(c *Config) *bool { return &c.Instrumentation.Enabled })},
	{"TRACES_EXPORTER", str(func(c *Config) *string { return &c.Instrumentation.TracesExporter })},
	{"OTLP_ENDPOINT", str(func(c *Config) *string { return &c.Instrumentation.OTLPEndpoint })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

// applyEnv overrides fields from lookup. Malformed values are reported
// together rather than at the first failure.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err))
		}
	}
	return errors.Join(errs...)
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// Server is the authorization orchestrator. It owns every lifecycle
// transition of authorization sessions and issued tokens and talks to the
// upstream provider on the client's behalf.
type Server struct {
	provider providers.Provider
	store    storage.Store

	Auditor                 *security.Auditor
	RateLimiter             *security.RateLimiter // per-IP, all OAuth endpoints
	RegistrationRateLimiter *security.RateLimiter // per-IP, registration only
	Logger                  *slog.Logger
	Config                  *Config

	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer

	// refreshGroup collapses concurrent upstream refreshes of the same
	// IssuedToken into one call.
	refreshGroup singleflight.Group

	now func() time.Time
}

// New creates a Server. The config is copied and completed with defaults.
func New(provider providers.Provider, store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	return &Server{
		provider: provider,
		store:    store,
		Config:   config,
		Logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("server"),
		now:      time.Now,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(auditor *security.Auditor) {
	s.Auditor = auditor
}

// SetRateLimiter sets the per-IP limiter applied to every OAuth endpoint.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetRegistrationRateLimiter sets the stricter limiter for client registration.
func (s *Server) SetRegistrationRateLimiter(rl *security.RateLimiter) {
	s.RegistrationRateLimiter = rl
}

// SetInstrumentation enables metrics and tracing for orchestrator operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Metrics returns the metric recorders. The result may be nil; its methods
// are nil-safe.
func (s *Server) Metrics() *instrumentation.Metrics {
	return s.metrics
}

// SetClock replaces the time source. Tests use it to move past expiries.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the current time according to the server clock.
func (s *Server) Now() time.Time {
	return s.now()
}

// Provider returns the upstream provider.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// Store returns the storage backend.
func (s *Server) Store() storage.Store {
	return s.store
}

// Ping checks the storage backend.
func (s *Server) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// generateRandomToken returns 256 bits of randomness, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

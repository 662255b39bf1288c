package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the bridge records. All Record methods are
// safe on a nil receiver.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	UpstreamRefreshed    metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	PKCEValidationFailed   metric.Int64Counter
	GrantRejected          metric.Int64Counter
	RateLimitExceeded      metric.Int64Counter
	RateLimitActiveBuckets metric.Int64ObservableGauge

	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClients           metric.Int64ObservableGauge
	StorageSessions          metric.Int64ObservableGauge
	StorageTokens            metric.Int64ObservableGauge
	SweepRemoved             metric.Int64Counter

	ProviderCallsTotal   metric.Int64Counter
	ProviderCallDuration metric.Float64Histogram
	ProviderErrors       metric.Int64Counter
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "HTTP requests served", "{request}"},
		{&m.AuthorizationStarted, serverMeter, "oauth.authorization.started", "Authorization sessions created", "{session}"},
		{&m.CallbackProcessed, serverMeter, "oauth.callback.processed", "Upstream callbacks handled", "{callback}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Local refresh token rotations", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Issued tokens revoked", "{revocation}"},
		{&m.UpstreamRefreshed, serverMeter, "oauth.upstream.refreshed", "Proactive upstream credential refreshes", "{refresh}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Dynamically registered clients", "{client}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "PKCE verifications that failed", "{failure}"},
		{&m.GrantRejected, securityMeter, "oauth.grant.rejected", "Token requests rejected with invalid_grant", "{rejection}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Storage operations", "{operation}"},
		{&m.SweepRemoved, storageMeter, "storage.sweep.removed", "Expired rows removed by the sweeper", "{row}"},
		{&m.ProviderCallsTotal, providerMeter, "provider.api.calls.total", "Upstream token endpoint calls", "{call}"},
		{&m.ProviderErrors, providerMeter, "provider.api.errors.total", "Failed upstream token endpoint calls", "{error}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	if m.HTTPRequestDuration, err = httpMeter.Float64Histogram("oauth.http.request.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	if m.StorageOperationDuration, err = storageMeter.Float64Histogram("storage.operation.duration",
		metric.WithDescription("Storage operation duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create storage duration histogram: %w", err)
	}
	if m.ProviderCallDuration, err = providerMeter.Float64Histogram("provider.api.duration",
		metric.WithDescription("Upstream token endpoint latency"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create provider duration histogram: %w", err)
	}

	if m.StorageClients, err = storageMeter.Int64ObservableGauge("storage.clients.count",
		metric.WithDescription("Registered clients held by the store"), metric.WithUnit("{client}")); err != nil {
		return nil, fmt.Errorf("failed to create clients gauge: %w", err)
	}
	if m.StorageSessions, err = storageMeter.Int64ObservableGauge("storage.sessions.count",
		metric.WithDescription("Authorization sessions held by the store"), metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("failed to create sessions gauge: %w", err)
	}
	if m.StorageTokens, err = storageMeter.Int64ObservableGauge("storage.tokens.count",
		metric.WithDescription("Issued tokens held by the store"), metric.WithUnit("{token}")); err != nil {
		return nil, fmt.Errorf("failed to create tokens gauge: %w", err)
	}
	if m.RateLimitActiveBuckets, err = securityMeter.Int64ObservableGauge("oauth.rate_limit.active_buckets",
		metric.WithDescription("Identifiers currently tracked by a rate limiter"), metric.WithUnit("{bucket}")); err != nil {
		return nil, fmt.Errorf("failed to create rate limiter gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAuthorizationStarted counts a new authorization session.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordCallback counts an upstream callback by outcome ("granted", "denied", "rejected").
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCodeExchange counts a successful code exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrPKCEMethod, pkceMethod),
	))
}

// RecordTokenRefresh counts a local refresh; failedClosed marks a refresh that
// revoked the local token because the upstream refresh failed.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, failedClosed bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.Bool("failed_closed", failedClosed),
	))
}

// RecordTokenRevocation counts a revocation by reason.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUpstreamRefresh counts a freshness-guard refresh.
func (m *Metrics) RecordUpstreamRefresh(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.UpstreamRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordClientRegistration counts a registration by auth method.
func (m *Metrics) RecordClientRegistration(ctx context.Context, authMethod string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("auth_method", authMethod)))
}

// RecordPKCEValidationFailed counts a verifier mismatch.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPKCEMethod, method)))
}

// RecordGrantRejected counts an invalid_grant by reason.
func (m *Metrics) RecordGrantRejected(ctx context.Context, grantType, reason string) {
	if m == nil {
		return
	}
	m.GrantRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String("reason", reason),
	))
}

// RecordRateLimitExceeded counts a throttled request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attrLimiterType(limiterType)))
}

// RecordStorageOperation records a store call and its latency.
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStorageType, backend),
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrStorageType, backend),
		attribute.String(AttrStorageOperation, operation),
	))
}

// RecordSweep counts rows removed by the expiry sweeper.
func (m *Metrics) RecordSweep(ctx context.Context, kind string, removed int64) {
	if m == nil || removed == 0 {
		return
	}
	m.SweepRemoved.Add(ctx, removed, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderCall records an upstream token endpoint call.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrProviderOperation, operation),
	)
	m.ProviderCallsTotal.Add(ctx, 1, attrs)
	m.ProviderCallDuration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

func attrLimiterType(limiterType string) attribute.KeyValue {
	return attribute.String(AttrRateLimiterType, limiterType)
}

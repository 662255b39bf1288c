package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys. Tokens, codes and verifiers are never
// recorded; only their presence or a truncated prefix is.
const (
	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrCompanyID  = "oauth.company_id"
	AttrScope      = "oauth.scope"
	AttrPKCEMethod = "oauth.pkce.method"
	AttrGrantType  = "oauth.grant_type"
	AttrCodePrefix = "oauth.code_prefix"
	AttrError      = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"

	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError marks span as failed with err. Nil span or err is a no-op.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks span as Ok.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks span as failed with a message but no error event.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// AddOAuthFlowAttributes attaches the non-empty flow identifiers.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if span == nil {
		return
	}
	var attrs []attribute.KeyValue
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	span.SetAttributes(attrs...)
}

// AddStorageAttributes tags a storage span.
func AddStorageAttributes(span trace.Span, backend, operation string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrStorageType, backend),
		attribute.String(AttrStorageOperation, operation),
	)
}

// AddProviderAttributes tags an upstream call span.
func AddProviderAttributes(span trace.Span, provider, operation string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrProviderOperation, operation),
	)
}

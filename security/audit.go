package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// Audit event types.
const (
	EventAuthorizationStarted = "authorization_started"
	EventUpstreamGranted      = "upstream_granted"
	EventUpstreamDenied       = "upstream_denied"
	EventCodeExchanged        = "code_exchanged"
	EventCodeRejected         = "code_rejected"
	EventPKCEFailed           = "pkce_failed"
	EventTokenRefreshed       = "token_refreshed"
	EventRefreshFailedClosed  = "refresh_failed_closed"
	EventUpstreamRefreshed    = "upstream_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventClientRegistered     = "client_registered"
	EventClientAuthFailed     = "client_auth_failed"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// Event is one security-relevant occurrence.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	CompanyID string
	IPAddress string
	Details   map[string]any
}

// Auditor writes security events to a dedicated log stream. User ids are
// hashed before they are written.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor returns an Auditor logging through logger.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger.With("component", "audit"), enabled: enabled}
}

// LogEvent records event. A nil or disabled Auditor discards it.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
	}
	if event.CompanyID != "" {
		attrs = append(attrs, "company_id", event.CompanyID)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)
}

// LogTokenIssued records a code-for-token exchange.
func (a *Auditor) LogTokenIssued(userID, clientID, companyID, scope string) {
	a.LogEvent(Event{
		Type:      EventCodeExchanged,
		UserID:    userID,
		ClientID:  clientID,
		CompanyID: companyID,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed records a successful rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID, predecessorID, successorID string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"predecessor_id": predecessorID,
			"successor_id":   successorID,
		},
	})
}

// LogAuthFailure records a rejected grant or client authentication.
func (a *Auditor) LogAuthFailure(eventType, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      eventType,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogClientRegistered records a dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, authMethod, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_endpoint_auth_method": authMethod},
	})
}

// LogRateLimitExceeded records a throttled request.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}

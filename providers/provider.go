package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Provider is the upstream OAuth 2.0 provider.
//
// ExchangeCode and RefreshToken each perform exactly one token endpoint
// request. They never retry; a failure is returned as *UpstreamError.
type Provider interface {
	// Name returns a short identifier used in logs and metrics.
	Name() string

	// AuthorizationURL builds the upstream authorization URL. state is the
	// bridge's own session code and is echoed back on the callback.
	AuthorizationURL(state, scope string) string

	// ExchangeCode redeems an upstream authorization code.
	ExchangeCode(ctx context.Context, code string) (*TokenPair, error)

	// RefreshToken redeems an upstream refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// CallbackIdentity extracts the upstream user and company identifiers
	// from the callback query. Either may be empty.
	CallbackIdentity(query url.Values) (userID, companyID string)
}

// TokenPair is an upstream token response.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string

	// ExpiresAt is zero when the upstream did not report expires_in.
	ExpiresAt time.Time
}

// UpstreamError is a failed upstream token endpoint call.
type UpstreamError struct {
	// Code is the OAuth error code from the upstream response, or
	// "server_error" when the request did not produce one.
	Code        string
	Description string

	// StatusCode is zero for transport failures.
	StatusCode int

	Err error
}

func (e *UpstreamError) Error() string {
	msg := "upstream " + e.Code
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil && e.Description == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AsUpstreamError returns the *UpstreamError in err's chain, if any.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// Package mock provides a programmable providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

// Provider is a programmable providers.Provider. Nil Func fields fall back to
// safe defaults, except the token calls which fail when unset.
type Provider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state, scope string) string
	ExchangeCodeFunc     func(ctx context.Context, code string) (*providers.TokenPair, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*providers.TokenPair, error)
	CallbackIdentityFunc func(query url.Values) (userID, companyID string)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

var _ providers.Provider = (*Provider)(nil)

// AuthorizeEndpoint is the base of URLs returned by the default
// AuthorizationURLFunc.
const AuthorizeEndpoint = "https://upstream.example.com/authorize"

// NewProvider returns a mock whose upstream issues one-hour tokens. Codes
// are echoed into the access token so tests can tell exchanges apart.
func NewProvider() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc:   func() string { return "mock" },
		AuthorizationURLFunc: func(state, scope string) string {
			q := url.Values{"state": {state}}
			if scope != "" {
				q.Set("scope", scope)
			}
			return AuthorizeEndpoint + "?" + q.Encode()
		},
		ExchangeCodeFunc: func(_ context.Context, code string) (*providers.TokenPair, error) {
			return &providers.TokenPair{
				AccessToken:  "upstream-at-" + code,
				RefreshToken: "upstream-rt-" + code,
				TokenType:    "Bearer",
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(_ context.Context, refreshToken string) (*providers.TokenPair, error) {
			return &providers.TokenPair{
				AccessToken:  "upstream-at-refreshed",
				RefreshToken: refreshToken + "-next",
				TokenType:    "Bearer",
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
		CallbackIdentityFunc: func(query url.Values) (string, string) {
			return query.Get("userId"), query.Get("realmId")
		},
	}
}

func (m *Provider) record(method string) {
	m.mu.Lock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
	m.mu.Unlock()
}

// Name returns the provider name
func (m *Provider) Name() string {
	m.record("Name")
	if m.NameFunc == nil {
		return "mock"
	}
	return m.NameFunc()
}

// AuthorizationURL builds the upstream authorization URL
func (m *Provider) AuthorizationURL(state, scope string) string {
	m.record("AuthorizationURL")
	if m.AuthorizationURLFunc == nil {
		return AuthorizeEndpoint + "?state=" + url.QueryEscape(state)
	}
	return m.AuthorizationURLFunc(state, scope)
}

// ExchangeCode redeems an upstream code
func (m *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenPair, error) {
	m.record("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code)
}

// RefreshToken redeems an upstream refresh token
func (m *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
	m.record("RefreshToken")
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// CallbackIdentity extracts upstream identity from the callback query
func (m *Provider) CallbackIdentity(query url.Values) (string, string) {
	m.record("CallbackIdentity")
	if m.CallbackIdentityFunc == nil {
		return "", ""
	}
	return m.CallbackIdentityFunc(query)
}

// CallCount returns the number of times a method was called
func (m *Provider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// ResetCallCounts resets all call counters
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

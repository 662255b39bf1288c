package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-oauth-bridge/internal/testutil"
	"github.com/giantswarm/mcp-oauth-bridge/providers/mock"
	"github.com/giantswarm/mcp-oauth-bridge/storage/memory"
)

const (
	testIssuer      = "https://bridge.example.com"
	testClientID    = "C1"
	testRedirectURI = "https://x/cb"
	testState       = "client-state"
)

type testEnv struct {
	srv      *Server
	store    *memory.Store
	provider *mock.Provider
	clock    *testutil.MockTime
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := &Config{
		Issuer:             testIssuer,
		SigningKey:         testutil.SigningKey(),
		AllowPublicClients: true,
	}
	for _, m := range mutate {
		m(cfg)
	}

	store := memory.New()
	store.SetLogger(testutil.DiscardLogger())
	provider := mock.NewProvider()
	clock := testutil.NewClock()

	srv, err := New(provider, store, cfg, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetClock(clock.Now)

	testutil.SaveClient(t, store, testClientID, testRedirectURI, false)
	return &testEnv{srv: srv, store: store, provider: provider, clock: clock}
}

// authorize runs the authorize and callback steps and returns the local
// code and the matching verifier.
func (e *testEnv) authorize(t *testing.T) (code, verifier string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	loc, err := e.srv.StartAuthorization(context.Background(), &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		State:               testState,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse upstream URL: %v", err)
	}
	state := u.Query().Get("state")

	redirect, err := e.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{
		Code:  "UP123",
		State: state,
		Query: url.Values{"code": {"UP123"}, "state": {state}, "userId": {"user-1"}, "realmId": {"company-1"}},
	})
	if err != nil {
		t.Fatalf("HandleUpstreamCallback() error = %v", err)
	}
	ru, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse client redirect: %v", err)
	}
	return ru.Query().Get("code"), verifier
}

// exchange runs authorize, callback and code exchange.
func (e *testEnv) exchange(t *testing.T) *TokenResult {
	t.Helper()

	code, verifier := e.authorize(t)
	res, err := e.srv.ExchangeAuthorizationCode(context.Background(), &CodeExchangeRequest{
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
		ClientID:     testClientID,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	return res
}

func assertOAuthError(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	var oe *Error
	if !errors.As(err, &oe) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oe.Code != wantCode {
		t.Errorf("error code = %q, want %q (%s)", oe.Code, wantCode, oe.Description)
	}
}

func TestNew(t *testing.T) {
	provider := mock.NewProvider()
	store := memory.New()
	validCfg := func() *Config {
		return &Config{Issuer: testIssuer, SigningKey: testutil.SigningKey()}
	}

	tests := []struct {
		name    string
		build   func() (*Server, error)
		wantErr string
	}{
		{
			name:  "valid",
			build: func() (*Server, error) { return New(provider, store, validCfg(), nil) },
		},
		{
			name:    "nil provider",
			build:   func() (*Server, error) { return New(nil, store, validCfg(), nil) },
			wantErr: "provider is required",
		},
		{
			name:    "nil store",
			build:   func() (*Server, error) { return New(provider, nil, validCfg(), nil) },
			wantErr: "store is required",
		},
		{
			name:    "missing signing key",
			build:   func() (*Server, error) { return New(provider, store, &Config{Issuer: testIssuer}, nil) },
			wantErr: "signing key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := tt.build()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("New() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if srv.Config.AccessTokenTTL != DefaultAccessTokenTTL {
				t.Errorf("AccessTokenTTL = %d, want default %d", srv.Config.AccessTokenTTL, DefaultAccessTokenTTL)
			}
		})
	}
}

func TestGenerateRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := generateRandomToken()
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43", len(tok))
		}
		if seen[tok] {
			t.Fatal("generated duplicate token")
		}
		seen[tok] = true
	}
}

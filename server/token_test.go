package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

func TestExchangeAuthorizationCode_Success(t *testing.T) {
	env := newTestEnv(t)
	res := env.exchange(t)

	if res.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", res.TokenType)
	}
	if res.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", res.ExpiresIn)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("missing access or refresh token")
	}

	token, err := env.store.GetTokenByAccessToken(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccessToken() error = %v", err)
	}
	if token.Upstream.AccessToken != "upstream-at-UP123" {
		t.Errorf("upstream access token = %q", token.Upstream.AccessToken)
	}
	if token.CompanyID != "company-1" || token.UserID != "user-1" {
		t.Errorf("identity = %q/%q", token.UserID, token.CompanyID)
	}
	if token.ParentID != "" {
		t.Errorf("first link has ParentID %q", token.ParentID)
	}

	claims, err := env.srv.ParseAccessToken(res.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if claims.ClientID != testClientID || claims.CompanyID != "company-1" || claims.Subject != "user-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestExchangeAuthorizationCode_CodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	code, verifier := env.authorize(t)
	req := &CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier, ClientID: testClientID}

	if _, err := env.srv.ExchangeAuthorizationCode(context.Background(), req); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), req)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	if got := env.provider.CallCount("ExchangeCode"); got != 1 {
		t.Errorf("upstream exchanges = %d, want 1", got)
	}
}

func TestExchangeAuthorizationCode_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv)
		mutate   func(req *CodeExchangeRequest)
		wantCode string
	}{
		{
			name:     "expired",
			setup:    func(env *testEnv) { env.clock.Advance(601 * time.Second) },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "redirect_uri mismatch",
			mutate:   func(req *CodeExchangeRequest) { req.RedirectURI = "https://x/other" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "client mismatch",
			mutate:   func(req *CodeExchangeRequest) { req.ClientID = "C2" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "verifier mutated by one character",
			mutate: func(req *CodeExchangeRequest) {
				b := []byte(req.CodeVerifier)
				if b[0] == 'A' {
					b[0] = 'B'
				} else {
					b[0] = 'A'
				}
				req.CodeVerifier = string(b)
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "malformed verifier",
			mutate:   func(req *CodeExchangeRequest) { req.CodeVerifier = "short" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "unknown code",
			mutate:   func(req *CodeExchangeRequest) { req.Code = "unknown" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "missing verifier",
			mutate:   func(req *CodeExchangeRequest) { req.CodeVerifier = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "upstream exchange fails",
			setup: func(env *testEnv) {
				env.provider.ExchangeCodeFunc = func(context.Context, string) (*providers.TokenPair, error) {
					return nil, &providers.UpstreamError{Code: "invalid_grant", Description: "secret upstream detail", StatusCode: 400}
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			code, verifier := env.authorize(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			req := &CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier, ClientID: testClientID}
			if tt.mutate != nil {
				tt.mutate(req)
			}

			res, err := env.srv.ExchangeAuthorizationCode(context.Background(), req)
			if res != nil {
				t.Fatal("expected no tokens")
			}
			assertOAuthError(t, err, tt.wantCode)
			if strings.Contains(AsError(err).Description, "secret upstream detail") {
				t.Error("upstream error detail leaked to the client")
			}
		})
	}
}

func TestExchangeAuthorizationCode_FailedAttemptBurnsCode(t *testing.T) {
	env := newTestEnv(t)
	code, verifier := env.authorize(t)

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), &CodeExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, CodeVerifier: strings.Repeat("x", 43), ClientID: testClientID,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.srv.ExchangeAuthorizationCode(context.Background(), &CodeExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier, ClientID: testClientID,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCode_BeforeCallback(t *testing.T) {
	env := newTestEnv(t)
	code := startSession(t, env)

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), &CodeExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, CodeVerifier: strings.Repeat("v", 43), ClientID: testClientID,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	code, verifier := env.authorize(t)

	const attempts = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.srv.ExchangeAuthorizationCode(context.Background(), &CodeExchangeRequest{
				Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier, ClientID: testClientID,
			})
			if err == nil {
				successes.Add(1)
				return
			}
			if AsError(err).Code != ErrorCodeInvalidGrant {
				t.Errorf("losing attempt error = %v, want invalid_grant", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("successful redemptions = %d, want exactly 1", got)
	}
}

func TestRefreshAccessToken_Rotates(t *testing.T) {
	env := newTestEnv(t)
	first := env.exchange(t)

	second, err := env.srv.RefreshAccessToken(context.Background(), first.RefreshToken, testClientID)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh did not mint new local tokens")
	}
	if second.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", second.ExpiresIn)
	}

	_, err = env.srv.RefreshAccessToken(context.Background(), first.RefreshToken, testClientID)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	old, err := env.store.GetTokenByRefreshToken(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if !old.Revoked {
		t.Error("predecessor not revoked")
	}

	successor, err := env.store.GetTokenByRefreshToken(context.Background(), second.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if successor.ParentID != old.ID {
		t.Errorf("ParentID = %q, want %q", successor.ParentID, old.ID)
	}
	if successor.Upstream.AccessToken != "upstream-at-refreshed" {
		t.Errorf("successor upstream access token = %q", successor.Upstream.AccessToken)
	}
	if successor.Upstream.RefreshToken != "upstream-rt-UP123-next" {
		t.Errorf("successor upstream refresh token = %q", successor.Upstream.RefreshToken)
	}

	if _, err := env.srv.RefreshAccessToken(context.Background(), second.RefreshToken, testClientID); err != nil {
		t.Errorf("successor refresh error = %v", err)
	}
}

func TestRefreshAccessToken_KeepsUpstreamRefreshTokenWhenNotRotated(t *testing.T) {
	env := newTestEnv(t)
	env.provider.RefreshTokenFunc = func(context.Context, string) (*providers.TokenPair, error) {
		return &providers.TokenPair{AccessToken: "fresh", ExpiresAt: env.clock.Now().Add(time.Hour)}, nil
	}
	first := env.exchange(t)

	second, err := env.srv.RefreshAccessToken(context.Background(), first.RefreshToken, testClientID)
	if err != nil {
		t.Fatal(err)
	}
	token, _ := env.store.GetTokenByRefreshToken(context.Background(), second.RefreshToken)
	if token.Upstream.RefreshToken != "upstream-rt-UP123" {
		t.Errorf("upstream refresh token = %q, want the previous one", token.Upstream.RefreshToken)
	}
}

func TestRefreshAccessToken_FailsClosed(t *testing.T) {
	env := newTestEnv(t)
	first := env.exchange(t)
	env.provider.RefreshTokenFunc = func(context.Context, string) (*providers.TokenPair, error) {
		return nil, &providers.UpstreamError{Code: "invalid_grant", StatusCode: 400}
	}

	_, err := env.srv.RefreshAccessToken(context.Background(), first.RefreshToken, testClientID)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	token, err := env.store.GetTokenByRefreshToken(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if !token.Revoked {
		t.Error("token not revoked after upstream refresh failure")
	}
	if got := env.provider.CallCount("RefreshToken"); got != 1 {
		t.Errorf("upstream refresh attempts = %d, want 1 (no retry)", got)
	}

	_, err = env.srv.UpstreamCredentials(context.Background(), first.AccessToken)
	assertOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestRefreshAccessToken_UpstreamRefreshedConcurrently(t *testing.T) {
	env := newTestEnv(t)
	first := env.exchange(t)
	row, err := env.store.GetTokenByRefreshToken(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}

	// The freshness guard rotates the upstream pair on the same row while the
	// grant is still holding the old upstream refresh token, so the upstream
	// rejects the grant's call.
	fresh := storage.UpstreamCredentials{
		AccessToken:  "upstream-at-guard",
		RefreshToken: "upstream-rt-guard",
		ExpiresAt:    env.clock.Now().Add(time.Hour),
	}
	env.provider.RefreshTokenFunc = func(_ context.Context, refreshToken string) (*providers.TokenPair, error) {
		if refreshToken != "upstream-rt-UP123" {
			t.Errorf("grant refreshed with %q, want the stale upstream token", refreshToken)
		}
		if err := env.store.UpdateUpstreamCredentials(context.Background(), row.ID, fresh); err != nil {
			t.Errorf("UpdateUpstreamCredentials() error = %v", err)
		}
		return nil, &providers.UpstreamError{Code: "invalid_grant", StatusCode: 400}
	}

	second, err := env.srv.RefreshAccessToken(context.Background(), first.RefreshToken, testClientID)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v, want rotation onto the concurrently refreshed pair", err)
	}
	if got := env.provider.CallCount("RefreshToken"); got != 1 {
		t.Errorf("upstream refresh attempts = %d, want 1", got)
	}

	successor, err := env.store.GetTokenByRefreshToken(context.Background(), second.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if successor.Revoked || successor.Upstream.AccessToken != "upstream-at-guard" || successor.Upstream.RefreshToken != "upstream-rt-guard" {
		t.Errorf("successor = revoked %v, upstream %+v", successor.Revoked, successor.Upstream)
	}
	if successor.ParentID != row.ID {
		t.Errorf("ParentID = %q, want %q", successor.ParentID, row.ID)
	}
}

func TestRefreshAccessToken_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv)
		token    func(res *TokenResult) string
		clientID string
		wantCode string
	}{
		{
			name:     "unknown refresh token",
			token:    func(*TokenResult) string { return "unknown" },
			clientID: testClientID,
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "client mismatch",
			token:    func(res *TokenResult) string { return res.RefreshToken },
			clientID: "C2",
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "refresh lifetime over",
			setup:    func(env *testEnv) { env.clock.Advance(91 * 24 * time.Hour) },
			token:    func(res *TokenResult) string { return res.RefreshToken },
			clientID: testClientID,
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "missing client",
			token:    func(res *TokenResult) string { return res.RefreshToken },
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			res := env.exchange(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			_, err := env.srv.RefreshAccessToken(context.Background(), tt.token(res), tt.clientID)
			assertOAuthError(t, err, tt.wantCode)
			if got := env.provider.CallCount("RefreshToken"); got != 0 {
				t.Errorf("upstream refreshed %d times for a rejected grant", got)
			}
		})
	}
}

func TestRefreshAccessToken_ConcurrentRotation(t *testing.T) {
	env := newTestEnv(t)
	res := env.exchange(t)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.srv.RefreshAccessToken(context.Background(), res.RefreshToken, testClientID); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("successful rotations = %d, want exactly 1", got)
	}
}

func TestRevokeToken(t *testing.T) {
	tests := []struct {
		name        string
		token       func(res *TokenResult) string
		hint        string
		clientID    string
		wantRevoked bool
	}{
		{
			name:        "refresh token with hint",
			token:       func(res *TokenResult) string { return res.RefreshToken },
			hint:        TokenTypeHintRefreshToken,
			clientID:    testClientID,
			wantRevoked: true,
		},
		{
			name:        "access token without hint",
			token:       func(res *TokenResult) string { return res.AccessToken },
			clientID:    testClientID,
			wantRevoked: true,
		},
		{
			name:        "refresh token with wrong hint",
			token:       func(res *TokenResult) string { return res.RefreshToken },
			hint:        TokenTypeHintAccessToken,
			clientID:    testClientID,
			wantRevoked: true,
		},
		{
			name:     "other client's token",
			token:    func(res *TokenResult) string { return res.RefreshToken },
			clientID: "C2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			res := env.exchange(t)

			if err := env.srv.RevokeToken(context.Background(), tt.token(res), tt.hint, tt.clientID, "192.0.2.1"); err != nil {
				t.Fatalf("RevokeToken() error = %v", err)
			}

			token, err := env.store.GetTokenByRefreshToken(context.Background(), res.RefreshToken)
			if err != nil {
				t.Fatal(err)
			}
			if token.Revoked != tt.wantRevoked {
				t.Errorf("Revoked = %v, want %v", token.Revoked, tt.wantRevoked)
			}
		})
	}
}

func TestRevokeToken_UnknownAndRepeated(t *testing.T) {
	env := newTestEnv(t)
	res := env.exchange(t)

	if err := env.srv.RevokeToken(context.Background(), "unknown", "", testClientID, ""); err != nil {
		t.Errorf("unknown token error = %v, want nil", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.srv.RevokeToken(context.Background(), res.RefreshToken, "", testClientID, ""); err != nil {
			t.Errorf("revocation %d error = %v, want nil", i+1, err)
		}
	}
	if err := env.srv.RevokeToken(context.Background(), "", "", testClientID, ""); err == nil {
		t.Error("empty token accepted")
	}

	_, err := env.srv.RefreshAccessToken(context.Background(), res.RefreshToken, testClientID)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestTokenResultNeverReusesAccessTokens(t *testing.T) {
	env := newTestEnv(t)
	seen := make(map[string]bool)
	res := env.exchange(t)
	seen[res.AccessToken] = true

	for i := 0; i < 5; i++ {
		next, err := env.srv.RefreshAccessToken(context.Background(), res.RefreshToken, testClientID)
		if err != nil {
			t.Fatal(err)
		}
		if seen[next.AccessToken] {
			t.Fatal("access token reused across rotations")
		}
		seen[next.AccessToken] = true
		res = next
	}

	var count int
	for tok := range seen {
		if _, err := env.store.GetTokenByAccessToken(context.Background(), tok); err == nil {
			count++
		} else if !errors.Is(err, storage.ErrTokenNotFound) {
			t.Fatal(err)
		}
	}
	if count != len(seen) {
		t.Errorf("stored %d of %d access tokens", count, len(seen))
	}
}

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

func newTestProvider(t *testing.T, tokenURL string, mutate func(*Config)) *Provider {
	t.Helper()
	cfg := &Config{
		ClientID:       "bridge",
		ClientSecret:   "bridge-secret",
		AuthURL:        "https://accounts.example.com/authorize",
		TokenURL:       tokenURL,
		RedirectURL:    "https://bridge.example.com/oauth/callback",
		Scopes:         []string{"com.example.accounting"},
		AuthStyle:      "header",
		CompanyIDParam: "realmId",
	}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewProviderValidation(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ClientID:     "id",
			ClientSecret: "secret",
			AuthURL:      "https://a.example.com/auth",
			TokenURL:     "https://a.example.com/token",
			RedirectURL:  "https://bridge.example.com/cb",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing client id", mutate: func(c *Config) { c.ClientID = "" }, wantErr: true},
		{name: "missing secret", mutate: func(c *Config) { c.ClientSecret = "" }, wantErr: true},
		{name: "missing token url", mutate: func(c *Config) { c.TokenURL = "" }, wantErr: true},
		{name: "bad scheme", mutate: func(c *Config) { c.AuthURL = "ftp://a.example.com" }, wantErr: true},
		{name: "no host", mutate: func(c *Config) { c.RedirectURL = "https:///cb" }, wantErr: true},
		{name: "bad auth style", mutate: func(c *Config) { c.AuthStyle = "jwt" }, wantErr: true},
		{name: "params auth style", mutate: func(c *Config) { c.AuthStyle = "params" }},
		{name: "auto-detect is not offered", mutate: func(c *Config) { c.AuthStyle = "auto" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			_, err := NewProvider(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := NewProvider(nil); err == nil {
		t.Error("NewProvider(nil) should fail")
	}
}

func TestAuthorizationURL(t *testing.T) {
	p := newTestProvider(t, "https://accounts.example.com/token", nil)

	raw := p.AuthorizationURL("session-code", "ignored")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()

	if got := q.Get("state"); got != "session-code" {
		t.Errorf("state = %q", got)
	}
	if got := q.Get("client_id"); got != "bridge" {
		t.Errorf("client_id = %q", got)
	}
	if got := q.Get("redirect_uri"); got != "https://bridge.example.com/oauth/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
	if got := q.Get("scope"); got != "com.example.accounting" {
		t.Errorf("scope = %q, want configured scope", got)
	}
	if q.Has("code_challenge") || q.Has("code_challenge_method") {
		t.Error("PKCE parameters must not be sent upstream")
	}

	fwd := newTestProvider(t, "https://accounts.example.com/token", func(c *Config) { c.ForwardClientScope = true })
	u, _ = url.Parse(fwd.AuthorizationURL("s", "read write"))
	if got := u.Query().Get("scope"); got != "read write" {
		t.Errorf("forwarded scope = %q", got)
	}
}

func TestCallbackIdentity(t *testing.T) {
	p := newTestProvider(t, "https://accounts.example.com/token", func(c *Config) { c.UserIDParam = "uid" })

	user, company := p.CallbackIdentity(url.Values{"realmId": {"9130"}, "uid": {"u-1"}})
	if user != "u-1" || company != "9130" {
		t.Errorf("CallbackIdentity() = %q, %q", user, company)
	}

	bare := newTestProvider(t, "https://accounts.example.com/token", func(c *Config) { c.CompanyIDParam = "" })
	user, company = bare.CallbackIdentity(url.Values{"realmId": {"9130"}})
	if user != "" || company != "" {
		t.Errorf("unconfigured params should yield empty identity, got %q, %q", user, company)
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			t.Errorf("content type = %q", ct)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bridge" || pass != "bridge-secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "UP123" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		if r.PostForm.Get("redirect_uri") != "https://bridge.example.com/oauth/callback" {
			t.Errorf("redirect_uri = %q", r.PostForm.Get("redirect_uri"))
		}
		if r.PostForm.Has("code_verifier") {
			t.Error("code_verifier must not be sent upstream")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "up-at",
			"refresh_token": "up-rt",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, nil)
	before := time.Now()
	pair, err := p.ExchangeCode(context.Background(), "UP123")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if pair.AccessToken != "up-at" || pair.RefreshToken != "up-rt" {
		t.Errorf("pair = %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("token type = %q", pair.TokenType)
	}
	if pair.ExpiresAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, expected about an hour from now", pair.ExpiresAt)
	}
}

func TestExchangeCodeUpstreamError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "code already redeemed",
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, nil)
	_, err := p.ExchangeCode(context.Background(), "UP123")

	ue, ok := providers.AsUpstreamError(err)
	if !ok {
		t.Fatalf("error = %v, want *providers.UpstreamError", err)
	}
	if ue.Code != "invalid_grant" || ue.Description != "code already redeemed" || ue.StatusCode != http.StatusBadRequest {
		t.Errorf("upstream error = %+v", ue)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, upstream calls must not be retried", n)
	}
}

func TestExchangeCodeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	tokenURL := srv.URL
	srv.Close()

	p := newTestProvider(t, tokenURL, nil)
	_, err := p.ExchangeCode(context.Background(), "UP123")

	ue, ok := providers.AsUpstreamError(err)
	if !ok {
		t.Fatalf("error = %v, want *providers.UpstreamError", err)
	}
	if ue.Code != "server_error" || ue.StatusCode != 0 {
		t.Errorf("upstream error = %+v", ue)
	}
	if errors.Unwrap(ue) == nil {
		t.Error("transport error should be wrapped")
	}
}

func TestRefreshToken(t *testing.T) {
	tests := []struct {
		name        string
		response    map[string]any
		wantRefresh string
	}{
		{
			name:        "rotating upstream",
			response:    map[string]any{"access_token": "up-at-2", "refresh_token": "up-rt-2", "expires_in": 3600},
			wantRefresh: "up-rt-2",
		},
		{
			name:        "non rotating upstream keeps the old refresh token",
			response:    map[string]any{"access_token": "up-at-2", "expires_in": 3600},
			wantRefresh: "up-rt-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = r.ParseForm()
				if r.PostForm.Get("grant_type") != "refresh_token" {
					t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
				}
				if r.PostForm.Get("refresh_token") != "up-rt-1" {
					t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
				}
				writeJSON(w, http.StatusOK, tt.response)
			}))
			defer srv.Close()

			p := newTestProvider(t, srv.URL, nil)
			pair, err := p.RefreshToken(context.Background(), "up-rt-1")
			if err != nil {
				t.Fatalf("RefreshToken() error = %v", err)
			}
			if pair.AccessToken != "up-at-2" {
				t.Errorf("access token = %q", pair.AccessToken)
			}
			if pair.RefreshToken != tt.wantRefresh {
				t.Errorf("refresh token = %q, want %q", pair.RefreshToken, tt.wantRefresh)
			}
		})
	}
}

func TestRefreshTokenFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, nil)

	_, err := p.RefreshToken(context.Background(), "up-rt-1")
	if ue, ok := providers.AsUpstreamError(err); !ok || ue.Code != "invalid_client" || ue.StatusCode != http.StatusUnauthorized {
		t.Errorf("RefreshToken() error = %v", err)
	}

	_, err = p.RefreshToken(context.Background(), "")
	if ue, ok := providers.AsUpstreamError(err); !ok || ue.Code != "invalid_grant" {
		t.Errorf("empty refresh token error = %v", err)
	}
}

func TestTokenRequestsAreSentOnce(t *testing.T) {
	tests := []struct {
		authStyle  string
		wantHeader bool
	}{
		{authStyle: "", wantHeader: true},
		{authStyle: "header", wantHeader: true},
		{authStyle: "params", wantHeader: false},
	}
	for _, tt := range tests {
		t.Run("style="+tt.authStyle, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_ = r.ParseForm()
				_, _, hasBasic := r.BasicAuth()
				if hasBasic != tt.wantHeader {
					t.Errorf("basic auth present = %v, want %v", hasBasic, tt.wantHeader)
				}
				if !tt.wantHeader && r.PostForm.Get("client_secret") != "bridge-secret" {
					t.Errorf("client_secret in body = %q", r.PostForm.Get("client_secret"))
				}
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			}))
			defer srv.Close()

			p := newTestProvider(t, srv.URL, func(c *Config) { c.AuthStyle = tt.authStyle })

			if _, err := p.ExchangeCode(context.Background(), "UP123"); err == nil {
				t.Fatal("ExchangeCode() should fail")
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("exchange sent %d token requests, want 1", n)
			}

			calls.Store(0)
			if _, err := p.RefreshToken(context.Background(), "up-rt-1"); err == nil {
				t.Fatal("RefreshToken() should fail")
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("refresh sent %d token requests, want 1", n)
			}
		})
	}
}

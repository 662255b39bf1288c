package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/internal/testutil"
	"github.com/giantswarm/mcp-oauth-bridge/providers/mock"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

func validAuthRequest() *AuthorizationRequest {
	challenge, _ := testutil.GeneratePKCEPair()
	return &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		State:               testState,
	}
}

func TestStartAuthorization_CreatesSession(t *testing.T) {
	env := newTestEnv(t)
	req := validAuthRequest()
	req.Scope = "com.intuit.quickbooks.accounting"

	loc, err := env.srv.StartAuthorization(context.Background(), req)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	if !strings.HasPrefix(loc, mock.AuthorizeEndpoint) {
		t.Fatalf("redirect = %q, want upstream authorize endpoint", loc)
	}
	if strings.Contains(loc, req.CodeChallenge) || strings.Contains(loc, "code_challenge") {
		t.Error("client PKCE material leaked to the upstream provider")
	}

	u, _ := url.Parse(loc)
	code := u.Query().Get("state")
	if len(code) != 43 {
		t.Fatalf("session code length = %d, want 43", len(code))
	}

	session, err := env.store.GetSession(context.Background(), code)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.ClientID != testClientID || session.RedirectURI != testRedirectURI {
		t.Errorf("session bound to %s %s", session.ClientID, session.RedirectURI)
	}
	if session.CodeChallengeMethod != "S256" {
		t.Errorf("CodeChallengeMethod = %q, want S256", session.CodeChallengeMethod)
	}
	if session.State != testState {
		t.Errorf("State = %q, want %q", session.State, testState)
	}
	if want := testutil.Epoch.Add(600 * time.Second); !session.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", session.ExpiresAt, want)
	}
	if got := session.Status(env.clock.Now()); got != storage.SessionAwaitingUpstream {
		t.Errorf("Status = %q, want %q", got, storage.SessionAwaitingUpstream)
	}
}

func TestStartAuthorization_DefaultsToS256(t *testing.T) {
	env := newTestEnv(t)
	req := validAuthRequest()
	req.CodeChallengeMethod = ""

	loc, err := env.srv.StartAuthorization(context.Background(), req)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, _ := url.Parse(loc)
	session, err := env.store.GetSession(context.Background(), u.Query().Get("state"))
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.CodeChallengeMethod != "S256" {
		t.Errorf("CodeChallengeMethod = %q, want S256", session.CodeChallengeMethod)
	}
}

func TestStartAuthorization_DirectErrors(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*AuthorizationRequest)
		wantCode   string
		wantStatus int
	}{
		{
			name:       "missing client_id",
			mutate:     func(r *AuthorizationRequest) { r.ClientID = "" },
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing redirect_uri",
			mutate:     func(r *AuthorizationRequest) { r.RedirectURI = "" },
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown client",
			mutate:     func(r *AuthorizationRequest) { r.ClientID = "nope" },
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unregistered redirect_uri",
			mutate:     func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "redirect_uri prefix of registered one",
			mutate:     func(r *AuthorizationRequest) { r.RedirectURI = "https://x/cb/extra" },
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := validAuthRequest()
			tt.mutate(req)

			_, err := env.srv.StartAuthorization(context.Background(), req)
			var re *RedirectError
			if errors.As(err, &re) {
				t.Fatalf("error delivered by redirect before redirect_uri was verified: %v", err)
			}
			assertOAuthError(t, err, tt.wantCode)
			if got := AsError(err).Status; got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestStartAuthorization_RedirectErrors(t *testing.T) {
	tests := []struct {
		name     string
		config   func(*Config)
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{
			name:     "unsupported response_type",
			mutate:   func(r *AuthorizationRequest) { r.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing code_challenge",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown challenge method",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "plain rejected by default",
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallengeMethod = "plain"
				r.CodeChallenge = strings.Repeat("a", 43)
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "malformed S256 challenge",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = "too-short" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported scope",
			config:   func(c *Config) { c.SupportedScopes = []string{"accounting"} },
			mutate:   func(r *AuthorizationRequest) { r.Scope = "payroll" },
			wantCode: ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env *testEnv
			if tt.config != nil {
				env = newTestEnv(t, tt.config)
			} else {
				env = newTestEnv(t)
			}
			req := validAuthRequest()
			tt.mutate(req)

			_, err := env.srv.StartAuthorization(context.Background(), req)
			var re *RedirectError
			if !errors.As(err, &re) {
				t.Fatalf("expected *RedirectError, got %T: %v", err, err)
			}
			if re.Err.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", re.Err.Code, tt.wantCode)
			}

			loc, _ := url.Parse(re.Location())
			if !strings.HasPrefix(re.Location(), testRedirectURI) {
				t.Errorf("Location = %q, want prefix %q", re.Location(), testRedirectURI)
			}
			if loc.Query().Get("error") != tt.wantCode {
				t.Errorf("error param = %q", loc.Query().Get("error"))
			}
			if loc.Query().Get("state") != testState {
				t.Errorf("state param = %q, want %q", loc.Query().Get("state"), testState)
			}
			if env.provider.CallCount("AuthorizationURL") != 0 {
				t.Error("upstream URL built for a rejected request")
			}
		})
	}
}

func TestStartAuthorization_PlainWhenAllowed(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AllowPKCEPlain = true })
	req := validAuthRequest()
	req.CodeChallengeMethod = "plain"
	req.CodeChallenge = strings.Repeat("v", 43)

	if _, err := env.srv.StartAuthorization(context.Background(), req); err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
}

func TestStartAuthorization_ClientWithoutCodeGrant(t *testing.T) {
	env := newTestEnv(t)
	client := &storage.Client{
		ID:           "id-refresh-only",
		ClientID:     "refresh-only",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"refresh_token"},
		CreatedAt:    testutil.Epoch,
	}
	if err := env.store.SaveClient(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	req := validAuthRequest()
	req.ClientID = "refresh-only"

	_, err := env.srv.StartAuthorization(context.Background(), req)
	var re *RedirectError
	if !errors.As(err, &re) || re.Err.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("error = %v, want unauthorized_client redirect", err)
	}
}

func startSession(t *testing.T, env *testEnv) string {
	t.Helper()
	loc, err := env.srv.StartAuthorization(context.Background(), validAuthRequest())
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, _ := url.Parse(loc)
	return u.Query().Get("state")
}

func TestHandleUpstreamCallback_Success(t *testing.T) {
	env := newTestEnv(t)
	code := startSession(t, env)

	redirect, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{
		Code:  "UP123",
		State: code,
		Query: url.Values{"userId": {"user-1"}, "realmId": {"company-1"}},
	})
	if err != nil {
		t.Fatalf("HandleUpstreamCallback() error = %v", err)
	}

	u, _ := url.Parse(redirect)
	if got := u.Scheme + "://" + u.Host + u.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testRedirectURI)
	}
	if u.Query().Get("code") != code {
		t.Errorf("code = %q, want the session code", u.Query().Get("code"))
	}
	if u.Query().Get("code") == "UP123" {
		t.Error("upstream code leaked to the client")
	}
	if u.Query().Get("state") != testState {
		t.Errorf("state = %q, want %q", u.Query().Get("state"), testState)
	}

	session, err := env.store.GetSession(context.Background(), code)
	if err != nil {
		t.Fatal(err)
	}
	if session.UpstreamCode != "UP123" || session.UserID != "user-1" || session.CompanyID != "company-1" {
		t.Errorf("session grant = %q/%q/%q", session.UpstreamCode, session.UserID, session.CompanyID)
	}
}

func TestHandleUpstreamCallback_UnknownState(t *testing.T) {
	env := newTestEnv(t)

	for _, state := range []string{"", "not-a-session"} {
		_, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{Code: "UP123", State: state})
		var re *RedirectError
		if errors.As(err, &re) {
			t.Fatalf("state %q: unverified callback was redirected", state)
		}
		assertOAuthError(t, err, ErrorCodeInvalidRequest)
	}
}

func TestHandleUpstreamCallback_UpstreamError(t *testing.T) {
	tests := []struct {
		upstreamError string
		wantCode      string
	}{
		{"access_denied", ErrorCodeAccessDenied},
		{"temporarily_unavailable", ErrorCodeTemporarilyUnavailable},
		{"something_proprietary", ErrorCodeAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.upstreamError, func(t *testing.T) {
			env := newTestEnv(t)
			code := startSession(t, env)

			_, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{
				State:            code,
				Error:            tt.upstreamError,
				ErrorDescription: "internal upstream detail",
			})
			var re *RedirectError
			if !errors.As(err, &re) {
				t.Fatalf("expected redirect error, got %v", err)
			}
			loc, _ := url.Parse(re.Location())
			if loc.Query().Get("error") != tt.wantCode {
				t.Errorf("error = %q, want %q", loc.Query().Get("error"), tt.wantCode)
			}
			if loc.Query().Get("state") != testState {
				t.Errorf("state = %q, want %q", loc.Query().Get("state"), testState)
			}
			if strings.Contains(re.Location(), "internal") {
				t.Error("upstream error description leaked to the client")
			}
			if _, err := env.store.GetSession(context.Background(), code); !errors.Is(err, storage.ErrSessionNotFound) {
				t.Errorf("denied session still stored: %v", err)
			}
		})
	}
}

func TestHandleUpstreamCallback_SessionStates(t *testing.T) {
	t.Run("expired", func(t *testing.T) {
		env := newTestEnv(t)
		code := startSession(t, env)
		env.clock.Advance(601 * time.Second)

		_, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{Code: "UP123", State: code})
		var re *RedirectError
		if !errors.As(err, &re) || re.Err.Code != ErrorCodeInvalidRequest {
			t.Fatalf("error = %v, want invalid_request redirect", err)
		}
	})

	t.Run("replayed callback", func(t *testing.T) {
		env := newTestEnv(t)
		code := startSession(t, env)
		if _, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{Code: "UP1", State: code}); err != nil {
			t.Fatal(err)
		}

		_, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{Code: "UP2", State: code})
		var re *RedirectError
		if !errors.As(err, &re) || re.Err.Code != ErrorCodeInvalidRequest {
			t.Fatalf("error = %v, want invalid_request redirect", err)
		}
		session, _ := env.store.GetSession(context.Background(), code)
		if session.UpstreamCode != "UP1" {
			t.Errorf("upstream code overwritten with %q", session.UpstreamCode)
		}
	})

	t.Run("missing upstream code", func(t *testing.T) {
		env := newTestEnv(t)
		code := startSession(t, env)

		_, err := env.srv.HandleUpstreamCallback(context.Background(), &CallbackRequest{State: code})
		var re *RedirectError
		if !errors.As(err, &re) || re.Err.Code != ErrorCodeServerError {
			t.Fatalf("error = %v, want server_error redirect", err)
		}
	})
}

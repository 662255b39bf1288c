// Package storage defines the persistence contract for registered clients,
// in-flight authorization sessions and issued token pairs.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"
)

// Sentinel errors shared by every backend. Callers match them with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")

	ErrSessionNotFound       = errors.New("authorization session not found")
	ErrSessionExpired        = errors.New("authorization session expired")
	ErrSessionAlreadyUsed    = errors.New("authorization session already used")
	ErrSessionNotGranted     = errors.New("authorization session has no upstream grant")
	ErrSessionAlreadyGranted = errors.New("authorization session already granted")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenRevoked  = errors.New("token revoked")
)

// ClientStore persists dynamically registered clients.
type ClientStore interface {
	// SaveClient inserts a new client. Clients are immutable once stored;
	// a duplicate client_id returns ErrClientExists.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound for unknown ids.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// SessionStore persists authorization sessions keyed by their local code.
type SessionStore interface {
	SaveSession(ctx context.Context, session *AuthorizationSession) error

	// GetSession returns the session regardless of its state.
	GetSession(ctx context.Context, code string) (*AuthorizationSession, error)

	// GrantSession records the upstream callback result on a session that is
	// still awaiting it. It fails with ErrSessionExpired, ErrSessionAlreadyUsed
	// or ErrSessionAlreadyGranted when the session has moved on.
	GrantSession(ctx context.Context, code string, grant UpstreamGrant, now time.Time) (*AuthorizationSession, error)

	// MarkSessionUsed atomically transitions a granted, unexpired and unused
	// session to used and returns it as it was before the update.
	//
	// SECURITY: exactly one concurrent caller may succeed for a given code.
	// Implementations must perform the check and the write as one conditional
	// update, never as a read followed by a write.
	MarkSessionUsed(ctx context.Context, code string, now time.Time) (*AuthorizationSession, error)

	DeleteSession(ctx context.Context, code string) error

	// DeleteExpiredSessions removes every session whose expiry is before the
	// given instant and reports how many were removed.
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// TokenStore persists issued token pairs and their upstream credentials.
type TokenStore interface {
	SaveToken(ctx context.Context, token *IssuedToken) error

	// GetTokenByAccessToken and GetTokenByRefreshToken return revoked rows too;
	// callers decide what a revoked token means for them. Backends that keep
	// only token hashes fill in just the credential used for the lookup.
	GetTokenByAccessToken(ctx context.Context, accessToken string) (*IssuedToken, error)
	GetTokenByRefreshToken(ctx context.Context, refreshToken string) (*IssuedToken, error)

	// RevokeToken marks a live token revoked. Revoking an already revoked token
	// returns ErrTokenRevoked.
	RevokeToken(ctx context.Context, id string, now time.Time) error

	// RotateToken revokes the live token oldID and stores successor in one
	// atomic step. A caller that loses a race observes ErrTokenRevoked and no
	// successor is written.
	RotateToken(ctx context.Context, oldID string, successor *IssuedToken, now time.Time) error

	// UpdateUpstreamCredentials replaces the upstream pair on a live token in
	// place. Local tokens are left untouched.
	UpdateUpstreamCredentials(ctx context.Context, id string, creds UpstreamCredentials) error

	// DeleteExpiredTokens removes tokens whose refresh lifetime ended before the
	// given instant, and revoked tokens older than it.
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full capability set the orchestrator needs from a backend.
type Store interface {
	ClientStore
	SessionStore
	TokenStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Client is a dynamically registered OAuth client.
type Client struct {
	ID                      string
	ClientID                string
	ClientSecretHash        string // bcrypt; empty for public clients
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// IsPublic reports whether the client authenticates with PKCE alone.
func (c *Client) IsPublic() bool {
	return c.ClientSecretHash == ""
}

// HasRedirectURI performs an exact match against the registered URIs.
// Prefix or wildcard matching would turn the proxy into an open redirector.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasGrantType reports whether the client registered for grantType.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// SessionStatus is the lifecycle position of an AuthorizationSession.
type SessionStatus string

const (
	SessionAwaitingUpstream SessionStatus = "awaiting_upstream"
	SessionUpstreamGranted  SessionStatus = "upstream_granted"
	SessionExchanged        SessionStatus = "exchanged"
	SessionExpired          SessionStatus = "expired"
)

// AuthorizationSession bridges the client's authorization request to the
// upstream provider's grant. Code is both the local authorization code handed
// to the client and the state parameter sent upstream.
type AuthorizationSession struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string

	UpstreamCode string
	UserID       string
	CompanyID    string

	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Status derives the lifecycle state at now.
func (s *AuthorizationSession) Status(now time.Time) SessionStatus {
	switch {
	case s.Used:
		return SessionExchanged
	case !now.Before(s.ExpiresAt):
		return SessionExpired
	case s.UpstreamCode != "":
		return SessionUpstreamGranted
	default:
		return SessionAwaitingUpstream
	}
}

// UpstreamGrant is what the upstream callback contributes to a session.
type UpstreamGrant struct {
	Code      string
	UserID    string
	CompanyID string
}

// UpstreamCredentials is the upstream token pair bound to an IssuedToken.
type UpstreamCredentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IssuedToken is one link in a refresh chain: a locally minted access and
// refresh token pair bound to one upstream token pair.
type IssuedToken struct {
	ID        string
	ParentID  string // predecessor in the rotation chain, empty for the first link
	ClientID  string
	UserID    string
	CompanyID string
	Scope     string

	AccessToken  string
	RefreshToken string

	Upstream UpstreamCredentials

	CreatedAt        time.Time
	ExpiresAt        time.Time // local access token expiry
	RefreshExpiresAt time.Time
	Revoked          bool
	RevokedAt        time.Time
}

// IsLive reports whether the token can still be used or refreshed at now.
func (t *IssuedToken) IsLive(now time.Time) bool {
	if t.Revoked {
		return false
	}
	return t.RefreshExpiresAt.IsZero() || now.Before(t.RefreshExpiresAt)
}

// HashToken returns the lookup key persistent backends store instead of the
// raw local token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

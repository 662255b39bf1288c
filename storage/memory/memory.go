package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const backendName = "memory"

// Store keeps clients, sessions and tokens in maps. Tokens are indexed by id
// with secondary indexes on the raw access and refresh tokens.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	sessions map[string]*storage.AuthorizationSession
	tokens   map[string]*storage.IssuedToken

	byAccess  map[string]string // access token -> token id
	byRefresh map[string]string // refresh token -> token id

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		clients:   make(map[string]*storage.Client),
		sessions:  make(map[string]*storage.AuthorizationSession),
		tokens:    make(map[string]*storage.IssuedToken),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
		logger:    slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.count(func() int { return len(s.clients) }) },
		func() int64 { return s.count(func() int { return len(s.sessions) }) },
		func() int64 { return s.count(func() int { return len(s.tokens) }) },
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) count(fn func() int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(fn())
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// SaveClient stores a copy of client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return storage.ErrClientExists
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient returns a copy of the stored client.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// SaveSession inserts a new session.
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_session")
	defer func() { done(err) }()

	if session == nil || session.Code == "" {
		return fmt.Errorf("session code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.Code]; exists {
		return fmt.Errorf("session code collision")
	}
	cp := *session
	s.sessions[session.Code] = &cp
	return nil
}

// GetSession returns a copy of the session in whatever state it is.
func (s *Store) GetSession(ctx context.Context, code string) (_ *storage.AuthorizationSession, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_session")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[code]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

// GrantSession attaches the upstream grant to a session awaiting it.
func (s *Store) GrantSession(ctx context.Context, code string, grant storage.UpstreamGrant, now time.Time) (_ *storage.AuthorizationSession, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "grant_session")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[code]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	switch session.Status(now) {
	case storage.SessionExpired:
		return nil, storage.ErrSessionExpired
	case storage.SessionExchanged:
		return nil, storage.ErrSessionAlreadyUsed
	case storage.SessionUpstreamGranted:
		return nil, storage.ErrSessionAlreadyGranted
	}

	session.UpstreamCode = grant.Code
	session.UserID = grant.UserID
	session.CompanyID = grant.CompanyID
	cp := *session
	return &cp, nil
}

// MarkSessionUsed performs the check and the write under one write lock.
func (s *Store) MarkSessionUsed(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationSession, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_session_used")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[code]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	switch session.Status(now) {
	case storage.SessionExchanged:
		s.logger.Warn("Authorization code replay rejected",
			"code_prefix", util.SafeTruncate(code, 8),
			"client_id", session.ClientID)
		return nil, storage.ErrSessionAlreadyUsed
	case storage.SessionExpired:
		return nil, storage.ErrSessionExpired
	case storage.SessionAwaitingUpstream:
		return nil, storage.ErrSessionNotGranted
	}

	before := *session
	session.Used = true
	return &before, nil
}

// DeleteSession removes a session; unknown codes are not an error.
func (s *Store) DeleteSession(ctx context.Context, code string) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_session")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
	return nil
}

// DeleteExpiredSessions drops sessions that expired before the cutoff.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (_ int64, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_sessions")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for code, session := range s.sessions {
		if session.ExpiresAt.Before(before) {
			delete(s.sessions, code)
			removed++
		}
	}
	return removed, nil
}

// SaveToken inserts a token and indexes its local credentials.
func (s *Store) SaveToken(ctx context.Context, token *storage.IssuedToken) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTokenLocked(token)
}

func (s *Store) insertTokenLocked(token *storage.IssuedToken) error {
	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("token id collision")
	}
	if _, exists := s.byAccess[token.AccessToken]; exists {
		return fmt.Errorf("access token collision")
	}
	if _, exists := s.byRefresh[token.RefreshToken]; exists {
		return fmt.Errorf("refresh token collision")
	}

	cp := *token
	s.tokens[token.ID] = &cp
	s.byAccess[token.AccessToken] = token.ID
	s.byRefresh[token.RefreshToken] = token.ID
	return nil
}

// GetTokenByAccessToken resolves a token by its local access token.
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (_ *storage.IssuedToken, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token_by_access")
	defer func() { done(err) }()

	return s.lookup(s.byAccess, accessToken)
}

// GetTokenByRefreshToken resolves a token by its local refresh token.
func (s *Store) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.IssuedToken, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token_by_refresh")
	defer func() { done(err) }()

	return s.lookup(s.byRefresh, refreshToken)
}

func (s *Store) lookup(index map[string]string, key string) (*storage.IssuedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := index[key]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	token, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// RevokeToken flips a live token to revoked.
func (s *Store) RevokeToken(ctx context.Context, id string, now time.Time) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "revoke_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(id, now)
}

func (s *Store) revokeLocked(id string, now time.Time) error {
	token, ok := s.tokens[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if token.Revoked {
		return storage.ErrTokenRevoked
	}
	token.Revoked = true
	token.RevokedAt = now
	return nil
}

// RotateToken revokes oldID and inserts successor under one lock.
func (s *Store) RotateToken(ctx context.Context, oldID string, successor *storage.IssuedToken, now time.Time) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "rotate_token")
	defer func() { done(err) }()

	if err := validateToken(successor); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldID]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if old.Revoked {
		return storage.ErrTokenRevoked
	}
	if err := s.insertTokenLocked(successor); err != nil {
		return err
	}
	old.Revoked = true
	old.RevokedAt = now
	return nil
}

// UpdateUpstreamCredentials swaps the upstream pair on a live token.
func (s *Store) UpdateUpstreamCredentials(ctx context.Context, id string, creds storage.UpstreamCredentials) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "update_upstream")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if token.Revoked {
		return storage.ErrTokenRevoked
	}
	token.Upstream = creds
	return nil
}

// DeleteExpiredTokens drops tokens whose refresh lifetime ended, and revoked
// tokens revoked before the cutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int64, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, token := range s.tokens {
		expired := !token.RefreshExpiresAt.IsZero() && token.RefreshExpiresAt.Before(before)
		stale := token.Revoked && token.RevokedAt.Before(before)
		if expired || stale {
			delete(s.byAccess, token.AccessToken)
			delete(s.byRefresh, token.RefreshToken)
			delete(s.tokens, id)
			removed++
		}
	}
	return removed, nil
}

func validateToken(token *storage.IssuedToken) error {
	switch {
	case token == nil:
		return fmt.Errorf("token cannot be nil")
	case token.ID == "":
		return fmt.Errorf("token id cannot be empty")
	case token.AccessToken == "" || token.RefreshToken == "":
		return fmt.Errorf("token must carry access and refresh tokens")
	}
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.GrantTypes = append([]string(nil), c.GrantTypes...)
	cp.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	return &cp
}

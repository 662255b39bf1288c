package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// sessionJSON field names are shared with the Lua scripts. Every field is
// always present so the scripts never see cjson.null.
type sessionJSON struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	State               string `json:"state"`
	UpstreamCode        string `json:"upstream_code"`
	UserID              string `json:"user_id"`
	CompanyID           string `json:"company_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func (s *Store) encodeSession(sess *storage.AuthorizationSession) (string, error) {
	upstreamCode, err := s.encryptor.Encrypt(sess.UpstreamCode)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt upstream code: %w", err)
	}
	data, err := json.Marshal(sessionJSON{
		ClientID:            sess.ClientID,
		RedirectURI:         sess.RedirectURI,
		Scope:               sess.Scope,
		CodeChallenge:       sess.CodeChallenge,
		CodeChallengeMethod: sess.CodeChallengeMethod,
		State:               sess.State,
		UpstreamCode:        upstreamCode,
		UserID:              sess.UserID,
		CompanyID:           sess.CompanyID,
		CreatedAt:           toMillis(sess.CreatedAt),
		ExpiresAt:           toMillis(sess.ExpiresAt),
		Used:                sess.Used,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	return string(data), nil
}

func (s *Store) decodeSession(code, data string) (*storage.AuthorizationSession, error) {
	var j sessionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	upstreamCode, err := s.encryptor.Decrypt(j.UpstreamCode)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream code: %w", err)
	}
	return &storage.AuthorizationSession{
		Code:                code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		State:               j.State,
		UpstreamCode:        upstreamCode,
		UserID:              j.UserID,
		CompanyID:           j.CompanyID,
		CreatedAt:           fromMillis(j.CreatedAt),
		ExpiresAt:           fromMillis(j.ExpiresAt),
		Used:                j.Used,
	}, nil
}

func (s *Store) sessionTTL(sess *storage.AuthorizationSession) time.Duration {
	lifetime := sess.ExpiresAt.Sub(sess.CreatedAt)
	if lifetime < 0 {
		lifetime = 0
	}
	return lifetime + s.sessionRetention
}

// SaveSession stores a new authorization session.
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_session")
	defer func() { done(err) }()

	if session == nil || session.Code == "" {
		return fmt.Errorf("session code is required")
	}
	data, err := s.encodeSession(session)
	if err != nil {
		return err
	}

	inserted, err := s.insert(ctx, s.sessionTTL(session), s.sessionKey(session.Code), data)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !inserted {
		return fmt.Errorf("session code collision")
	}
	return nil
}

// GetSession loads a session by code.
func (s *Store) GetSession(ctx context.Context, code string) (_ *storage.AuthorizationSession, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_session")
	defer func() { done(err) }()

	data, ok, err := s.get(ctx, s.sessionKey(code))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return s.decodeSession(code, data)
}

// GrantSession attaches the upstream grant atomically.
func (s *Store) GrantSession(ctx context.Context, code string, grant storage.UpstreamGrant, now time.Time) (_ *storage.AuthorizationSession, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "grant_session")
	defer func() { done(err) }()

	if grant.Code == "" {
		return nil, fmt.Errorf("upstream code is required")
	}
	sealed, err := s.encryptor.Encrypt(grant.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt upstream code: %w", err)
	}

	status, payload, err := s.eval(ctx, luaGrantSession,
		[]string{s.sessionKey(code)},
		strconv.FormatInt(now.UnixMilli(), 10), sealed, grant.UserID, grant.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to grant session: %w", err)
	}
	if status != statusOK {
		return nil, sessionStatusError(status)
	}
	return s.decodeSession(code, payload)
}

// MarkSessionUsed consumes a granted session atomically. The returned copy
// shows the state before the update.
func (s *Store) MarkSessionUsed(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationSession, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_session_used")
	defer func() { done(err) }()

	status, payload, err := s.eval(ctx, luaMarkSessionUsed,
		[]string{s.sessionKey(code)},
		strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		return nil, fmt.Errorf("failed to mark session used: %w", err)
	}
	if status != statusOK {
		if status == "ALREADY_USED" {
			s.logger.Warn("Authorization code replay rejected",
				"code_prefix", util.SafeTruncate(code, 8))
		}
		return nil, sessionStatusError(status)
	}
	return s.decodeSession(code, payload)
}

func sessionStatusError(status string) error {
	switch status {
	case "NOT_FOUND":
		return storage.ErrSessionNotFound
	case "EXPIRED":
		return storage.ErrSessionExpired
	case "ALREADY_USED":
		return storage.ErrSessionAlreadyUsed
	case "ALREADY_GRANTED":
		return storage.ErrSessionAlreadyGranted
	case "NOT_GRANTED":
		return storage.ErrSessionNotGranted
	default:
		return fmt.Errorf("unexpected session script status %q", status)
	}
}

// DeleteSession removes a session. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, code string) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_session")
	defer func() { done(err) }()

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions scans all sessions and removes those that expired
// before before.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (_ int64, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_sessions")
	defer func() { done(err) }()

	cutoff := toMillis(before)
	var removed int64
	err = s.scan(ctx, s.prefix+"session:*", func(key string) error {
		data, ok, err := s.get(ctx, key)
		if err != nil || !ok {
			return err
		}
		var j sessionJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Skipping unreadable session", "key", key, "error", err)
			return nil
		}
		if j.ExpiresAt >= cutoff {
			return nil
		}
		n, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		removed += n
		return nil
	})
	return removed, err
}

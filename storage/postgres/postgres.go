// Package postgres implements storage.Store on PostgreSQL using pgx.
//
// Local access and refresh tokens are stored as SHA-256 hashes, and upstream
// credentials are sealed with the configured encryptor. Single-use and
// rotation guarantees come from conditional UPDATE statements, so several
// bridge replicas can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const (
	backendName = "postgres"

	uniqueViolation = "23505"
)

// Config holds the connection settings.
type Config struct {
	// DSN is a libpq connection string or postgres:// URL.
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// Encryptor seals upstream tokens at rest. Nil stores them in plaintext.
	Encryptor *security.Encryptor

	Logger *slog.Logger
}

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool            *pgxpool.Pool
	encryptor       *security.Encryptor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New connects to the database and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Encryptor.IsEnabled() {
		logger.Warn("Upstream tokens will be stored unencrypted in postgres")
	}

	return &Store{pool: pool, encryptor: cfg.Encryptor, logger: logger}, nil
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	if err := inst.RegisterStorageSizeCallbacks(
		s.countFunc(`SELECT COUNT(*) FROM oauth_clients`),
		s.countFunc(`SELECT COUNT(*) FROM oauth_sessions`),
		s.countFunc(`SELECT COUNT(*) FROM oauth_tokens`),
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) countFunc(query string) instrumentation.SizeCallback {
	return func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var n int64
		if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
			s.logger.Debug("Failed to count rows", "error", err)
			return 0
		}
		return n
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- clients ---

// SaveClient inserts a new client. Client ids are never overwritten.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (
			id, client_id, client_secret_hash, client_name, redirect_uris,
			grant_types, response_types, scope, token_endpoint_auth_method, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		client.ID, client.ClientID, client.ClientSecretHash, client.ClientName,
		client.RedirectURIs, client.GrantTypes, client.ResponseTypes, client.Scope,
		client.TokenEndpointAuthMethod, client.CreatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrClientExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

// GetClient loads a client by its public client id.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	var c storage.Client
	err = s.pool.QueryRow(ctx, `
		SELECT id, client_id, client_secret_hash, client_name, redirect_uris,
		       grant_types, response_types, scope, token_endpoint_auth_method, created_at
		FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(
		&c.ID, &c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.RedirectURIs,
		&c.GrantTypes, &c.ResponseTypes, &c.Scope, &c.TokenEndpointAuthMethod, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return &c, nil
}

// --- sessions ---

const sessionColumns = `client_id, redirect_uri, scope, code_challenge, code_challenge_method,
	state, COALESCE(upstream_code, ''), user_id, company_id, created_at, expires_at, used`

func (s *Store) scanSession(row pgx.Row, code string) (*storage.AuthorizationSession, error) {
	sess := storage.AuthorizationSession{Code: code}
	if err := row.Scan(
		&sess.ClientID, &sess.RedirectURI, &sess.Scope, &sess.CodeChallenge,
		&sess.CodeChallengeMethod, &sess.State, &sess.UpstreamCode, &sess.UserID,
		&sess.CompanyID, &sess.CreatedAt, &sess.ExpiresAt, &sess.Used,
	); err != nil {
		return nil, err
	}
	upstreamCode, err := s.encryptor.Decrypt(sess.UpstreamCode)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream code: %w", err)
	}
	sess.UpstreamCode = upstreamCode
	return &sess, nil
}

// SaveSession inserts a new authorization session.
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_session")
	defer func() { done(err) }()

	if session == nil || session.Code == "" {
		return fmt.Errorf("session code is required")
	}

	var upstreamCode *string
	if session.UpstreamCode != "" {
		sealed, err := s.encryptor.Encrypt(session.UpstreamCode)
		if err != nil {
			return fmt.Errorf("failed to encrypt upstream code: %w", err)
		}
		upstreamCode = &sealed
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_sessions (
			code_hash, client_id, redirect_uri, scope, code_challenge, code_challenge_method,
			state, upstream_code, user_id, company_id, created_at, expires_at, used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		storage.HashToken(session.Code), session.ClientID, session.RedirectURI, session.Scope,
		session.CodeChallenge, session.CodeChallengeMethod, session.State, upstreamCode,
		session.UserID, session.CompanyID, session.CreatedAt, session.ExpiresAt, session.Used,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session code collision")
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by code.
func (s *Store) GetSession(ctx context.Context, code string) (_ *storage.AuthorizationSession, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_session")
	defer func() { done(err) }()

	return s.getSession(ctx, code)
}

func (s *Store) getSession(ctx context.Context, code string) (*storage.AuthorizationSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM oauth_sessions WHERE code_hash = $1`,
		storage.HashToken(code))
	sess, err := s.scanSession(row, code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// GrantSession attaches the upstream grant in one conditional UPDATE.
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

	row := s.pool.QueryRow(ctx, `
		UPDATE oauth_sessions
		SET upstream_code = $2, user_id = $3, company_id = $4
		WHERE code_hash = $1 AND upstream_code IS NULL AND used = FALSE AND expires_at > $5
		RETURNING `+sessionColumns,
		storage.HashToken(code), sealed, grant.UserID, grant.CompanyID, now)
	sess, err := s.scanSession(row, code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifySessionFailure(ctx, code, now, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to grant session: %w", err)
	}
	return sess, nil
}

// MarkSessionUsed flips used in one conditional UPDATE, so at most one
// caller ever receives the session. The returned copy shows the state
// before the update.
func (s *Store) MarkSessionUsed(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationSession, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_session_used")
	defer func() { done(err) }()

	row := s.pool.QueryRow(ctx, `
		UPDATE oauth_sessions
		SET used = TRUE
		WHERE code_hash = $1 AND used = FALSE AND upstream_code IS NOT NULL AND expires_at > $2
		RETURNING `+sessionColumns,
		storage.HashToken(code), now)
	sess, err := s.scanSession(row, code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifySessionFailure(ctx, code, now, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark session used: %w", err)
	}
	sess.Used = false
	return sess, nil
}

// classifySessionFailure explains why a conditional update matched no row.
// It runs after the update, so it only shapes the error.
func (s *Store) classifySessionFailure(ctx context.Context, code string, now time.Time, forExchange bool) error {
	sess, err := s.getSession(ctx, code)
	if err != nil {
		return err
	}
	switch {
	case sess.Used:
		if forExchange {
			s.logger.Warn("Authorization code replay detected",
				"code_prefix", util.SafeTruncate(code, 8),
				"client_id", sess.ClientID)
		}
		return storage.ErrSessionAlreadyUsed
	case !now.Before(sess.ExpiresAt):
		return storage.ErrSessionExpired
	case forExchange:
		return storage.ErrSessionNotGranted
	default:
		return storage.ErrSessionAlreadyGranted
	}
}

// DeleteSession removes a session. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, code string) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_session")
	defer func() { done(err) }()

	if _, err = s.pool.Exec(ctx, `DELETE FROM oauth_sessions WHERE code_hash = $1`, storage.HashToken(code)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before before.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (_ int64, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_sessions")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- tokens ---

const tokenColumns = `id, COALESCE(parent_id, ''), client_id, user_id, company_id, scope,
	upstream_access_token, upstream_refresh_token, upstream_expires_at,
	created_at, expires_at, refresh_expires_at, revoked, revoked_at`

func (s *Store) scanToken(row pgx.Row) (*storage.IssuedToken, error) {
	var (
		t                 storage.IssuedToken
		upstreamExpiresAt *time.Time
		refreshExpiresAt  *time.Time
		revokedAt         *time.Time
	)
	if err := row.Scan(
		&t.ID, &t.ParentID, &t.ClientID, &t.UserID, &t.CompanyID, &t.Scope,
		&t.Upstream.AccessToken, &t.Upstream.RefreshToken, &upstreamExpiresAt,
		&t.CreatedAt, &t.ExpiresAt, &refreshExpiresAt, &t.Revoked, &revokedAt,
	); err != nil {
		return nil, err
	}
	t.Upstream.ExpiresAt = derefTime(upstreamExpiresAt)
	t.RefreshExpiresAt = derefTime(refreshExpiresAt)
	t.RevokedAt = derefTime(revokedAt)

	upstream, err := storage.DecryptUpstream(s.encryptor, t.Upstream)
	if err != nil {
		return nil, err
	}
	t.Upstream = upstream
	return &t, nil
}

// SaveToken inserts a new token row.
func (s *Store) SaveToken(ctx context.Context, token *storage.IssuedToken) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	return s.insertToken(ctx, s.pool, token)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *Store) insertToken(ctx context.Context, db execer, token *storage.IssuedToken) error {
	if token == nil || token.ID == "" || token.AccessToken == "" || token.RefreshToken == "" {
		return fmt.Errorf("token id, access token and refresh token are required")
	}
	upstream, err := storage.EncryptUpstream(s.encryptor, token.Upstream)
	if err != nil {
		return err
	}

	var parentID *string
	if token.ParentID != "" {
		parentID = &token.ParentID
	}

	_, err = db.Exec(ctx, `
		INSERT INTO oauth_tokens (
			id, parent_id, client_id, user_id, company_id, scope,
			access_token_hash, refresh_token_hash,
			upstream_access_token, upstream_refresh_token, upstream_expires_at,
			created_at, expires_at, refresh_expires_at, revoked, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		token.ID, parentID, token.ClientID, token.UserID, token.CompanyID, token.Scope,
		storage.HashToken(token.AccessToken), storage.HashToken(token.RefreshToken),
		upstream.AccessToken, upstream.RefreshToken, nullTime(upstream.ExpiresAt),
		token.CreatedAt, token.ExpiresAt, nullTime(token.RefreshExpiresAt),
		token.Revoked, nullTime(token.RevokedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("token collision")
	}
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetTokenByAccessToken looks a token up by its access token hash.
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (_ *storage.IssuedToken, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token_by_access")
	defer func() { done(err) }()

	t, err := s.getTokenBy(ctx, "access_token_hash", accessToken)
	if err != nil {
		return nil, err
	}
	t.AccessToken = accessToken
	return t, nil
}

// GetTokenByRefreshToken looks a token up by its refresh token hash.
func (s *Store) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.IssuedToken, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token_by_refresh")
	defer func() { done(err) }()

	t, err := s.getTokenBy(ctx, "refresh_token_hash", refreshToken)
	if err != nil {
		return nil, err
	}
	t.RefreshToken = refreshToken
	return t, nil
}

// column is always one of two constants, never caller input.
func (s *Store) getTokenBy(ctx context.Context, column, value string) (*storage.IssuedToken, error) {
	if value == "" {
		return nil, storage.ErrTokenNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE `+column+` = $1`,
		storage.HashToken(value))
	t, err := s.scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return t, nil
}

// RevokeToken marks a live token revoked.
func (s *Store) RevokeToken(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "revoke_token")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE oauth_tokens SET revoked = TRUE, revoked_at = $2
		WHERE id = $1 AND revoked = FALSE`, id, now)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTokenFailure(ctx, s.pool, id)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classifyTokenFailure tells a missing row from a revoked one after a
// conditional update matched nothing.
func (s *Store) classifyTokenFailure(ctx context.Context, db querier, id string) error {
	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_tokens WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up token: %w", err)
	}
	if exists {
		return storage.ErrTokenRevoked
	}
	return storage.ErrTokenNotFound
}

// RotateToken revokes oldID and inserts successor in one transaction. The
// conditional UPDATE takes a row lock, so concurrent rotations of the same
// token serialize and only the first one finds it live.
func (s *Store) RotateToken(ctx context.Context, oldID string, successor *storage.IssuedToken, now time.Time) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "rotate_token")
	defer func() { done(err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE oauth_tokens SET revoked = TRUE, revoked_at = $2
		WHERE id = $1 AND revoked = FALSE`, oldID, now)
	if err != nil {
		return fmt.Errorf("failed to revoke predecessor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTokenFailure(ctx, tx, oldID)
	}

	if err := s.insertToken(ctx, tx, successor); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	return nil
}

// UpdateUpstreamCredentials replaces the upstream pair on a live token row.
func (s *Store) UpdateUpstreamCredentials(ctx context.Context, id string, creds storage.UpstreamCredentials) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "update_upstream")
	defer func() { done(err) }()

	sealed, err := storage.EncryptUpstream(s.encryptor, creds)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET upstream_access_token = $2, upstream_refresh_token = $3, upstream_expires_at = $4
		WHERE id = $1 AND revoked = FALSE`,
		id, sealed.AccessToken, sealed.RefreshToken, nullTime(sealed.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to update upstream credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTokenFailure(ctx, s.pool, id)
	}
	return nil
}

// DeleteExpiredTokens removes tokens whose refresh lifetime ended before
// before, and tokens revoked before before.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int64, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_tokens
		WHERE (refresh_expires_at IS NOT NULL AND refresh_expires_at < $1)
		   OR (revoked AND revoked_at < $1)`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

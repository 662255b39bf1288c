package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "bridge:"

	// DefaultSessionRetention keeps consumed or expired sessions around long
	// enough to recognise replays before the key TTL drops them.
	DefaultSessionRetention = time.Hour

	// DefaultTokenRetention is added to a token's refresh lifetime when
	// computing its key TTL.
	DefaultTokenRetention = 24 * time.Hour

	backendName = "valkey"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	connectionVerifyTimeout = 5 * time.Second

	statusOK = "OK"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "bridge:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Encryptor seals upstream tokens and codes. Nil stores them in plaintext.
	Encryptor *security.Encryptor

	// SessionRetention and TokenRetention extend key TTLs past logical
	// expiry. Zero selects the defaults.
	SessionRetention time.Duration
	TokenRetention   time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.Store.
type Store struct {
	client           valkeygo.Client
	prefix           string
	encryptor        *security.Encryptor
	sessionRetention time.Duration
	tokenRetention   time.Duration
	logger           *slog.Logger
	instrumentation  *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}
	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := newStore(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix,
		"encrypted", s.encryptor.IsEnabled())
	return s, nil
}

func newStore(client valkeygo.Client, cfg Config) *Store {
	s := &Store{
		client:           client,
		prefix:           cfg.KeyPrefix,
		encryptor:        cfg.Encryptor,
		sessionRetention: cfg.SessionRetention,
		tokenRetention:   cfg.TokenRetention,
		logger:           cfg.Logger,
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	if s.sessionRetention <= 0 {
		s.sessionRetention = DefaultSessionRetention
	}
	if s.tokenRetention <= 0 {
		s.tokenRetention = DefaultTokenRetention
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
}

// SetInstrumentation enables spans and operation metrics. Size gauges are
// not registered because counting keys requires a full SCAN.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) sessionKey(code string) string {
	return s.prefix + "session:" + storage.HashToken(code)
}
func (s *Store) tokenKey(id string) string { return s.prefix + "token:" + id }
func (s *Store) accessKey(hash string) string {
	return s.prefix + "access:" + hash
}
func (s *Store) refreshKey(hash string) string {
	return s.prefix + "refresh:" + hash
}

// eval runs a script and splits its reply into a status and an optional
// payload.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (status, payload string, err error) {
	reply, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		return "", "", err
	}
	status, payload, _ = strings.Cut(reply, ":")
	return status, payload, nil
}

func (s *Store) insert(ctx context.Context, ttl time.Duration, kv ...string) (bool, error) {
	keys := make([]string, 0, len(kv)/2)
	args := []string{strconv.FormatInt(ttl.Milliseconds(), 10)}
	for i := 0; i+1 < len(kv); i += 2 {
		keys = append(keys, kv[i])
		args = append(args, kv[i+1])
	}
	status, _, err := s.eval(ctx, luaInsert, keys, args...)
	if err != nil {
		return false, err
	}
	return status == statusOK, nil
}

// scan calls fn for every key matching pattern. SCAN may repeat keys, so fn
// must tolerate that.
func (s *Store) scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		for _, key := range entry.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if valkeygo.IsValkeyNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return data, true, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

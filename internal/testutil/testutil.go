package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-oauth-bridge/pkce"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// Epoch is the start time of MockTime clocks created by NewClock.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// NewClock returns a MockTime starting at Epoch.
func NewClock() *MockTime {
	return NewMockTime(Epoch)
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = pkce.GenerateVerifier()
	challenge, _ = pkce.ComputeChallenge(verifier, pkce.MethodS256)
	return challenge, verifier
}

// SigningKey returns a fixed 32 byte HS256 key.
func SigningKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ClientSecret is the plaintext secret of clients created by SaveClient
// with confidential set.
const ClientSecret = "test-client-secret"

// SaveClient stores a client registered for redirectURI. Confidential
// clients get ClientSecret, hashed with the minimum bcrypt cost.
func SaveClient(t *testing.T, store storage.ClientStore, clientID, redirectURI string, confidential bool) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ID:                      "id-" + clientID,
		ClientID:                clientID,
		ClientName:              "Test Client",
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		CreatedAt:               Epoch,
	}
	if confidential {
		hash, err := bcrypt.GenerateFromPassword([]byte(ClientSecret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash secret: %v", err)
		}
		client.ClientSecretHash = string(hash)
		client.TokenEndpointAuthMethod = "client_secret_basic"
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	return client
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestGetClient_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveClient(ctx, &storage.Client{ClientID: "c1", RedirectURIs: []string{"https://a/cb"}}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, _ := s.GetClient(ctx, "c1")
	got.RedirectURIs[0] = "https://evil/cb"

	again, _ := s.GetClient(ctx, "c1")
	if again.RedirectURIs[0] != "https://a/cb" {
		t.Error("mutating a returned client must not change the stored one")
	}
}

func TestSaveToken_Validation(t *testing.T) {
	s := New()
	ctx := context.Background()

	tests := []struct {
		name  string
		token *storage.IssuedToken
	}{
		{name: "nil", token: nil},
		{name: "missing id", token: &storage.IssuedToken{AccessToken: "a", RefreshToken: "r"}},
		{name: "missing refresh", token: &storage.IssuedToken{ID: "1", AccessToken: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveToken(ctx, tt.token); err == nil {
				t.Error("SaveToken() should reject invalid token")
			}
		})
	}
}

func TestDeleteExpiredTokens_RemovesStaleRevoked(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tok := storagetest.NewToken("c1", now)
	if err := s.SaveToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeToken(ctx, tok.ID, now); err != nil {
		t.Fatal(err)
	}

	removed, err := s.DeleteExpiredTokens(ctx, now.Add(time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("DeleteExpiredTokens() = %d, %v; want 1, nil", removed, err)
	}
	if _, err := s.GetTokenByAccessToken(ctx, tok.AccessToken); err != storage.ErrTokenNotFound {
		t.Errorf("access index should be cleaned, got %v", err)
	}
}

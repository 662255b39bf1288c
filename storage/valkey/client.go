package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

type clientJSON struct {
	ID                      string    `json:"id"`
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scope                   string    `json:"scope,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ID:                      c.ID,
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientName:              c.ClientName,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		Scope:                   c.Scope,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		CreatedAt:               c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ID:                      j.ID,
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientName:              j.ClientName,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		Scope:                   j.Scope,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		CreatedAt:               j.CreatedAt,
	}
}

// SaveClient stores a new client. Existing client ids are never overwritten.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	inserted, err := s.insert(ctx, 0, s.clientKey(client.ClientID), string(data))
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if !inserted {
		return storage.ErrClientExists
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by its public id.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	data, ok, err := s.get(ctx, s.clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

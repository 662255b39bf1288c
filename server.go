package oauth

import (
	"log/slog"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// Server is the authorization orchestrator behind the HTTP handlers.
type Server = server.Server

// ServerConfig holds the bridge's OAuth settings.
type ServerConfig = server.Config

// NewServer creates the orchestrator. See server.New.
func NewServer(provider providers.Provider, store storage.Store, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	return server.New(provider, store, config, logger)
}

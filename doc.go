// Package oauth is the HTTP surface of an OAuth 2.1 bridge that lets MCP
// clients authenticate against an upstream API that supports neither PKCE
// nor dynamic client registration.
//
// The bridge acts as the authorization server towards MCP clients. It
// registers clients dynamically, enforces PKCE, proxies the user to the
// upstream provider and mints its own tokens bound to the upstream pair.
// The orchestration lives in package server; this package parses requests
// and renders OAuth responses.
//
// Example usage:
//
//	srv, err := oauth.NewServer(provider, store, &oauth.ServerConfig{
//	    Issuer:     "https://mcp.example.com",
//	    SigningKey: key,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//
//	handler := oauth.NewHandler(srv, logger)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//	mux.Handle("/mcp", handler.ValidateToken(mcpHandler))
//
// Inside mcpHandler, UpstreamTokenFromContext returns an upstream access
// token that is valid for at least the configured refresh margin.
package oauth

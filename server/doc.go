// Package server implements the authorization orchestrator of the bridge.
//
// The Server links three identities: the MCP client that registered
// dynamically, the local tokens this bridge mints, and the upstream
// provider's token pair. It enforces PKCE and dynamic client registration
// in front of an upstream that supports neither.
//
// A flow runs in four steps:
//   - StartAuthorization validates the client's request and stores an
//     authorization session. The session code doubles as the upstream state.
//   - HandleUpstreamCallback records the upstream code on the session and
//     redirects the client with the session code.
//   - ExchangeAuthorizationCode consumes the session exactly once, verifies
//     PKCE, exchanges the upstream code and mints a local token pair.
//   - RefreshAccessToken rotates the local pair after refreshing upstream,
//     revoking the local token when the upstream refresh fails.
//
// UpstreamCredentials is the freshness guard for the protected resource: it
// refreshes the upstream access token in place shortly before it expires.
//
// Example usage:
//
//	provider, _ := upstream.NewProvider(&upstream.Config{...})
//	store := memory.New()
//
//	srv, err := server.New(provider, store, &server.Config{
//	    Issuer:     "https://mcp.example.com",
//	    SigningKey: key,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server

// Package providers defines the contract between the bridge and the upstream
// OAuth 2.0 provider whose tokens it holds on behalf of clients.
//
// The upstream provider supports neither PKCE nor dynamic client
// registration. It only ever sees the bridge's own client credentials and a
// plain authorization-code exchange; the bridge enforces PKCE on its side.
//
// Implementations are provided in subpackages:
//   - providers/upstream: generic provider built on golang.org/x/oauth2
//   - providers/mock: programmable provider for tests
//
// Example usage:
//
//	provider, err := upstream.NewProvider(&upstream.Config{
//	    ClientID:       "bridge-client-id",
//	    ClientSecret:   "bridge-client-secret",
//	    AuthURL:        "https://accounts.example.com/oauth2/authorize",
//	    TokenURL:       "https://accounts.example.com/oauth2/token",
//	    RedirectURL:    "https://bridge.example.com/oauth/callback",
//	    CompanyIDParam: "realmId",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package providers

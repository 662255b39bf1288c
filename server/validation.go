package server

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// Grant and response types a client may register for.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

var (
	supportedGrantTypes    = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	supportedResponseTypes = []string{ResponseTypeCode}
)

// maxRedirectURIs caps how many redirect URIs one registration may carry.
const maxRedirectURIs = 10

// validateRedirectURIs checks a registration's redirect URIs. An empty or
// malformed list is invalid_client_metadata; a URI that is neither HTTPS nor
// loopback HTTP is invalid_redirect_uri.
//
// SECURITY: the redirect URI is where the bridge delivers authorization codes.
// The rules below keep a registered URI from sending them anywhere else:
//   - plain http is allowed only for loopback hosts, where native MCP clients
//     listen and the code never crosses the network
//   - fragments are rejected because a code in a fragment is visible to
//     page scripts and is not part of exact matching
//   - user info is rejected because "https://good.example@evil.example" reads
//     as the first host while resolving to the second
//   - the list is capped so a registration cannot store unbounded data
func validateRedirectURIs(uris []string) *Error {
	if len(uris) == 0 {
		return errInvalidClientMetadata("redirect_uris must contain at least one URI")
	}
	if len(uris) > maxRedirectURIs {
		return errInvalidClientMetadata(fmt.Sprintf("at most %d redirect_uris are allowed", maxRedirectURIs))
	}
	for _, raw := range uris {
		if err := validateRedirectURI(raw); err != nil {
			return err
		}
	}
	return nil
}

func validateRedirectURI(raw string) *Error {
	if strings.TrimSpace(raw) == "" {
		return errInvalidClientMetadata("redirect_uris must not contain empty values")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errInvalidClientMetadata(fmt.Sprintf("malformed redirect URI: %q", raw))
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return errInvalidClientMetadata("redirect URIs must not contain a fragment")
	}
	if u.User != nil {
		return errInvalidRedirectURI("redirect URIs must not contain user info")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHostname(u.Hostname()) {
			return nil
		}
		return errInvalidRedirectURI(fmt.Sprintf("redirect URI must use https unless it targets a loopback address: %q", raw))
	default:
		return errInvalidRedirectURI(fmt.Sprintf("unsupported redirect URI scheme %q", u.Scheme))
	}
}

// validateSubset returns the first value not in allowed, if any.
func validateSubset(values, allowed []string) (string, bool) {
	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return v, false
		}
	}
	return "", true
}

// validateScope checks a space separated scope string against the supported
// list. An empty supported list accepts anything.
func (s *Server) validateScope(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, sc) {
			return fmt.Errorf("unsupported scope %q", sc)
		}
	}
	return nil
}

// IsRedirectURIRegistered reports whether uri exactly matches one of the
// client's registered redirect URIs.
//
// SECURITY: the comparison is a byte-for-byte string match. No prefix,
// wildcard, path or port normalization is applied: any of those would turn a
// registered URI into a family of URIs and reopen the open-redirect and code
// interception attacks the registration rules close.
func IsRedirectURIRegistered(client *storage.Client, uri string) bool {
	if client == nil || uri == "" {
		return false
	}
	return client.HasRedirectURI(uri)
}

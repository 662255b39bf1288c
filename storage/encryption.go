package storage

import (
	"fmt"

	"github.com/giantswarm/mcp-oauth-bridge/security"
)

// EncryptUpstream seals the upstream token pair for a persistent backend.
// A nil or disabled encryptor returns creds unchanged.
func EncryptUpstream(enc *security.Encryptor, creds UpstreamCredentials) (UpstreamCredentials, error) {
	return transformUpstream(creds, enc.Encrypt, "encrypt")
}

// DecryptUpstream reverses EncryptUpstream.
func DecryptUpstream(enc *security.Encryptor, creds UpstreamCredentials) (UpstreamCredentials, error) {
	return transformUpstream(creds, enc.Decrypt, "decrypt")
}

func transformUpstream(creds UpstreamCredentials, fn func(string) (string, error), op string) (UpstreamCredentials, error) {
	out := creds
	var err error
	if out.AccessToken, err = fn(creds.AccessToken); err != nil {
		return UpstreamCredentials{}, fmt.Errorf("failed to %s upstream access token: %w", op, err)
	}
	if out.RefreshToken, err = fn(creds.RefreshToken); err != nil {
		return UpstreamCredentials{}, fmt.Errorf("failed to %s upstream refresh token: %w", op, err)
	}
	return out, nil
}

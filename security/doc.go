// Package security holds the cross-cutting protections of the bridge: encryption
// of upstream credentials at rest, per-client-IP rate limiting, the security audit
// trail, response hardening headers and request correlation ids.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (normally the client IP).
// Buckets that go unused for the idle timeout are dropped by the cache janitor,
// so a burst of one-off addresses cannot grow memory without bound.
//
//	limiter := security.NewRateLimiter(10, 20, 30*time.Minute, logger)
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Encryption
//
// Encryptor seals upstream access and refresh tokens with XChaCha20-Poly1305
// before they reach a persistent backend. A nil or empty key disables it, which
// is only appropriate for the in-memory store.
package security

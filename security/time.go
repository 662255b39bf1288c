package security

import "time"

// DefaultClockSkewGracePeriod absorbs small clock differences between the
// bridge, its clients and the upstream provider.
//
// SECURITY: the grace period extends every token's usable life by the same
// amount, so it stays at a few seconds of NTP drift. It is applied to local
// access token expiry only; upstream freshness uses a margin in the opposite
// direction (IsExpiringSoon) and refreshes early rather than late.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt lies more than the grace period before now.
// A zero expiry never expires.
func IsExpired(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// IsExpiringSoon reports whether expiresAt falls within margin of now.
// A zero expiry means the provider did not say, and is never due.
func IsExpiringSoon(expiresAt, now time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(expiresAt)
}

// Package testutil provides fixtures shared by the bridge's tests: a
// controllable clock, PKCE pairs, signing keys and registered clients.
package testutil

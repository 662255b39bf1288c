// Package storage is the persistence contract of the bridge.
//
// Three interfaces split the state by lifecycle:
//
//   - ClientStore holds dynamically registered clients, immutable once saved.
//   - SessionStore holds authorization sessions from /authorize until the
//     local code is redeemed at the token endpoint.
//   - TokenStore holds issued token pairs together with the upstream tokens
//     they stand in for.
//
// Backends must make the conditional transitions (MarkSessionUsed,
// GrantSession, RotateToken, RevokeToken) atomic. The shared conformance
// suite in storage/storagetest checks this under concurrency.
//
// Local credentials are looked up by HashToken digests and upstream tokens
// are sealed with EncryptUpstream before they reach a durable backend.
//
// Backends: storage/memory, storage/postgres and storage/valkey.
package storage

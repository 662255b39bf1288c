// Package valkey provides a Valkey storage backend for the bridge.
//
// Valkey is wire-compatible with Redis. The backend suits deployments that run
// several bridge replicas against one shared store.
//
// # Key Schema
//
// All keys use a configurable prefix (default "bridge:"):
//
//	{prefix}client:{clientID}        -> JSON(Client), no TTL
//	{prefix}session:{sha256(code)}   -> JSON(AuthorizationSession)
//	{prefix}token:{id}               -> JSON(IssuedToken)
//	{prefix}access:{sha256(token)}   -> token id
//	{prefix}refresh:{sha256(token)}  -> token id
//
// Local tokens and session codes only appear as SHA-256 hashes. Upstream
// tokens and upstream codes are sealed with the configured encryptor.
//
// # Atomic Operations
//
// Granting and consuming a session, revoking and rotating a token, and
// replacing upstream credentials each run as a single Lua script, so only one
// concurrent caller can win. Expiry inside those scripts is evaluated against
// the timestamp passed by the caller, not the server clock.
//
// Key TTLs are only a garbage-collection backstop: they are derived from each
// record's own lifetime plus a retention margin, and logical expiry is always
// decided by the scripts above or the sweeper.
//
// The rotation script touches several keys, so the backend targets a single
// Valkey node or a primary with replicas, not a sharded cluster.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    Encryptor: enc,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey

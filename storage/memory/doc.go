// Package memory is an in-process implementation of storage.Store.
//
// A single sync.RWMutex guards all three maps, which makes every conditional
// transition (mark-used, grant, rotate) trivially atomic. State is lost on
// restart, so this backend suits development, tests and single-instance
// deployments. Use storage/postgres or storage/valkey otherwise.
//
//	store := memory.New()
//	srv, _ := server.New(provider, store, config, logger)
package memory

// Command mcp-oauth-bridge runs the OAuth 2.1 bridge between MCP clients and
// an upstream OAuth 2.0 provider.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

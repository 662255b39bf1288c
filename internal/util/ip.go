package util

import (
	"net"
	"strings"
)

// IsLoopbackHostname reports whether a URL hostname (no port) names the local
// machine: "localhost", any 127.0.0.0/8 address or ::1. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

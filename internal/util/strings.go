package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. It is used to log a
// recognisable prefix of a code or token without logging the secret.
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and resource identifiers
// compare equal with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

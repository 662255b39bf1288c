package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{in: "very-long-token-abc123", maxLen: 8, want: "very-lon"},
		{in: "short", maxLen: 10, want: "short"},
		{in: "exact", maxLen: 5, want: "exact"},
		{in: "test", maxLen: 0, want: ""},
		{in: "test", maxLen: -1, want: ""},
		{in: "", maxLen: 8, want: ""},
	}
	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://bridge.example.com/":   "https://bridge.example.com",
		"https://bridge.example.com":    "https://bridge.example.com",
		"https://bridge.example.com///": "https://bridge.example.com",
		"":                              "",
	} {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{host: "localhost", want: true},
		{host: "LOCALHOST", want: true},
		{host: "127.0.0.1", want: true},
		{host: "127.8.9.10", want: true},
		{host: "::1", want: true},
		{host: "[::1]", want: true},
		{host: "0.0.0.0", want: false},
		{host: "localhost.evil.com", want: false},
		{host: "10.0.0.1", want: false},
		{host: "example.com", want: false},
		{host: "", want: false},
	}
	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.host); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

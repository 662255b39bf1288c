package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUpstreamErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *UpstreamError
		want string
	}{
		{
			name: "oauth error",
			err:  &UpstreamError{Code: "invalid_grant", Description: "expired", StatusCode: 400},
			want: "upstream invalid_grant (HTTP 400): expired",
		},
		{
			name: "transport error",
			err:  &UpstreamError{Code: "server_error", Err: errors.New("connection refused")},
			want: "upstream server_error: connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsUpstreamError(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("refresh: %w", &UpstreamError{Code: "server_error", Err: base})

	ue, ok := AsUpstreamError(wrapped)
	if !ok || ue.Code != "server_error" {
		t.Fatalf("AsUpstreamError() = %v, %v", ue, ok)
	}
	if !errors.Is(wrapped, base) {
		t.Error("underlying error should remain reachable")
	}
	if _, ok := AsUpstreamError(base); ok {
		t.Error("plain errors are not upstream errors")
	}
	if !strings.Contains(wrapped.Error(), "boom") {
		t.Errorf("message = %q", wrapped.Error())
	}
}

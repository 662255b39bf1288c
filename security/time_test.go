package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "zero never expires", expiresAt: time.Time{}, want: false},
		{name: "future", expiresAt: now.Add(time.Minute), want: false},
		{name: "inside grace", expiresAt: now.Add(-2 * time.Second), want: false},
		{name: "past grace", expiresAt: now.Add(-10 * time.Second), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now, DefaultClockSkewGracePeriod); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiringSoon(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "unknown expiry", expiresAt: time.Time{}, want: false},
		{name: "well in the future", expiresAt: now.Add(time.Hour), want: false},
		{name: "exactly at margin", expiresAt: now.Add(margin), want: true},
		{name: "inside margin", expiresAt: now.Add(4 * time.Minute), want: true},
		{name: "already expired", expiresAt: now.Add(-time.Minute), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiringSoon(tt.expiresAt, now, margin); got != tt.want {
				t.Errorf("IsExpiringSoon() = %v, want %v", got, tt.want)
			}
		})
	}
}

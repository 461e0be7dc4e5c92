package utils

import (
	"testing"
	"time"
)

func TestMonthsBetween(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"same month", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), 0},
		{"across years", time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 83},
		{"day ignored", time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), 1},
		{"negative", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), -12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MonthsBetween(tt.a, tt.b); got != tt.want {
				t.Errorf("MonthsBetween() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPlausibleYear(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for year, want := range map[int]bool{1949: false, 1950: true, 2025: true, 2026: false} {
		if got := PlausibleYear(year, now); got != want {
			t.Errorf("PlausibleYear(%d) = %v, want %v", year, got, want)
		}
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("demo-partner-key", "demo-partner-key") {
		t.Error("equal keys should match")
	}
	if SecureCompare("demo-partner-key", "demo-partner-ke") {
		t.Error("different keys should not match")
	}
}

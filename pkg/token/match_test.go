package token

import (
	"testing"
	"time"
)

func TestMatchResource(t *testing.T) {
	tests := []struct {
		pattern  string
		resource string
		want     bool
	}{
		{"filesystem/tmp/data.txt", "filesystem/tmp/data.txt", true},
		{"filesystem/tmp/data.txt", "filesystem/tmp/other.txt", false},

		// `*` stays within one segment.
		{"filesystem/tmp/*", "filesystem/tmp/data.txt", true},
		{"filesystem/tmp/*", "filesystem/tmp/sub/data.txt", false},
		{"filesystem/*/data.txt", "filesystem/tmp/data.txt", true},
		{"data/*.json", "data/report.json", true},
		{"data/*.json", "data/report.yaml", false},
		{"data/report-*-final.json", "data/report-2025-final.json", true},

		// `**` crosses segments.
		{"filesystem/**", "filesystem/tmp/sub/data.txt", true},
		{"filesystem/**", "filesystem", true},
		{"api/**/read", "api/v1/users/read", true},
		{"api/**/read", "api/read", true},
		{"api/**/read", "api/v1/users/write", false},

		// Empty pattern admits everything.
		{"", "anything/at/all", true},

		{"a/*/c", "a/b/c/d", false},
		{"*", "segment", true},
		{"*", "two/segments", false},
	}

	for _, tt := range tests {
		if got := matchResource(tt.pattern, tt.resource); got != tt.want {
			t.Errorf("matchResource(%q, %q) = %v, want %v", tt.pattern, tt.resource, got, tt.want)
		}
	}
}

func TestWithinTimeWindow(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name   string
		window []string
		now    time.Time
		want   bool
	}{
		{"inside", []string{"09:00", "17:00"}, at(12, 30), true},
		{"at start", []string{"09:00", "17:00"}, at(9, 0), true},
		{"at end", []string{"09:00", "17:00"}, at(17, 0), true},
		{"before", []string{"09:00", "17:00"}, at(8, 59), false},
		{"after", []string{"09:00", "17:00"}, at(17, 1), false},
		{"overnight inside late", []string{"22:00", "06:00"}, at(23, 30), true},
		{"overnight inside early", []string{"22:00", "06:00"}, at(5, 0), true},
		{"overnight outside", []string{"22:00", "06:00"}, at(12, 0), false},
		{"malformed window admits", []string{"late", "early"}, at(12, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinTimeWindow(tt.window, tt.now); got != tt.want {
				t.Errorf("withinTimeWindow(%v, %v) = %v, want %v", tt.window, tt.now, got, tt.want)
			}
		})
	}
}

package util

import (
	"strings"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"message", GenerateMessageID, MessageIDPrefix},
		{"job", GenerateJobID, JobIDPrefix},
		{"body", GenerateBodyID, BodyIDPrefix},
		{"custom", func() string { return NewID("x_") }, "x_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("%q missing prefix %q", id, tt.prefix)
			}
			hexPart := strings.TrimPrefix(id, tt.prefix)
			if len(hexPart) != 32 {
				t.Errorf("expected 32 hex digits, got %d in %q", len(hexPart), id)
			}
			for _, c := range hexPart {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Fatalf("non-hex character %q in %q", c, id)
				}
			}
		})
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageID()
		if seen[id] {
			t.Fatalf("duplicate id %s after %d iterations", id, i)
		}
		seen[id] = true
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 9},
		{"valid", "12", 12},
		{"padded", " 3 ", 3},
		{"zero", "0", 9},
		{"negative", "-4", 9},
		{"garbage", "lots", 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MAILPIPE_TEST_INT", tt.value)
			if got := ParseIntEnv("MAILPIPE_TEST_INT", 9); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("MAILPIPE_TEST_MS", "")
	if got := ParseMillisEnv("MAILPIPE_TEST_MS", 30*time.Second); got != 30*time.Second {
		t.Errorf("expected default 30s, got %v", got)
	}
	t.Setenv("MAILPIPE_TEST_MS", "1500")
	if got := ParseMillisEnv("MAILPIPE_TEST_MS", 30*time.Second); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", got)
	}

	t.Setenv("MAILPIPE_TEST_DAYS", "")
	if got := ParseDaysEnv("MAILPIPE_TEST_DAYS", 7*24*time.Hour); got != 7*24*time.Hour {
		t.Errorf("expected default 7d, got %v", got)
	}
	t.Setenv("MAILPIPE_TEST_DAYS", "2")
	if got := ParseDaysEnv("MAILPIPE_TEST_DAYS", 7*24*time.Hour); got != 48*time.Hour {
		t.Errorf("expected 2d, got %v", got)
	}
}

package deskapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	cases := []struct {
		attempt int
		header  string
		want    time.Duration
	}{
		{1, "", 100 * time.Millisecond},
		{2, "", 200 * time.Millisecond},
		{4, "", 800 * time.Millisecond},
		{5, "", time.Second},
		{9, "", time.Second},
		{1, "0", 100 * time.Millisecond},
		{1, "2", time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt, tc.header); got != tc.want {
			t.Fatalf("Delay(%d, %q) = %s, want %s", tc.attempt, tc.header, got, tc.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
	future := time.Now().Add(10 * time.Second).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(future); got <= 0 || got > 11*time.Second {
		t.Fatalf("unexpected delay for http date: %s", got)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, time.Hour); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestFileTokenSourceReloadsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	src, err := NewFileTokenSource(path, nil)
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	defer src.Close()
	if src.Token() != "first" {
		t.Fatalf("expected first token, got %q", src.Token())
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite token: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for src.Token() != "second" {
		if time.Now().After(deadline) {
			t.Fatalf("token was not reloaded, still %q", src.Token())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileTokenSourceRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if _, err := NewFileTokenSource(path, nil); err == nil {
		t.Fatalf("expected error for empty token file")
	}
}

// ABOUTME: Tests for config hot reload
// ABOUTME: Verifies concurrency changes reach the callback and invalid files are ignored

package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsConcurrency(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", "concurrency:\n  max_per_agent: 1\n  max_total: 2\n")

	changes := make(chan ConcurrencyConfig, 4)
	w, err := NewWatcher(path, func(c ConcurrencyConfig) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go w.Run(ctx)

	// Invalid content is skipped.
	if err := os.WriteFile(path, []byte("concurrency:\n  max_total: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload with invalid config: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("concurrency:\n  max_per_agent: 5\n  max_total: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.MaxPerAgent != 5 || c.MaxTotal != 7 {
			t.Errorf("reloaded = %+v, want 5/7", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

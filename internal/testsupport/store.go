package testsupport

import (
	"context"
	"testing"

	"vectorflow/internal/config"
	"vectorflow/internal/queue"
	"vectorflow/internal/registry"
	"vectorflow/internal/state"
)

// MustOpenQueue opens the configured queue backend and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config, opts ...queue.Option) queue.Queue {
	t.Helper()

	q, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close()
	})
	return q
}

// MustOpenState opens the state store and registers cleanup.
func MustOpenState(t testing.TB, cfg *config.Config, opts ...state.Option) *state.SQLiteStore {
	t.Helper()

	store, err := state.Open(cfg.StatePath(), opts...)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenRegistry opens the configured registry backend and registers
// cleanup.
func MustOpenRegistry(t testing.TB, cfg *config.Config) registry.Store {
	t.Helper()

	reg, err := registry.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.Close()
	})
	return reg
}

package testsupport

import (
	"path/filepath"
	"testing"

	"vectorflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Storage defaults to the SQLite queue, SQLite state store and in-memory
// registry; options override any field.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DefinitionsDir = filepath.Join(base, "pipelines")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.API.InstanceID = "test-instance"
	cfgVal.Queue.Path = filepath.Join(base, "data", "queue.db")
	cfgVal.State.Path = filepath.Join(base, "data", "state.db")
	cfgVal.Registry.Backend = config.RegistryMemory
	cfgVal.Registry.Path = filepath.Join(base, "data", "registry")
	cfgVal.Workers.PollInterval = 1
	cfgVal.Scheduler.Enabled = false
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithQueueBackend selects the queue backend.
func WithQueueBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Backend = backend
	}
}

// WithRegistryBackend selects the registry backend.
func WithRegistryBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Registry.Backend = backend
	}
}

// WithToken sets the API bearer token.
func WithToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.Token = token
	}
}

// WithAllowedOrigins sets the CORS origins of the API.
func WithAllowedOrigins(origins ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.AllowedOrigins = origins
	}
}

// WithSchedulerEnabled toggles the trigger scheduler.
func WithSchedulerEnabled(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Scheduler.Enabled = enabled
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"vectorflow/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir        string `toml:"data_dir"`
	LogDir         string `toml:"log_dir"`
	DefinitionsDir string `toml:"definitions_dir"`
}

// API contains HTTP surface configuration.
type API struct {
	Bind           string   `toml:"bind"`
	Token          string   `toml:"token"`
	InstanceID     string   `toml:"instance_id"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Queue contains work item queue configuration. Durations are seconds.
type Queue struct {
	Backend                string `toml:"backend"`
	Path                   string `toml:"path"`
	VisibilityTimeout      int    `toml:"visibility_timeout"`
	ErrorVisibilityTimeout int    `toml:"error_visibility_timeout"`
	MaxDequeueCount        int    `toml:"max_dequeue_count"`
}

// Workers contains stage runner configuration. Durations are seconds.
type Workers struct {
	Concurrency        int `toml:"concurrency"`
	BatchSize          int `toml:"batch_size"`
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	LeaseRenewInterval int `toml:"lease_renew_interval"`
	StageTimeout       int `toml:"stage_timeout"`
}

// Scheduler contains trigger scheduler configuration. Durations are seconds.
type Scheduler struct {
	Enabled         bool `toml:"enabled"`
	TickInterval    int  `toml:"tick_interval"`
	RefreshInterval int  `toml:"refresh_interval"`
}

// Registry selects and configures the content registry backend.
type Registry struct {
	Backend        string `toml:"backend"`
	Path           string `toml:"path"`
	DynamoTable    string `toml:"dynamo_table"`
	DynamoEndpoint string `toml:"dynamo_endpoint"`
	AWSRegion      string `toml:"aws_region"`
}

// State configures the state store.
type State struct {
	Path string `toml:"path"`
}

// Kafka contains event publishing configuration.
type Kafka struct {
	Brokers         []string `toml:"brokers"`
	EventsTopic     string   `toml:"events_topic"`
	DeadLetterTopic string   `toml:"dead_letter_topic"`
	WriteTimeout    int      `toml:"write_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunStarted     bool   `toml:"run_started"`
	RunCompleted   bool   `toml:"run_completed"`
	Failures       bool   `toml:"failures"`
	DeadLetters    bool   `toml:"dead_letters"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Config encapsulates all configuration values for vectorflow.
//
// Configuration sections by subsystem:
//   - Paths: data, log and pipeline definition directories
//   - API: HTTP bind address, bearer token and instance identity
//   - Queue: work item queue backend, visibility and dead-letter limits
//   - Workers: stage runner concurrency and polling
//   - Scheduler: trigger evaluation cadence
//   - Registry: content registry backend (badger, dynamodb or memory)
//   - State: state store location
//   - Kafka: run lifecycle and dead-letter topics
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Queue         Queue         `toml:"queue"`
	Workers       Workers       `toml:"workers"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Registry      Registry      `toml:"registry"`
	State         State         `toml:"state"`
	Kafka         Kafka         `toml:"kafka"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file next to the config file or in
// the working directory is loaded first so environment fallbacks can see it.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if err := loadDotEnv(resolvedPath); err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vectorflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.DefinitionsDir}
	for _, file := range []string{c.QueuePath(), c.StatePath()} {
		if file != "" {
			dirs = append(dirs, filepath.Dir(file))
		}
	}
	if c.Registry.Backend == RegistryBadger && c.Registry.Path != "" {
		dirs = append(dirs, c.Registry.Path)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueuePath returns the SQLite queue database path.
func (c *Config) QueuePath() string {
	if c.Queue.Path != "" {
		return c.Queue.Path
	}
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// StatePath returns the SQLite state database path.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(c.Paths.DataDir, "state.db")
}

// LockPath returns the daemon single-instance lock path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "vectorflowd.lock")
}

// PIDPath returns the daemon pid file path.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "vectorflowd.pid")
}

// VisibilityTimeout returns the queue lease duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return seconds(c.Queue.VisibilityTimeout)
}

// ErrorVisibilityTimeout returns the shortened lease applied after a
// transient stage failure. Zero disables shortening.
func (c *Config) ErrorVisibilityTimeout() time.Duration {
	return seconds(c.Queue.ErrorVisibilityTimeout)
}

// LeaseRenewInterval returns how often in-flight leases are extended.
func (c *Config) LeaseRenewInterval() time.Duration {
	if c.Workers.LeaseRenewInterval > 0 {
		return seconds(c.Workers.LeaseRenewInterval)
	}
	return c.VisibilityTimeout() / 2
}

// StageTimeout returns the per-execution deadline, zero when unbounded.
func (c *Config) StageTimeout() time.Duration {
	return seconds(c.Workers.StageTimeout)
}

// TickInterval returns the scheduler tick interval.
func (c *Config) TickInterval() time.Duration {
	return seconds(c.Scheduler.TickInterval)
}

// RefreshInterval returns how often the scheduler reloads definitions.
func (c *Config) RefreshInterval() time.Duration {
	return seconds(c.Scheduler.RefreshInterval)
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if err := fileutil.WriteFileAtomic(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

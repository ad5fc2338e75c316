package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vectorflow/internal/config"
	"vectorflow/internal/daemonrun"
	"vectorflow/internal/logging"
	"vectorflow/internal/testsupport"
)

const docsDefinition = `name: docs
stages:
  - name: chunk
    plugin: passthrough
triggers:
  - name: manual
    type: manual
source:
  type: filesystem
  path: %s
  include: ["*.md"]
`

type cliTestEnv struct {
	cfg        *config.Config
	runtime    *daemonrun.Runtime
	configPath string
	content    string
}

// setupCLITestEnv writes a config file and a docs pipeline. When withDaemon
// is set an in-process daemon serves the API the config points at.
func setupCLITestEnv(t *testing.T, withDaemon bool) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	base := testsupport.BaseDir(cfg)
	content := filepath.Join(base, "content")
	testsupport.WriteFile(t, filepath.Join(content, "a.md"), "# a", time.Time{})
	testsupport.WriteDefinition(t, cfg.Paths.DefinitionsDir, "docs", fmt.Sprintf(docsDefinition, content))

	env := &cliTestEnv{
		cfg:        cfg,
		configPath: filepath.Join(base, "config.toml"),
		content:    content,
	}

	if withDaemon {
		rt, err := daemonrun.Build(context.Background(), cfg, daemonrun.Options{Logger: logging.NewNop()})
		if err != nil {
			t.Fatalf("daemonrun.Build: %v", err)
		}
		if err := rt.Daemon.Start(context.Background()); err != nil {
			_ = rt.Close()
			t.Fatalf("daemon start: %v", err)
		}
		t.Cleanup(func() {
			rt.Daemon.Stop()
			_ = rt.Close()
		})
		env.runtime = rt
		cfg.API.Bind = rt.Daemon.Addr()
	} else {
		cfg.API.Bind = "127.0.0.1:1"
	}

	writeTestConfig(t, env.configPath, cfg)
	return env
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q
definitions_dir = %q

[api]
bind = %q
instance_id = %q

[queue]
backend = %q
path = %q

[state]
path = %q

[registry]
backend = %q

[scheduler]
enabled = false
`,
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		cfg.Paths.DefinitionsDir,
		cfg.API.Bind,
		cfg.API.InstanceID,
		cfg.Queue.Backend,
		cfg.QueuePath(),
		cfg.StatePath(),
		cfg.Registry.Backend,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected output to contain %q, got:\n%s", substr, output)
	}
}

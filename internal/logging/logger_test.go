package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vectorflow/internal/config"
	"vectorflow/internal/logging"
	"vectorflow/internal/services"
)

func newCaptureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Level = "debug"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon started", logging.String(logging.FieldRunID, "run-1"))

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "vectorflow.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	records := decodeLines(t, data)
	if len(records) != 1 || records[0]["msg"] != "daemon started" || records[0]["run_id"] != "run-1" {
		t.Fatalf("unexpected log file contents %v", records)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "info",
		Outputs: []string{logPath, logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller",
		logging.String(logging.FieldPipeline, "docs"),
		logging.String(logging.FieldStage, "embed"),
		logging.Int("items", 3),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	if strings.Contains(text, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", text)
	}
	if !strings.Contains(text, "docs · embed") || !strings.Contains(text, "items: 3") {
		t.Fatalf("expected subject and fields, got %q", text)
	}
	if strings.Contains(text, "\x1b[") {
		t.Fatalf("expected no colour codes when writing to a file, got %q", text)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "debug",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleLoggerFlattensGroups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-groups.log")
	logger, err := logging.New(logging.Options{Format: "console", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.With(logging.String(logging.FieldComponent, "queue")).
		WithGroup("lease").
		Info("lease renewed", logging.Int("attempt", 2), logging.String("owner", "worker a"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	for _, want := range []string{"[queue]", "lease renewed", "lease.attempt: 2", `lease.owner: "worker a"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithPipeline(ctx, "docs")
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithStage(ctx, "chunk")
	ctx = services.WithWorkItemID(ctx, "wi-1")
	ctx = services.WithRequestID(ctx, "req-xyz")

	var buf bytes.Buffer
	logging.WithContext(ctx, newCaptureLogger(&buf)).Info("contextual log")

	records := decodeLines(t, buf.Bytes())
	if len(records) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(records))
	}
	want := map[string]string{
		logging.FieldPipeline:      "docs",
		logging.FieldRunID:         "run-1",
		logging.FieldStage:         "chunk",
		logging.FieldWorkItemID:    "wi-1",
		logging.FieldCorrelationID: "req-xyz",
	}
	for key, value := range want {
		if records[0][key] != value {
			t.Fatalf("field %s = %v, want %s", key, records[0][key], value)
		}
	}
}

func TestErrorAttrsClassify(t *testing.T) {
	err := services.Terminal("embed", "execute", "model rejected input", nil)
	var buf bytes.Buffer
	newCaptureLogger(&buf).Error("stage failed", logging.Args(logging.ErrorAttrs(err)...)...)

	records := decodeLines(t, buf.Bytes())
	if records[0][logging.FieldErrorKind] != string(services.KindTerminal) {
		t.Fatalf("unexpected error kind %v", records[0][logging.FieldErrorKind])
	}
	if logging.ErrorAttrs(nil) != nil {
		t.Fatal("expected no attrs for nil error")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logging.WarnWithContext(newCaptureLogger(&buf), "lease renewal failed", "lease_renewal_failed")

	rec := decodeLines(t, buf.Bytes())[0]
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := rec[key]; !ok {
			t.Fatalf("expected %s to be injected, got %v", key, rec)
		}
	}
	if rec[logging.FieldEventType] != "lease_renewal_failed" {
		t.Fatalf("unexpected event type %v", rec[logging.FieldEventType])
	}
}

func TestStageLoggerAppliesOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.StageOverrides = map[string]string{"embed": "warn"}

	var buf bytes.Buffer
	base := newCaptureLogger(&buf)

	logging.StageLogger(&cfg, base, "embed").Info("suppressed")
	logging.StageLogger(&cfg, base, "embed").Warn("kept")
	logging.StageLogger(&cfg, base, "chunk").Info("chunk info")

	records := decodeLines(t, buf.Bytes())
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %v", records)
	}
	if records[0]["msg"] != "kept" || records[0][logging.FieldStage] != "embed" {
		t.Fatalf("unexpected first record %v", records[0])
	}
	if records[1]["msg"] != "chunk info" {
		t.Fatalf("unexpected second record %v", records[1])
	}
}

func TestStageOverrideCanLowerConfiguredLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Format = "json"
	cfg.Logging.StageOverrides = map[string]string{"embed": "debug"}

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Debug("daemon debug")
	logging.StageLogger(&cfg, logger, "embed").Debug("embed debug")
	logging.StageLogger(&cfg, logger, "chunk").Debug("chunk debug")

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "vectorflow.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	records := decodeLines(t, data)
	if len(records) != 1 || records[0]["msg"] != "embed debug" {
		t.Fatalf("expected only the embed debug record, got %v", records)
	}
}

func TestTeeLoggerRespectsHandlerLevels(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	debug := slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := logging.TeeLogger(base, debug).With(logging.String(logging.FieldComponent, "workflow"))
	logger.Debug("debug only")
	logger.Info("both")

	if got := len(decodeLines(t, infoBuf.Bytes())); got != 1 {
		t.Fatalf("expected 1 info record, got %d", got)
	}
	records := decodeLines(t, debugBuf.Bytes())
	if len(records) != 2 {
		t.Fatalf("expected 2 debug records, got %d", len(records))
	}
	if records[1][logging.FieldComponent] != "workflow" {
		t.Fatalf("expected attrs to reach every handler, got %v", records[1])
	}
}

func TestTeeLoggerNilBase(t *testing.T) {
	var buf bytes.Buffer
	logging.TeeLogger(nil, slog.NewJSONHandler(&buf, nil)).Info("only handler")
	if len(decodeLines(t, buf.Bytes())) != 1 {
		t.Fatal("expected record in handler")
	}
	logging.TeeLogger(nil).Info("dropped")
}

func TestRunLogsDuplicateIntoRunFile(t *testing.T) {
	dir := t.TempDir()
	logs := logging.NewRunLogs(dir, "info")
	t.Cleanup(func() { _ = logs.CloseAll() })

	var buf bytes.Buffer
	logger, err := logs.For(newCaptureLogger(&buf), "run-7")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	logger.Info("run started")
	if err := logs.Close("run-7"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(logs.Path("run-7"))
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	records := decodeLines(t, data)
	if len(records) != 1 || records[0][logging.FieldRunID] != "run-7" {
		t.Fatalf("unexpected run log %v", records)
	}
	if len(decodeLines(t, buf.Bytes())) != 1 {
		t.Fatal("expected base logger to receive the record")
	}

	disabled := logging.NewRunLogs("", "info")
	base := logging.NewNop()
	same, err := disabled.For(base, "run-7")
	if err != nil || same != base {
		t.Fatalf("expected base logger when run logs are disabled, got %v (%v)", same, err)
	}
}

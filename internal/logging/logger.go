package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"vectorflow/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// Outputs lists destinations: "stdout", "stderr" or file paths. Empty
	// means stdout.
	Outputs []string
	// Source adds file:line to every record. Debug level always adds it.
	Source bool
	// Color forces ANSI level colours on console output. When nil, colours are
	// enabled only if the sole output is a terminal.
	Color *bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	handler, err := newHandler(opts, parseLevel(opts.Level))
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(opts Options, level slog.Level) (slog.Handler, error) {
	w, err := openOutputs(opts.Outputs)
	if err != nil {
		return nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)
	source := opts.Source || level <= slog.LevelDebug

	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "json":
		return newJSONHandler(w, lv, source), nil
	case "console", "":
		color := isTerminal(w)
		if opts.Color != nil {
			color = *opts.Color
		}
		return newConsoleHandler(w, lv, source, color), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewFromConfig builds the daemon logger: stdout in the configured format and,
// when a log directory is set, a JSON copy in vectorflow.log. Handlers are
// built at the most verbose level named by logging.level or any stage
// override, and the logger itself is floored at logging.level so StageLogger
// can move individual stages in either direction.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info"})
	}
	floor := parseLevel(cfg.Logging.Level)
	verbose := floor
	for _, raw := range cfg.Logging.StageOverrides {
		if lvl := parseLevel(raw); lvl < verbose {
			verbose = lvl
		}
	}

	console, err := newHandler(Options{Format: cfg.Logging.Format, Source: floor <= slog.LevelDebug}, verbose)
	if err != nil {
		return nil, err
	}
	var file slog.Handler
	if dir := strings.TrimSpace(cfg.Paths.LogDir); dir != "" {
		path := filepath.Join(dir, "vectorflow.log")
		file, err = newHandler(Options{Format: "json", Outputs: []string{path}}, verbose)
		if err != nil {
			return nil, err
		}
	}
	return slog.New(minLevelHandler{next: TeeHandler(console, file), floor: floor}), nil
}

// StageLogger tags logger with stage and applies logging.stage_overrides.
func StageLogger(cfg *config.Config, logger *slog.Logger, stage string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	logger = logger.With(String(FieldStage, stage))
	if cfg == nil {
		return logger
	}
	raw := strings.TrimSpace(cfg.Logging.StageOverrides[stage])
	if raw == "" {
		return logger
	}
	return WithMinLevel(logger, parseLevel(raw))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutputs(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	seen := make(map[string]bool, len(outputs))
	var writers []io.Writer
	for _, raw := range outputs {
		target := strings.TrimSpace(raw)
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		switch target {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("ensure log directory for %s: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", target, err)
			}
			writers = append(writers, f)
		}
	}
	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

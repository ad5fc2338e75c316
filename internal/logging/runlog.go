package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RunLogs keeps one JSON log file per run under dir. Loggers returned by For
// write to both the base logger and the run's file until Close is called for
// that run.
type RunLogs struct {
	dir   string
	level *slog.LevelVar

	mu    sync.Mutex
	files map[string]*runLogFile
}

type runLogFile struct {
	file    *os.File
	handler slog.Handler
}

// NewRunLogs returns a manager rooted at dir. An empty dir disables per-run
// files and For returns the base logger unchanged.
func NewRunLogs(dir string, level string) *RunLogs {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))
	return &RunLogs{dir: strings.TrimSpace(dir), level: lv, files: make(map[string]*runLogFile)}
}

// Path returns the log file path for runID.
func (r *RunLogs) Path(runID string) string {
	if r == nil || r.dir == "" {
		return ""
	}
	return filepath.Join(r.dir, runID+".log")
}

// For returns base teed into the run's log file, opening it on first use.
func (r *RunLogs) For(base *slog.Logger, runID string) (*slog.Logger, error) {
	if base == nil {
		base = NewNop()
	}
	if r == nil || r.dir == "" || strings.TrimSpace(runID) == "" {
		return base, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.files[runID]
	if !ok {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return base, fmt.Errorf("ensure run log directory: %w", err)
		}
		file, err := os.OpenFile(r.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return base, fmt.Errorf("open run log: %w", err)
		}
		entry = &runLogFile{file: file, handler: newJSONHandler(file, r.level, false)}
		r.files[runID] = entry
	}
	return TeeLogger(base, entry.handler.WithAttrs([]slog.Attr{slog.String(FieldRunID, runID)})), nil
}

// Close releases the file held for runID.
func (r *RunLogs) Close(runID string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entry, ok := r.files[runID]
	delete(r.files, runID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.file.Close()
}

// CloseAll releases every open run log.
func (r *RunLogs) CloseAll() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	files := r.files
	r.files = make(map[string]*runLogFile)
	r.mu.Unlock()
	var firstErr error
	for _, entry := range files {
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

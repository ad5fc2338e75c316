package state

import (
	"context"
	_ "embed"
	"log/slog"
	"time"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/sqlitedb"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 2

// Store tracks run, stage and content item progress.
type Store interface {
	InitializeRunState(ctx context.Context, run *pipeline.Run, items []pipeline.ContentItem) bool
	SaveWorkItemStatus(ctx context.Context, status *pipeline.WorkItemStatus) error
	SavePipelineExecution(ctx context.Context, exec pipeline.StageExecution, detail *pipeline.ExecutionDetail) error
	IsRunComplete(ctx context.Context, runID string) (bool, error)
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]pipeline.Run, error)
	ActiveRuns(ctx context.Context) ([]pipeline.Run, error)
	FindActiveRun(ctx context.Context, canonicalRunID string) (*pipeline.Run, error)
	GetWorkItem(ctx context.Context, workItemID string) (*pipeline.WorkItemStatus, error)
	WorkItemsForStage(ctx context.Context, runID, stage string) ([]pipeline.WorkItemStatus, error)
	WorkItemsForContent(ctx context.Context, runID, canonicalID string) ([]pipeline.WorkItemStatus, error)
	GetContentItem(ctx context.Context, runID, canonicalID string) (*pipeline.ContentItem, error)
	StageCounts(ctx context.Context, runID string) (map[string]pipeline.StageMetrics, error)
	Executions(ctx context.Context, runID, workItemID string) ([]pipeline.StageExecution, error)
	Artifacts(ctx context.Context, runID, canonicalID string) (map[string]any, error)
	Close() error
}

// RunFilter narrows ListRuns. Zero values match everything. Limit defaults to
// 100 and a negative Limit lists every match.
type RunFilter struct {
	InstanceID string               `json:"instance_id,omitempty"`
	Pipeline   string               `json:"pipeline,omitempty"`
	Statuses   []pipeline.RunStatus `json:"status,omitempty"`
	ActiveOnly bool                 `json:"active_only,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

const defaultListLimit = 100

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used to report initialization failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db     *sqlitedb.DB
	now    func() time.Time
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Open opens or creates the state database at path.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(context.Background(), schemaSQL, schemaVersion, "migrate or move the state database aside"); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "state")
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.db.Path()
}

func (s *SQLiteStore) timestamp() time.Time {
	return s.now().UTC()
}

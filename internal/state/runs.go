package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
	"vectorflow/internal/sqlitedb"
)

const runColumns = "run_id, instance_id, pipeline, trigger_name, canonical_run_id, parameters_json, force_run, status, message, started_at, completed_at, stages_json, active_stages_json, completed_stages_json, failed_stages_json, stage_metrics_json, item_count, failed_count, version"

// InitializeRunState inserts the run header, its content items and one work
// item status per content item and stage in a single transaction. Any failure
// rolls everything back, is logged, and returns false. At most one pending or
// running run may hold a canonical run id.
func (s *SQLiteStore) InitializeRunState(ctx context.Context, run *pipeline.Run, items []pipeline.ContentItem) bool {
	if err := s.initializeRunState(ctx, run, items); err != nil {
		runID := ""
		if run != nil {
			runID = run.RunID
		}
		if errors.Is(err, services.ErrConflict) {
			logging.WarnWithContext(s.logger, "run state rejected by active run", "run_conflict",
				logging.String(logging.FieldRunID, runID),
				logging.String("canonical_run_id", run.CanonicalRunID),
			)
			return false
		}
		logging.ErrorWithContext(s.logger, "run state initialization failed", "run_initialization_failed",
			logging.String(logging.FieldRunID, runID),
			logging.Int("content_items", len(items)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state database health and free disk space"),
		)
		return false
	}
	return true
}

func (s *SQLiteStore) initializeRunState(ctx context.Context, run *pipeline.Run, items []pipeline.ContentItem) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("run id is required")
	}
	if len(run.Stages) == 0 {
		return errors.New("run has no stages")
	}
	if run.Version == 0 {
		run.Version = 1
	}
	if run.Status == "" {
		run.Status = pipeline.RunStatusRunning
	}
	run.ItemCount = len(items)
	metrics := make(map[string]pipeline.StageMetrics, len(run.Stages))
	for _, stage := range run.Stages {
		metrics[stage] = pipeline.StageMetrics{WorkItems: len(items)}
	}
	run.ApplyMetrics(metrics)

	now := s.timestamp()
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		args, err := runArgs(run)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`) VALUES (`+sqlitedb.Placeholders(19)+`)`, args...); err != nil {
			if sqlitedb.IsConstraint(err) && strings.Contains(err.Error(), "canonical_run_id") {
				return services.Wrap(services.ErrConflict, "state", "insert run",
					"canonical run id "+run.CanonicalRunID+" is in use by an active run", err)
			}
			return fmt.Errorf("insert run: %w", err)
		}
		for _, item := range items {
			if item.RunID != run.RunID {
				return fmt.Errorf("content item %s belongs to run %q", item.CanonicalID, item.RunID)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO content_items (run_id, canonical_id, action, raw_action, last_modified_at, fingerprint) VALUES (?, ?, ?, ?, ?, ?)`,
				run.RunID, item.CanonicalID, string(item.Action), sqlitedb.NullableString(item.RawAction),
				formatOptionalTime(item.LastModifiedAt), sqlitedb.NullableString(item.Fingerprint),
			); err != nil {
				return fmt.Errorf("insert content item %s: %w", item.CanonicalID, err)
			}
			for idx, stage := range run.Stages {
				status := pipeline.NewWorkItemStatus(item, stage)
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO work_items (work_item_id, run_id, stage, stage_index, canonical_id, completed, successful, error, action, last_modified_at, attempts, version, updated_at)
                     VALUES (?, ?, ?, ?, ?, 0, 0, NULL, ?, ?, 0, 1, ?)`,
					status.WorkItemID, run.RunID, stage, idx, item.CanonicalID, string(item.Action),
					formatOptionalTime(item.LastModifiedAt), sqlitedb.FormatTime(now),
				); err != nil {
					return fmt.Errorf("insert work item %s: %w", status.WorkItemID, err)
				}
			}
		}
		return nil
	})
}

// GetRun returns nil, nil when the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	var run *pipeline.Run
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
		var scanErr error
		run, scanErr = scanRun(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateRun writes the run header when its Version still matches the stored
// version, then increments Version. A mismatch returns an error matching
// services.ErrConflict and leaves run untouched.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	cols, err := runJSONColumns(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecWithRetry(ctx,
		`UPDATE runs SET
            status = ?, message = ?, completed_at = ?, parameters_json = ?, stages_json = ?,
            active_stages_json = ?, completed_stages_json = ?, failed_stages_json = ?,
            stage_metrics_json = ?, item_count = ?, failed_count = ?, version = version + 1
         WHERE run_id = ? AND version = ?`,
		string(run.Status), sqlitedb.NullableString(run.Message), sqlitedb.NullableTime(run.CompletedAt),
		cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], run.ItemCount, run.FailedCount,
		run.RunID, run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run rows affected: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetRun(ctx, run.RunID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return services.Wrap(services.ErrNotFound, "state", "update run", "run "+run.RunID+" not found", nil)
		}
		return services.Wrap(services.ErrConflict, "state", "update run",
			fmt.Sprintf("run %s version %d is stale (stored %d)", run.RunID, run.Version, existing.Version), nil)
	}
	run.Version++
	return nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]pipeline.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+sqlitedb.Placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.ActiveOnly {
		where = append(where, "status IN (?, ?)")
		args = append(args, string(pipeline.RunStatusPending), string(pipeline.RunStatusRunning))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY started_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)

	var runs []pipeline.Run
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		runs = runs[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			runs = append(runs, *run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ActiveRuns lists runs that have not reached a terminal status.
func (s *SQLiteStore) ActiveRuns(ctx context.Context) ([]pipeline.Run, error) {
	return s.ListRuns(ctx, RunFilter{ActiveOnly: true, Limit: -1})
}

// FindActiveRun returns the newest non-terminal run with the canonical run
// id, or nil.
func (s *SQLiteStore) FindActiveRun(ctx context.Context, canonicalRunID string) (*pipeline.Run, error) {
	if canonicalRunID == "" {
		return nil, nil
	}
	var run *pipeline.Run
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs WHERE canonical_run_id = ? AND status IN (?, ?) ORDER BY started_at DESC LIMIT 1`,
			canonicalRunID, string(pipeline.RunStatusPending), string(pipeline.RunStatusRunning),
		)
		var scanErr error
		run, scanErr = scanRun(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active run: %w", err)
	}
	return run, nil
}

// runJSONColumns encodes parameters, stages, active, completed and failed
// stages, and stage metrics in column order.
func runJSONColumns(run *pipeline.Run) ([6]any, error) {
	var cols [6]any
	values := []any{run.Parameters, run.Stages, run.ActiveStages, run.CompletedStages, run.FailedStages, run.StageMetrics}
	for i, value := range values {
		encoded, err := marshalJSON(value)
		if err != nil {
			return cols, err
		}
		cols[i] = encoded
	}
	return cols, nil
}

func runArgs(run *pipeline.Run) ([]any, error) {
	cols, err := runJSONColumns(run)
	if err != nil {
		return nil, err
	}
	return []any{
		run.RunID,
		run.InstanceID,
		run.PipelineName,
		sqlitedb.NullableString(run.TriggerName),
		sqlitedb.NullableString(run.CanonicalRunID),
		cols[0],
		sqlitedb.BoolToInt(run.Force),
		string(run.Status),
		sqlitedb.NullableString(run.Message),
		sqlitedb.FormatTime(run.StartedAt),
		sqlitedb.NullableTime(run.CompletedAt),
		cols[1],
		cols[2],
		cols[3],
		cols[4],
		cols[5],
		run.ItemCount,
		run.FailedCount,
		run.Version,
	}, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*pipeline.Run, error) {
	var (
		run          pipeline.Run
		triggerName  sql.NullString
		canonical    sql.NullString
		paramsRaw    sql.NullString
		force        int
		status       string
		message      sql.NullString
		startedRaw   string
		completedRaw sql.NullString
		stagesRaw    string
		activeRaw    sql.NullString
		doneRaw      sql.NullString
		failedRaw    sql.NullString
		metricsRaw   sql.NullString
	)
	if err := scanner.Scan(
		&run.RunID,
		&run.InstanceID,
		&run.PipelineName,
		&triggerName,
		&canonical,
		&paramsRaw,
		&force,
		&status,
		&message,
		&startedRaw,
		&completedRaw,
		&stagesRaw,
		&activeRaw,
		&doneRaw,
		&failedRaw,
		&metricsRaw,
		&run.ItemCount,
		&run.FailedCount,
		&run.Version,
	); err != nil {
		return nil, err
	}
	run.TriggerName = triggerName.String
	run.CanonicalRunID = canonical.String
	run.Force = force != 0
	run.Status = pipeline.RunStatus(status)
	run.Message = message.String
	if ts, err := sqlitedb.ParseTime(startedRaw); err == nil {
		run.StartedAt = ts
	}
	if completedRaw.Valid {
		if ts, err := sqlitedb.ParseTime(completedRaw.String); err == nil {
			run.CompletedAt = &ts
		}
	}
	decoders := []struct {
		raw    string
		target any
	}{
		{paramsRaw.String, &run.Parameters},
		{stagesRaw, &run.Stages},
		{activeRaw.String, &run.ActiveStages},
		{doneRaw.String, &run.CompletedStages},
		{failedRaw.String, &run.FailedStages},
		{metricsRaw.String, &run.StageMetrics},
	}
	for _, d := range decoders {
		if err := unmarshalJSON(d.raw, d.target); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", run.RunID, err)
		}
	}
	return &run, nil
}

func marshalJSON(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func unmarshalJSON(raw string, target any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

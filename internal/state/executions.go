package state

import (
	"context"
	"database/sql"
	"fmt"
	"maps"

	"github.com/vmihailenco/msgpack/v5"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/sqlitedb"
)

const executionColumns = "run_id, stage, work_item_id, canonical_id, attempt, started_at, finished_at, outcome, error"

// SavePipelineExecution records one stage attempt keyed by work item id and
// attempt. Writing the same attempt again overwrites it. Artifacts in detail
// are stored msgpack-encoded.
func (s *SQLiteStore) SavePipelineExecution(ctx context.Context, exec pipeline.StageExecution, detail *pipeline.ExecutionDetail) error {
	var blob any
	if detail != nil && len(detail.Artifacts) > 0 {
		encoded, err := msgpack.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode execution detail: %w", err)
		}
		blob = encoded
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.timestamp()
	}
	_, err := s.db.ExecWithRetry(ctx,
		`INSERT INTO stage_executions (`+executionColumns+`, detail) VALUES (`+sqlitedb.Placeholders(10)+`)
         ON CONFLICT(work_item_id, attempt) DO UPDATE SET
            finished_at = excluded.finished_at,
            outcome = excluded.outcome,
            error = excluded.error,
            detail = excluded.detail`,
		exec.RunID,
		exec.Stage,
		exec.WorkItemID,
		exec.CanonicalID,
		exec.Attempt,
		sqlitedb.FormatTime(exec.StartedAt),
		formatOptionalTime(exec.FinishedAt),
		string(exec.Outcome),
		sqlitedb.NullableString(exec.Error),
		blob,
	)
	if err != nil {
		return fmt.Errorf("save execution %s attempt %d: %w", exec.WorkItemID, exec.Attempt, err)
	}
	return nil
}

// Executions lists the run's stage attempts, optionally for one work item.
func (s *SQLiteStore) Executions(ctx context.Context, runID, workItemID string) ([]pipeline.StageExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM stage_executions WHERE run_id = ?`
	args := []any{runID}
	if workItemID != "" {
		query += " AND work_item_id = ?"
		args = append(args, workItemID)
	}
	query += " ORDER BY started_at, attempt"

	var out []pipeline.StageExecution
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				exec        pipeline.StageExecution
				startedRaw  string
				finishedRaw sql.NullString
				outcome     string
				errorText   sql.NullString
			)
			if err := rows.Scan(&exec.RunID, &exec.Stage, &exec.WorkItemID, &exec.CanonicalID, &exec.Attempt,
				&startedRaw, &finishedRaw, &outcome, &errorText); err != nil {
				return err
			}
			if ts, err := sqlitedb.ParseTime(startedRaw); err == nil {
				exec.StartedAt = ts
			}
			exec.FinishedAt = parseOptionalTime(finishedRaw)
			exec.Outcome = pipeline.ExecutionOutcome(outcome)
			exec.Error = errorText.String
			out = append(out, exec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// Artifacts merges the artifacts of every successful attempt for a content
// item in execution order; later stages overwrite earlier keys.
func (s *SQLiteStore) Artifacts(ctx context.Context, runID, canonicalID string) (map[string]any, error) {
	merged := make(map[string]any)
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		clear(merged)
		rows, err := s.db.QueryContext(ctx,
			`SELECT detail FROM stage_executions
             WHERE run_id = ? AND canonical_id = ? AND outcome = ? AND detail IS NOT NULL
             ORDER BY finished_at, attempt`,
			runID, canonicalID, string(pipeline.OutcomeSucceeded),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				return err
			}
			var detail pipeline.ExecutionDetail
			if err := msgpack.Unmarshal(blob, &detail); err != nil {
				return fmt.Errorf("decode execution detail: %w", err)
			}
			maps.Copy(merged, detail.Artifacts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	return merged, nil
}

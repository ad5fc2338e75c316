package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
	"vectorflow/internal/sqlitedb"
)

const workItemColumns = "work_item_id, run_id, stage, canonical_id, completed, successful, error, action, last_modified_at, attempts, version, updated_at"

// SaveWorkItemStatus persists status when it carries unsaved changes and then
// clears Changed. A failed write leaves Changed set so the caller can retry.
// Writes touch only the row of this work item.
func (s *SQLiteStore) SaveWorkItemStatus(ctx context.Context, status *pipeline.WorkItemStatus) error {
	if status == nil {
		return errors.New("work item status is nil")
	}
	if !status.Changed {
		return nil
	}
	if status.Successful && !status.Completed {
		return services.Wrap(services.ErrValidation, "state", "save work item", "successful work item must be completed", nil)
	}
	now := s.timestamp()
	res, err := s.db.ExecWithRetry(ctx,
		`UPDATE work_items SET completed = ?, successful = ?, error = ?, attempts = ?, version = version + 1, updated_at = ?
         WHERE work_item_id = ?`,
		sqlitedb.BoolToInt(status.Completed),
		sqlitedb.BoolToInt(status.Successful),
		sqlitedb.NullableString(status.Error),
		status.Attempts,
		sqlitedb.FormatTime(now),
		status.WorkItemID,
	)
	if err != nil {
		return fmt.Errorf("save work item %s: %w", status.WorkItemID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save work item rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "state", "save work item", "work item "+status.WorkItemID+" not found", nil)
	}
	status.Version++
	status.UpdatedAt = now
	status.ClearChanged()
	return nil
}

// GetWorkItem returns nil, nil when the work item does not exist.
func (s *SQLiteStore) GetWorkItem(ctx context.Context, workItemID string) (*pipeline.WorkItemStatus, error) {
	var status *pipeline.WorkItemStatus
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE work_item_id = ?`, workItemID)
		var scanErr error
		status, scanErr = scanWorkItem(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return status, nil
}

// WorkItemsForStage lists the run's work items for stage, or every stage when
// stage is empty, in stage order then canonical id.
func (s *SQLiteStore) WorkItemsForStage(ctx context.Context, runID, stage string) ([]pipeline.WorkItemStatus, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE run_id = ?`
	args := []any{runID}
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, stage)
	}
	query += " ORDER BY stage_index, canonical_id"
	return s.queryWorkItems(ctx, query, args...)
}

// WorkItemsForContent lists every stage's work item for one content item.
func (s *SQLiteStore) WorkItemsForContent(ctx context.Context, runID, canonicalID string) ([]pipeline.WorkItemStatus, error) {
	return s.queryWorkItems(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE run_id = ? AND canonical_id = ? ORDER BY stage_index`,
		runID, canonicalID,
	)
}

func (s *SQLiteStore) queryWorkItems(ctx context.Context, query string, args ...any) ([]pipeline.WorkItemStatus, error) {
	var out []pipeline.WorkItemStatus
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			status, err := scanWorkItem(rows)
			if err != nil {
				return err
			}
			out = append(out, *status)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return out, nil
}

// IsRunComplete reports whether every persisted work item of the run is
// completed. A run header without work items counts as complete.
func (s *SQLiteStore) IsRunComplete(ctx context.Context, runID string) (bool, error) {
	var total, incomplete, headers int
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT
                (SELECT COUNT(1) FROM work_items WHERE run_id = ?),
                (SELECT COUNT(1) FROM work_items WHERE run_id = ? AND completed = 0),
                (SELECT COUNT(1) FROM runs WHERE run_id = ?)`,
			runID, runID, runID,
		).Scan(&total, &incomplete, &headers)
	})
	if err != nil {
		return false, fmt.Errorf("is run complete: %w", err)
	}
	if headers == 0 {
		return false, services.Wrap(services.ErrNotFound, "state", "is run complete", "run "+runID+" not found", nil)
	}
	return incomplete == 0, nil
}

// StageCounts aggregates work item counts per stage.
func (s *SQLiteStore) StageCounts(ctx context.Context, runID string) (map[string]pipeline.StageMetrics, error) {
	counts := make(map[string]pipeline.StageMetrics)
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		clear(counts)
		rows, err := s.db.QueryContext(ctx,
			`SELECT stage, COUNT(1), SUM(completed), SUM(successful) FROM work_items WHERE run_id = ? GROUP BY stage`,
			runID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				stage string
				m     pipeline.StageMetrics
			)
			if err := rows.Scan(&stage, &m.WorkItems, &m.Completed, &m.Successful); err != nil {
				return err
			}
			counts[stage] = m
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	return counts, nil
}

// GetContentItem returns nil, nil when the run has no such content item.
func (s *SQLiteStore) GetContentItem(ctx context.Context, runID, canonicalID string) (*pipeline.ContentItem, error) {
	var (
		item        = pipeline.ContentItem{RunID: runID, CanonicalID: canonicalID}
		action      string
		rawAction   sql.NullString
		modifiedRaw sql.NullString
		fingerprint sql.NullString
	)
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT action, raw_action, last_modified_at, fingerprint FROM content_items WHERE run_id = ? AND canonical_id = ?`,
			runID, canonicalID,
		).Scan(&action, &rawAction, &modifiedRaw, &fingerprint)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content item: %w", err)
	}
	item.Action = pipeline.ContentAction(action)
	item.RawAction = rawAction.String
	item.Fingerprint = fingerprint.String
	item.LastModifiedAt = parseOptionalTime(modifiedRaw)
	return &item, nil
}

func scanWorkItem(scanner interface{ Scan(dest ...any) error }) (*pipeline.WorkItemStatus, error) {
	var (
		status      pipeline.WorkItemStatus
		completed   int
		successful  int
		errorText   sql.NullString
		action      string
		modifiedRaw sql.NullString
		updatedRaw  string
	)
	if err := scanner.Scan(
		&status.WorkItemID,
		&status.RunID,
		&status.Stage,
		&status.ContentItemCanonicalID,
		&completed,
		&successful,
		&errorText,
		&action,
		&modifiedRaw,
		&status.Attempts,
		&status.Version,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	status.Completed = completed != 0
	status.Successful = successful != 0
	status.Error = errorText.String
	status.Action = pipeline.ContentAction(action)
	status.LastModifiedAt = parseOptionalTime(modifiedRaw)
	if ts, err := sqlitedb.ParseTime(updatedRaw); err == nil {
		status.UpdatedAt = ts
	}
	return &status, nil
}

func formatOptionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return sqlitedb.FormatTime(t)
}

func parseOptionalTime(raw sql.NullString) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	ts, err := sqlitedb.ParseTime(raw.String)
	if err != nil {
		return time.Time{}
	}
	return ts
}

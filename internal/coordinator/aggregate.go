package coordinator

import (
	"context"
	"errors"
	"fmt"

	"vectorflow/internal/logging"
	"vectorflow/internal/notifications"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

const maxAggregateAttempts = 5

// AggregateRun refreshes the run header from its work items. When every work
// item has completed, the run becomes completed or completed_with_failures
// and a completion event is published. Concurrent aggregations are resolved
// by re-reading the header on version conflicts.
func (c *Coordinator) AggregateRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	var lastErr error
	for attempt := 0; attempt < maxAggregateAttempts; attempt++ {
		run, err := c.state.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, services.Wrap(services.ErrNotFound, "coordinator", "aggregate run", "run "+runID+" does not exist", nil)
		}
		if run.IsTerminal() {
			return run, nil
		}
		counts, err := c.state.StageCounts(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("stage counts: %w", err)
		}
		complete, err := c.state.IsRunComplete(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("completion check: %w", err)
		}
		if complete {
			run.Complete(c.now(), counts)
		} else {
			run.ApplyMetrics(counts)
			run.FailedCount = 0
			for _, m := range counts {
				run.FailedCount += m.Failed()
			}
		}
		err = c.state.UpdateRun(ctx, run)
		if errors.Is(err, services.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}
		if complete {
			c.runCompleted(ctx, run)
		}
		return run, nil
	}
	return nil, fmt.Errorf("aggregate run %s: %w", runID, lastErr)
}

func (c *Coordinator) runCompleted(ctx context.Context, run *pipeline.Run) {
	ctx = services.WithRunID(services.WithPipeline(ctx, run.PipelineName), run.RunID)
	logger := c.runLogger(ctx, run.RunID)
	logger.Info("run completed",
		logging.String(logging.FieldEventType, "run_completed"),
		logging.String("status", string(run.Status)),
		logging.String("message", run.Message),
		logging.Int("content_items", run.ItemCount),
		logging.Int("failed", run.FailedCount),
	)
	c.closeRunLog(run.RunID)
	_ = c.notifier.Publish(ctx, notifications.EventRunCompleted, notifications.Payload{
		"pipeline": run.PipelineName,
		"run_id":   run.RunID,
		"status":   string(run.Status),
		"message":  run.Message,
		"items":    run.ItemCount,
		"failed":   run.FailedCount,
	})
}

// FailDownstream completes every stage after afterStage for the content item
// unsuccessfully, so a run whose item failed can still terminate.
func (c *Coordinator) FailDownstream(ctx context.Context, run *pipeline.Run, canonicalID, afterStage string) error {
	for idx, name := range run.Stages {
		if name == afterStage {
			return c.failFrom(ctx, run.RunID, canonicalID, idx+1, pipeline.ErrorUpstreamFailed)
		}
	}
	return services.Wrap(services.ErrValidation, "coordinator", "fail downstream", "unknown stage "+afterStage, nil)
}

// failFrom marks the content item's work items from stage index start onward.
// The first is marked with reason, later ones as upstream failures.
func (c *Coordinator) failFrom(ctx context.Context, runID, canonicalID string, start int, reason string) error {
	items, err := c.state.WorkItemsForContent(ctx, runID, canonicalID)
	if err != nil {
		return err
	}
	run, err := c.state.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return services.Wrap(services.ErrNotFound, "coordinator", "fail work items", "run "+runID+" does not exist", nil)
	}
	index := make(map[string]int, len(run.Stages))
	for i, name := range run.Stages {
		index[name] = i
	}
	var errs []error
	for i := range items {
		item := &items[i]
		pos, ok := index[item.Stage]
		if !ok || pos < start || item.Completed {
			continue
		}
		if pos == start {
			item.MarkFailed(reason)
		} else {
			item.MarkFailed(pipeline.ErrorUpstreamFailed)
		}
		if err := c.state.SaveWorkItemStatus(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

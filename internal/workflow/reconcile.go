package workflow

import (
	"context"
	"fmt"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
)

// ReconcileSummary reports what a reconciliation pass repaired.
type ReconcileSummary struct {
	Runs       int
	Requeued   int
	FailedDown int
}

// Reconcile walks every active run and repairs progress lost between a state
// write and the matching queue write: the first incomplete stage of each
// content item is re-enqueued when no live message carries it, later stages
// of an item whose earlier stage failed are failed, and the run header is
// re-aggregated. Duplicate messages this may create are discarded by the
// settled work item check.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	runs, err := m.state.ActiveRuns(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active runs: %w", err)
	}
	if len(runs) == 0 {
		return summary, nil
	}
	byRun := make(map[string][]pipeline.WorkItemStatus, len(runs))
	for _, run := range runs {
		items, err := m.state.WorkItemsForStage(ctx, run.RunID, "")
		if err != nil {
			return summary, fmt.Errorf("list work items of %s: %w", run.RunID, err)
		}
		byRun[run.RunID] = items
	}
	// Read the queue after the state so a message settled in between only
	// yields a duplicate.
	pending, err := m.queue.PendingWorkItems(ctx)
	if err != nil {
		return summary, fmt.Errorf("list pending messages: %w", err)
	}

	for i := range runs {
		run := &runs[i]
		summary.Runs++
		for canonicalID, chain := range contentChains(run, byRun[run.RunID]) {
			m.reconcileContent(ctx, run, canonicalID, chain, pending, &summary)
		}
		if _, err := m.runs.AggregateRun(ctx, run.RunID); err != nil {
			logging.WarnWithContext(m.logger, "run aggregation failed during reconciliation", "reconcile_aggregate_failed",
				logging.String(logging.FieldRunID, run.RunID),
				logging.Error(err),
			)
		}
	}
	return summary, nil
}

func (m *Manager) reconcileContent(ctx context.Context, run *pipeline.Run, canonicalID string, chain []*pipeline.WorkItemStatus, pending map[string]struct{}, summary *ReconcileSummary) {
	for idx, item := range chain {
		if item == nil {
			continue
		}
		if item.Completed {
			if item.Successful {
				continue
			}
			if hasIncomplete(chain[idx+1:]) {
				if err := m.runs.FailDownstream(ctx, run, canonicalID, item.Stage); err != nil {
					logging.WarnWithContext(m.logger, "failed to fail downstream stages", "reconcile_fail_downstream_failed",
						logging.String(logging.FieldRunID, run.RunID),
						logging.String(logging.FieldWorkItemID, item.WorkItemID),
						logging.Error(err),
					)
					return
				}
				summary.FailedDown++
			}
			return
		}
		if _, ok := pending[item.WorkItemID]; ok {
			return
		}
		msg := pipeline.WorkItemMessage{WorkItemID: item.WorkItemID, RunID: run.RunID}
		if _, err := m.queue.SubmitRequest(ctx, msg); err != nil {
			logging.WarnWithContext(m.logger, "work item could not be re-queued", "reconcile_enqueue_failed",
				logging.String(logging.FieldRunID, run.RunID),
				logging.String(logging.FieldWorkItemID, item.WorkItemID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "run stays active until the next reconciliation"),
			)
			return
		}
		summary.Requeued++
		m.logger.Info("work item re-queued",
			logging.String(logging.FieldEventType, "work_item_requeued"),
			logging.String(logging.FieldRunID, run.RunID),
			logging.String(logging.FieldWorkItemID, item.WorkItemID),
			logging.String(logging.FieldStage, item.Stage),
		)
		return
	}
}

// contentChains orders each content item's work items by the run's stages.
func contentChains(run *pipeline.Run, items []pipeline.WorkItemStatus) map[string][]*pipeline.WorkItemStatus {
	index := make(map[string]int, len(run.Stages))
	for i, name := range run.Stages {
		index[name] = i
	}
	chains := make(map[string][]*pipeline.WorkItemStatus)
	for i := range items {
		item := &items[i]
		pos, ok := index[item.Stage]
		if !ok {
			continue
		}
		chain, ok := chains[item.ContentItemCanonicalID]
		if !ok {
			chain = make([]*pipeline.WorkItemStatus, len(run.Stages))
			chains[item.ContentItemCanonicalID] = chain
		}
		chain[pos] = item
	}
	return chains
}

func hasIncomplete(chain []*pipeline.WorkItemStatus) bool {
	for _, item := range chain {
		if item != nil && !item.Completed {
			return true
		}
	}
	return false
}

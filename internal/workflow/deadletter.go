package workflow

import (
	"context"
	"log/slog"

	"vectorflow/internal/logging"
	"vectorflow/internal/notifications"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/queue"
	"vectorflow/internal/services"
	"vectorflow/internal/state"
)

// DeadLetterHandler settles work items whose messages the queue removed after
// too many deliveries. Register it with queue.WithDeadLetterSink.
type DeadLetterHandler struct {
	state    state.Store
	runs     RunAggregator
	notifier notifications.Service
	logger   *slog.Logger
}

var _ queue.DeadLetterSink = (*DeadLetterHandler)(nil)

// NewDeadLetterHandler builds a sink that fails the dead-lettered work item and
// its later stages.
func NewDeadLetterHandler(store state.Store, runs RunAggregator, notifier notifications.Service, logger *slog.Logger) *DeadLetterHandler {
	if notifier == nil {
		notifier = notifications.Noop()
	}
	return &DeadLetterHandler{
		state:    store,
		runs:     runs,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "workflow-dead-letter"),
	}
}

// DeadLettered implements queue.DeadLetterSink.
func (h *DeadLetterHandler) DeadLettered(ctx context.Context, letter queue.DeadLetter) {
	ctx = services.WithWorkItemID(services.WithRunID(ctx, letter.Message.RunID), letter.Message.WorkItemID)
	logger := logging.WithContext(ctx, h.logger).With(logging.String(logging.FieldMessageID, letter.MessageID))

	item, err := h.state.GetWorkItem(ctx, letter.Message.WorkItemID)
	if err != nil {
		h.report(logger, "load work item", err)
		return
	}
	if item == nil {
		logging.WarnWithContext(logger, "dead letter references unknown work item", "dead_letter_unknown",
			logging.String(logging.FieldImpact, "nothing to record"),
		)
		return
	}
	run, err := h.state.GetRun(ctx, item.RunID)
	if err != nil || run == nil {
		h.report(logger, "load run", err)
		return
	}
	ctx = services.WithPipeline(services.WithStage(ctx, item.Stage), run.PipelineName)
	logger = logging.WithContext(ctx, logger)

	if item.Completed && item.Successful {
		logger.Info("dead letter for succeeded work item ignored",
			logging.String(logging.FieldEventType, "dead_letter_settled"),
			logging.Int("dequeue_count", letter.DequeueCount),
			logging.String(logging.FieldImpact, "later stages keep their progress"),
		)
		if _, err := h.runs.AggregateRun(ctx, run.RunID); err != nil {
			h.report(logger, "aggregate run", err)
		}
		return
	}

	if !item.Completed {
		item.Attempts++
		item.MarkFailed(letter.Reason)
		if err := h.state.SaveWorkItemStatus(ctx, item); err != nil {
			h.report(logger, "persist dead-lettered work item", err)
			return
		}
		exec := pipeline.StageExecution{
			RunID:       run.RunID,
			Stage:       item.Stage,
			WorkItemID:  item.WorkItemID,
			CanonicalID: item.ContentItemCanonicalID,
			Attempt:     item.Attempts,
			StartedAt:   letter.DeadLetteredAt,
			FinishedAt:  letter.DeadLetteredAt,
			Outcome:     pipeline.OutcomePoisoned,
			Error:       letter.Reason,
		}
		if err := h.state.SavePipelineExecution(ctx, exec, nil); err != nil {
			logger.Warn("failed to record poisoned execution", logging.Error(err))
		}
	}
	if err := h.runs.FailDownstream(ctx, run, item.ContentItemCanonicalID, item.Stage); err != nil {
		h.report(logger, "fail downstream stages", err)
	}
	if _, err := h.runs.AggregateRun(ctx, run.RunID); err != nil {
		h.report(logger, "aggregate run", err)
	}
	logging.ErrorWithContext(logger, "work item dead-lettered", "work_item_dead_lettered",
		logging.Int("dequeue_count", letter.DequeueCount),
		logging.String("reason", letter.Reason),
		logging.String(logging.FieldImpact, "content item recorded as failed"),
	)
	_ = h.notifier.Publish(ctx, notifications.EventWorkItemDeadLettered, notifications.Payload{
		"pipeline":      run.PipelineName,
		"run_id":        run.RunID,
		"work_item_id":  item.WorkItemID,
		"stage":         item.Stage,
		"canonical_id":  item.ContentItemCanonicalID,
		"dequeue_count": letter.DequeueCount,
		"reason":        letter.Reason,
	})
}

func (h *DeadLetterHandler) report(logger *slog.Logger, operation string, err error) {
	attrs := []logging.Attr{
		logging.String("operation", operation),
		logging.String(logging.FieldErrorHint, "check state database health"),
		logging.String(logging.FieldImpact, "dead-lettered work item may stay incomplete"),
	}
	if err != nil {
		attrs = append(attrs, logging.Error(err))
	}
	logging.ErrorWithContext(logger, "dead letter handling failed", "dead_letter_failed", attrs...)
}

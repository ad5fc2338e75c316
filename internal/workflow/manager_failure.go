package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vectorflow/internal/logging"
	"vectorflow/internal/notifications"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// fail completes the work item unsuccessfully, fails the content item's later
// stages and deletes the message.
func (m *Manager) fail(ctx context.Context, j *job, started time.Time, stageErr error) {
	message := classifyStageFailure(j.item.Stage, stageErr)
	j.item.Attempts++
	j.item.MarkFailed(message)

	details := services.Details(stageErr)
	attrs := []logging.Attr{
		logging.String("error_message", message),
		logging.Alert("stage_failure"),
		logging.String(logging.FieldErrorKind, string(details.Kind)),
		logging.String("error_operation", details.Operation),
		logging.String(logging.FieldErrorHint, details.Hint),
		logging.Int("attempt", j.item.Attempts),
	}
	if details.Cause != nil {
		attrs = append(attrs, logging.Error(details.Cause))
	} else {
		attrs = append(attrs, logging.Error(stageErr))
	}
	logging.ErrorWithContext(j.logger, "stage failed", "stage_failure", attrs...)

	if err := m.state.SaveWorkItemStatus(ctx, j.item); err != nil {
		m.abandon(j.logger, "persist stage failure", err)
		return
	}
	m.recordExecution(ctx, j, started, pipeline.OutcomeFailed, message, nil)
	if err := m.runs.FailDownstream(ctx, j.run, j.item.ContentItemCanonicalID, j.item.Stage); err != nil {
		logging.ErrorWithContext(j.logger, "failed to fail downstream stages", "downstream_fail_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state database health"),
			logging.String(logging.FieldImpact, "run may not reach a terminal status"),
		)
	}
	m.deleteMessage(ctx, j.logger, j.msg)
	m.setLastError(stageErr)
	m.count(func(c *counters) { c.processed++; c.failed++ }, j.item.WorkItemID)
	m.notifyStageError(ctx, j, message)
	m.aggregate(ctx, j)
}

// retry records a transient failure and leaves the message leased. With an
// error visibility timeout the lease is shortened so redelivery happens
// sooner.
func (m *Manager) retry(ctx context.Context, j *job, started time.Time, stageErr error) {
	message := classifyStageFailure(j.item.Stage, stageErr)
	j.item.RecordAttempt(message)
	logging.WarnWithContext(j.logger, "stage failed; will retry", "stage_retry",
		logging.String("error_message", message),
		logging.String(logging.FieldErrorKind, string(services.Kind(stageErr))),
		logging.Int("attempt", j.item.Attempts),
		logging.Error(stageErr),
		logging.String(logging.FieldImpact, "message redelivered after its visibility timeout"),
	)
	if err := m.state.SaveWorkItemStatus(ctx, j.item); err != nil {
		m.abandon(j.logger, "persist retry attempt", err)
		return
	}
	m.recordExecution(ctx, j, started, pipeline.OutcomeRetrying, message, nil)
	m.setLastError(stageErr)
	m.count(func(c *counters) { c.retried++ }, j.item.WorkItemID)

	if m.errorVisibility <= 0 {
		return
	}
	receipt, held := m.inflight.Receipt(j.msg.MessageID)
	if !held {
		return
	}
	if receipt == "" {
		receipt = j.msg.PopReceipt
	}
	next, err := m.queue.ExtendLease(ctx, j.msg.MessageID, receipt, m.errorVisibility)
	if err != nil {
		if !errors.Is(err, services.ErrLeaseExpired) {
			j.logger.Warn("failed to shorten lease after transient failure",
				logging.Error(err),
				logging.String(logging.FieldEventType, "lease_shorten_failed"),
			)
		}
		return
	}
	m.inflight.UpdateReceipt(j.msg.MessageID, next)
}

func classifyStageFailure(stageName string, stageErr error) string {
	if stageErr == nil {
		return stageName + " failed without error detail"
	}
	message := strings.TrimSpace(services.Details(stageErr).Message)
	if message == "" {
		message = strings.TrimSpace(stageErr.Error())
	}
	if message == "" {
		message = fmt.Sprintf("%s failed", stageName)
	}
	return message
}

func (m *Manager) notifyStageError(ctx context.Context, j *job, message string) {
	err := m.notifier.Publish(ctx, notifications.EventWorkItemFailed, notifications.Payload{
		"pipeline":     j.run.PipelineName,
		"run_id":       j.run.RunID,
		"work_item_id": j.item.WorkItemID,
		"stage":        j.item.Stage,
		"canonical_id": j.item.ContentItemCanonicalID,
		"error":        message,
	})
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		j.logger.Debug("daemon shutting down, could not send failure notification")
		return
	}
	j.logger.Debug("stage failure notification failed", logging.Error(err))
}

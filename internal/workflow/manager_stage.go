package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/registry"
	"vectorflow/internal/services"
	"vectorflow/internal/stage"
)

// job is one leased message resolved against the state store.
type job struct {
	msg     pipeline.DequeuedMessage
	run     *pipeline.Run
	item    *pipeline.WorkItemStatus
	def     pipeline.Definition
	stage   pipeline.StageDefinition
	handler stage.Handler
	content pipeline.ContentItem
	logger  *slog.Logger
}

func (m *Manager) processMessage(ctx context.Context, msg pipeline.DequeuedMessage) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	ctx = services.WithRunID(ctx, msg.Message.RunID)
	ctx = services.WithWorkItemID(ctx, msg.Message.WorkItemID)
	logger := logging.WithContext(ctx, m.logger).With(
		logging.String(logging.FieldMessageID, msg.MessageID),
		logging.Int("dequeue_count", msg.DequeueCount),
	)

	j, ok := m.load(ctx, logger, msg)
	if !ok {
		return
	}
	m.execute(ctx, j)
}

// load resolves the work item, run, definition and handler for msg. Messages
// that cannot be resolved are settled here and false is returned.
func (m *Manager) load(ctx context.Context, logger *slog.Logger, msg pipeline.DequeuedMessage) (*job, bool) {
	if msg.Message.WorkItemID == "" || msg.Message.RunID == "" {
		logging.WarnWithContext(logger, "discarding malformed message", "message_malformed",
			logging.String(logging.FieldImpact, "message deleted"),
		)
		m.deleteMessage(ctx, logger, msg)
		return nil, false
	}
	item, err := m.state.GetWorkItem(ctx, msg.Message.WorkItemID)
	if err != nil {
		m.abandon(logger, "load work item", err)
		return nil, false
	}
	run, err := m.state.GetRun(ctx, msg.Message.RunID)
	if err != nil {
		m.abandon(logger, "load run", err)
		return nil, false
	}
	if item == nil || run == nil || item.RunID != run.RunID {
		logging.WarnWithContext(logger, "discarding message for unknown work item", "work_item_unknown",
			logging.Bool("work_item_found", item != nil),
			logging.Bool("run_found", run != nil),
			logging.String(logging.FieldImpact, "message deleted; nothing to report against"),
		)
		m.deleteMessage(ctx, logger, msg)
		return nil, false
	}
	if item.Completed || run.IsTerminal() {
		logger.Info("discarding message for settled work item",
			logging.String(logging.FieldEventType, "work_item_duplicate"),
			logging.Bool("work_item_completed", item.Completed),
			logging.String("run_status", string(run.Status)),
		)
		m.deleteMessage(ctx, logger, msg)
		return nil, false
	}

	ctx = services.WithPipeline(services.WithStage(ctx, item.Stage), run.PipelineName)
	logger = logging.StageLogger(m.cfg, m.runLogger(ctx, run.RunID), item.Stage).With(
		logging.String(logging.FieldMessageID, msg.MessageID),
		logging.Int("dequeue_count", msg.DequeueCount),
	)
	j := &job{msg: msg, run: run, item: item, logger: logger}

	def, err := m.catalog.Get(run.PipelineName)
	if err != nil {
		m.fail(ctx, j, m.now().UTC(), services.Wrap(services.ErrConfiguration, "workflow", "resolve pipeline",
			"pipeline "+run.PipelineName+" is no longer defined", err))
		return nil, false
	}
	j.def = def
	stageDef, ok := def.Stage(item.Stage)
	if !ok {
		m.fail(ctx, j, m.now().UTC(), services.Wrap(services.ErrConfiguration, "workflow", "resolve stage",
			fmt.Sprintf("stage %s is not defined in pipeline %s", item.Stage, def.Name), nil))
		return nil, false
	}
	j.stage = stageDef
	handler, err := m.stages.Get(stageDef.Plugin)
	if err != nil {
		m.fail(ctx, j, m.now().UTC(), err)
		return nil, false
	}
	j.handler = handler
	content, err := m.state.GetContentItem(ctx, run.RunID, item.ContentItemCanonicalID)
	if err != nil {
		m.abandon(logger, "load content item", err)
		return nil, false
	}
	if content == nil {
		m.fail(ctx, j, m.now().UTC(), services.Wrap(services.ErrNotFound, "workflow", "load content item",
			"content item "+item.ContentItemCanonicalID+" is missing", nil))
		return nil, false
	}
	j.content = *content
	return j, true
}

func (m *Manager) execute(ctx context.Context, j *job) {
	ctx = services.WithPipeline(services.WithStage(ctx, j.item.Stage), j.run.PipelineName)
	started := m.now().UTC()
	j.logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("plugin", j.stage.Plugin),
		logging.String("canonical_id", j.content.CanonicalID),
		logging.String("action", string(j.content.Action)),
	)

	artifacts, err := m.state.Artifacts(ctx, j.run.RunID, j.content.CanonicalID)
	if err != nil {
		m.abandon(j.logger, "load artifacts", err)
		return
	}
	task := stage.NewTask(j.run, j.item, j.stage, j.content, artifacts)

	stageCtx := ctx
	if m.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, m.stageTimeout)
		defer cancel()
	}

	result, execErr := m.runHandler(stageCtx, j.handler, task)
	if execErr == nil {
		m.succeed(ctx, j, started, result)
		return
	}
	if ctx.Err() != nil {
		if _, held := m.inflight.Receipt(j.msg.MessageID); !held {
			j.logger.Warn("stage abandoned after lease loss",
				logging.String(logging.FieldEventType, "stage_abandoned"),
				logging.String(logging.FieldImpact, "another worker processes the message"),
			)
		} else {
			j.logger.Debug("stage interrupted by shutdown")
		}
		return
	}
	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = services.Wrap(services.ErrTimeout, j.item.Stage, "execute",
			fmt.Sprintf("stage exceeded %s", m.stageTimeout), execErr)
	}
	if services.IsTerminal(execErr) {
		m.fail(ctx, j, started, execErr)
		return
	}
	m.retry(ctx, j, started, execErr)
}

func (m *Manager) runHandler(ctx context.Context, handler stage.Handler, task *stage.Task) (result stage.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = services.Terminal(task.Stage.Name, "execute", fmt.Sprintf("stage panicked: %v", r), nil)
		}
	}()
	if err := handler.Prepare(ctx, task); err != nil {
		return stage.Result{}, err
	}
	return handler.Execute(ctx, task)
}

// succeed queues the next stage before recording this one as completed, so a
// crash in between redelivers this stage instead of losing the next.
func (m *Manager) succeed(ctx context.Context, j *job, started time.Time, result stage.Result) {
	j.item.Attempts++
	m.recordExecution(ctx, j, started, pipeline.OutcomeSucceeded, "", result.Artifacts)
	next, hasNext := j.run.NextStage(j.item.Stage)
	if hasNext {
		m.enqueueNext(ctx, j, next)
	}

	j.item.MarkSucceeded()
	if err := m.state.SaveWorkItemStatus(ctx, j.item); err != nil {
		m.abandon(j.logger, "persist stage result", err)
		return
	}

	if !hasNext && m.registry != nil {
		if err := m.registry.Upsert(ctx, j.def.Name, registry.EntryFor(j.content)); err != nil {
			logging.ErrorWithContext(j.logger, "failed to record content in registry", "registry_upsert_failed",
				logging.String("canonical_id", j.content.CanonicalID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check registry backend health"),
				logging.String(logging.FieldImpact, "content item is processed again by the next run"),
			)
		}
	}

	m.deleteMessage(ctx, j.logger, j.msg)
	m.count(func(c *counters) { c.processed++; c.succeeded++ }, j.item.WorkItemID)
	j.logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("artifacts", len(result.Artifacts)),
		logging.Duration("stage_duration", m.now().Sub(started)),
	)
	m.aggregate(ctx, j)
}

func (m *Manager) enqueueNext(ctx context.Context, j *job, next string) {
	msg := pipeline.WorkItemMessage{
		WorkItemID: pipeline.WorkItemID(j.run.RunID, next, j.content.CanonicalID),
		RunID:      j.run.RunID,
	}
	_, err := m.queue.SubmitRequest(ctx, msg)
	if err == nil {
		return
	}
	logging.WarnWithContext(j.logger, "next stage could not be queued", "work_item_enqueue_failed",
		logging.String("next_stage", next),
		logging.String(logging.FieldWorkItemID, msg.WorkItemID),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"),
		logging.String(logging.FieldImpact, "content item recorded as failed"),
	)
	nextItem, err := m.state.GetWorkItem(ctx, msg.WorkItemID)
	if err != nil || nextItem == nil {
		m.abandon(j.logger, "load next work item", err)
		return
	}
	nextItem.MarkFailed(pipeline.ErrorNotQueued)
	if err := m.state.SaveWorkItemStatus(ctx, nextItem); err != nil {
		m.abandon(j.logger, "persist unqueued work item", err)
		return
	}
	if err := m.runs.FailDownstream(ctx, j.run, j.content.CanonicalID, next); err != nil {
		m.abandon(j.logger, "fail downstream stages", err)
	}
}

func (m *Manager) recordExecution(ctx context.Context, j *job, started time.Time, outcome pipeline.ExecutionOutcome, errText string, artifacts map[string]any) {
	exec := pipeline.StageExecution{
		RunID:       j.run.RunID,
		Stage:       j.item.Stage,
		WorkItemID:  j.item.WorkItemID,
		CanonicalID: j.item.ContentItemCanonicalID,
		Attempt:     j.item.Attempts,
		StartedAt:   started,
		FinishedAt:  m.now().UTC(),
		Outcome:     outcome,
		Error:       errText,
	}
	var detail *pipeline.ExecutionDetail
	if len(artifacts) > 0 {
		detail = &pipeline.ExecutionDetail{Artifacts: artifacts}
	}
	if err := m.state.SavePipelineExecution(ctx, exec, detail); err != nil {
		j.logger.Warn("failed to record stage execution",
			logging.Error(err),
			logging.String(logging.FieldEventType, "execution_record_failed"),
			logging.String(logging.FieldImpact, "execution history incomplete"),
		)
	}
}

func (m *Manager) deleteMessage(ctx context.Context, logger *slog.Logger, msg pipeline.DequeuedMessage) {
	receipt, held := m.inflight.Receipt(msg.MessageID)
	if receipt == "" {
		receipt = msg.PopReceipt
	}
	if !held && m.inflight.Contains(msg.MessageID) {
		logger.Debug("skipping delete of lost lease")
		return
	}
	err := m.queue.DeleteRequest(context.WithoutCancel(ctx), msg.MessageID, receipt)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrLeaseExpired):
		logger.Info("delete raced with lease expiry",
			logging.String(logging.FieldEventType, "delete_lease_expired"),
			logging.String(logging.FieldImpact, "message may be delivered again; the settled work item is skipped"),
		)
	default:
		logging.WarnWithContext(logger, "failed to delete message", "message_delete_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
	}
}

func (m *Manager) aggregate(ctx context.Context, j *job) {
	if _, err := m.runs.AggregateRun(context.WithoutCancel(ctx), j.run.RunID); err != nil {
		m.setLastError(err)
		logging.ErrorWithContext(j.logger, "failed to aggregate run", "run_aggregate_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state database health"),
		)
	}
}

// abandon leaves the message leased so it is redelivered after the lease
// expires.
func (m *Manager) abandon(logger *slog.Logger, operation string, err error) {
	if err == nil {
		err = errors.New("record not found")
	}
	m.setLastError(err)
	logging.ErrorWithContext(logger, "work item processing interrupted", "work_item_abandoned",
		logging.String("operation", operation),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check state database health"),
		logging.String(logging.FieldImpact, "message is redelivered after its lease expires"),
	)
}

func (m *Manager) runLogger(ctx context.Context, runID string) *slog.Logger {
	logger := logging.WithContext(ctx, m.logger)
	if m.runLogs == nil {
		return logger
	}
	withFile, err := m.runLogs.For(logger, runID)
	if err != nil {
		return logger
	}
	return withFile
}

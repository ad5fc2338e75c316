package workflow

import (
	"context"
	"errors"
	"time"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
)

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages.Names()) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(2)
	m.mu.Unlock()

	if summary, err := m.Reconcile(runCtx); err != nil {
		m.setLastError(err)
		logging.WarnWithContext(m.logger, "startup reconciliation failed", "reconcile_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state and queue database access"),
			logging.String(logging.FieldImpact, "runs interrupted by a crash may stay active"),
		)
	} else if summary.Requeued > 0 || summary.FailedDown > 0 {
		m.logger.Info("reconciled active runs",
			logging.String(logging.FieldEventType, "reconcile_complete"),
			logging.Int("runs", summary.Runs),
			logging.Int("requeued", summary.Requeued),
			logging.Int("failed_downstream", summary.FailedDown),
		)
	}

	go m.inflight.StartLoop(runCtx, &m.wg)
	go m.runLoop(runCtx)

	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_started"),
		logging.Int("concurrency", m.pool.Cap()),
		logging.Int("batch_size", m.batchSize),
	)
	return nil
}

// Stop terminates background processing and waits for in-flight stages.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.tasks.Wait()
}

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := m.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.handlePollError(ctx, err)
			continue
		}
		if n == 0 {
			m.waitForWork(ctx)
		}
	}
}

// Poll leases as many messages as the pool has free slots for, up to the
// batch size, and submits them. It returns the number submitted.
func (m *Manager) Poll(ctx context.Context) (int, error) {
	free := m.pool.Free()
	if free <= 0 {
		return 0, nil
	}
	has, err := m.queue.HasRequests(ctx)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, nil
	}
	msgs, err := m.queue.ReceiveRequests(ctx, min(m.batchSize, free))
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, msg := range msgs {
		if m.dispatch(ctx, msg) {
			submitted++
		}
	}
	return submitted, nil
}

func (m *Manager) dispatch(ctx context.Context, msg pipeline.DequeuedMessage) bool {
	stageCtx, cancel := context.WithCancel(ctx)
	if !m.inflight.Add(msg, cancel) {
		cancel()
		m.logger.Debug("message already in flight",
			logging.String(logging.FieldMessageID, msg.MessageID),
		)
		return false
	}
	m.tasks.Add(1)
	err := m.pool.Submit(func() {
		defer m.tasks.Done()
		defer m.signalIdle()
		defer m.inflight.Remove(msg.MessageID)
		defer cancel()
		m.processMessage(stageCtx, msg)
	})
	if err != nil {
		m.tasks.Done()
		m.inflight.Remove(msg.MessageID)
		cancel()
		m.setLastError(err)
		m.logger.Error("failed to submit work item to pool",
			logging.String(logging.FieldMessageID, msg.MessageID),
			logging.String(logging.FieldWorkItemID, msg.Message.WorkItemID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "pool_submit_failed"),
			logging.String(logging.FieldImpact, "message is redelivered after its lease expires"),
		)
		return false
	}
	return true
}

func (m *Manager) signalIdle() {
	select {
	case m.idle <- struct{}{}:
	default:
	}
}

func (m *Manager) handlePollError(ctx context.Context, err error) {
	m.setLastError(err)
	m.logger.Error("failed to receive work items",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(m.errorRetry):
	}
}

func (m *Manager) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.idle:
	case <-time.After(m.pollInterval):
	}
}

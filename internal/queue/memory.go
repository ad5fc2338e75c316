package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// MemoryQueue is a process-local Queue guarded by a mutex. It follows the
// same lease and dead-letter rules as SQLiteQueue.
type MemoryQueue struct {
	opts options

	mu          sync.Mutex
	seq         int64
	messages    map[string]*memoryMessage
	deadLetters []DeadLetter
	closed      bool
}

type memoryMessage struct {
	id           string
	seq          int64
	msg          pipeline.WorkItemMessage
	enqueuedAt   time.Time
	visibleAt    time.Time
	dequeueCount int
	popReceipt   string
}

// NewMemory constructs an empty in-memory queue.
func NewMemory(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:     buildOptions(opts),
		messages: make(map[string]*memoryMessage),
	}
}

func (q *MemoryQueue) now() time.Time {
	return q.opts.now().UTC()
}

// HasRequests reports whether any message is currently visible.
func (q *MemoryQueue) HasRequests(context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, m := range q.messages {
		if !m.visibleAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// SubmitRequest enqueues msg and returns its message id.
func (q *MemoryQueue) SubmitRequest(_ context.Context, msg pipeline.WorkItemMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errClosed
	}
	q.seq++
	now := q.now()
	m := &memoryMessage{
		id:         uuid.NewString(),
		seq:        q.seq,
		msg:        msg,
		enqueuedAt: now,
		visibleAt:  now,
	}
	q.messages[m.id] = m
	return m.id, nil
}

// ReceiveRequests leases up to count visible messages, dead-lettering those
// that exceeded the maximum dequeue count.
func (q *MemoryQueue) ReceiveRequests(ctx context.Context, count int) ([]pipeline.DequeuedMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	now := q.now()
	visible := make([]*memoryMessage, 0, len(q.messages))
	for _, m := range q.messages {
		if !m.visibleAt.After(now) {
			visible = append(visible, m)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].visibleAt.Equal(visible[j].visibleAt) {
			return visible[i].visibleAt.Before(visible[j].visibleAt)
		}
		return visible[i].seq < visible[j].seq
	})

	var (
		leased   []pipeline.DequeuedMessage
		poisoned []DeadLetter
	)
	for _, m := range visible {
		if len(leased) >= count {
			break
		}
		if m.dequeueCount+1 > q.opts.maxDequeueCount {
			cause := poisonReason(m.id, m.dequeueCount+1, q.opts.maxDequeueCount)
			letter := DeadLetter{
				MessageID:      m.id,
				Message:        m.msg,
				DequeueCount:   m.dequeueCount,
				EnqueuedAt:     m.enqueuedAt,
				DeadLetteredAt: now,
				Reason:         cause.Error(),
				Err:            cause,
			}
			delete(q.messages, m.id)
			q.deadLetters = append(q.deadLetters, letter)
			poisoned = append(poisoned, letter)
			continue
		}
		m.dequeueCount++
		m.popReceipt = uuid.NewString()
		m.visibleAt = now.Add(q.opts.visibility)
		leased = append(leased, pipeline.DequeuedMessage{
			Message:      m.msg,
			MessageID:    m.id,
			PopReceipt:   m.popReceipt,
			DequeueCount: m.dequeueCount,
			LeasedUntil:  m.visibleAt,
		})
	}
	q.mu.Unlock()

	reportDeadLetters(ctx, q.opts, poisoned)
	return leased, nil
}

// DeleteRequest removes a message leased with popReceipt.
func (q *MemoryQueue) DeleteRequest(_ context.Context, messageID, popReceipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.messages[messageID]
	if !ok || m.popReceipt == "" || m.popReceipt != popReceipt {
		return &services.LeaseExpiredError{MessageID: messageID, Operation: "delete"}
	}
	delete(q.messages, messageID)
	return nil
}

// ExtendLease moves the visibility of a leased message and returns the new
// pop receipt.
func (q *MemoryQueue) ExtendLease(_ context.Context, messageID, popReceipt string, visibility time.Duration) (string, error) {
	if visibility < 0 {
		visibility = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.messages[messageID]
	if !ok || m.popReceipt == "" || m.popReceipt != popReceipt {
		return "", &services.LeaseExpiredError{MessageID: messageID, Operation: "extend"}
	}
	m.popReceipt = uuid.NewString()
	m.visibleAt = q.now().Add(visibility)
	return m.popReceipt, nil
}

// Stats returns visible, leased and dead-lettered counts.
func (q *MemoryQueue) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	stats := Stats{DeadLettered: len(q.deadLetters)}
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			stats.Leased++
		} else {
			stats.Visible++
		}
	}
	return stats, nil
}

// PendingWorkItems returns the work item ids carried by live messages.
func (q *MemoryQueue) PendingWorkItems(context.Context) (map[string]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make(map[string]struct{}, len(q.messages))
	for _, m := range q.messages {
		ids[m.msg.WorkItemID] = struct{}{}
	}
	return ids, nil
}

// DeadLetters lists recent dead letters, newest first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, 0, min(limit, len(q.deadLetters)))
	for i := len(q.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.deadLetters[i])
	}
	return out, nil
}

// Close marks the queue closed for new submissions.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

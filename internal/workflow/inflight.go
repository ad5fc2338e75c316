package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// LeaseExtender renews message leases.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, messageID, popReceipt string, visibility time.Duration) (string, error)
}

type inflightEntry struct {
	msg     pipeline.DequeuedMessage
	receipt string
	cancel  context.CancelFunc
	lost    bool
}

// InFlight tracks messages being processed by this worker and keeps their
// leases alive.
type InFlight struct {
	leases     LeaseExtender
	logger     *slog.Logger
	interval   time.Duration
	visibility time.Duration

	mu      sync.Mutex
	entries map[string]*inflightEntry
}

// NewInFlight creates a registry that renews each lease every interval for
// visibility. A non-positive interval disables renewal.
func NewInFlight(leases LeaseExtender, logger *slog.Logger, interval, visibility time.Duration) *InFlight {
	return &InFlight{
		leases:     leases,
		logger:     logging.NewComponentLogger(logger, "workflow-lease"),
		interval:   interval,
		visibility: visibility,
		entries:    make(map[string]*inflightEntry),
	}
}

// Add registers msg and returns false when its message id is already in
// flight. cancel is called if the lease is found to be lost.
func (f *InFlight) Add(msg pipeline.DequeuedMessage, cancel context.CancelFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[msg.MessageID]; ok {
		return false
	}
	f.entries[msg.MessageID] = &inflightEntry{msg: msg, receipt: msg.PopReceipt, cancel: cancel}
	return true
}

// Contains reports whether messageID is in flight.
func (f *InFlight) Contains(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[messageID]
	return ok
}

// Receipt returns the current pop receipt of messageID and whether the lease
// is still held.
func (f *InFlight) Receipt(messageID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[messageID]
	if !ok {
		return "", false
	}
	return entry.receipt, !entry.lost
}

// UpdateReceipt stores a receipt obtained outside the renewal loop.
func (f *InFlight) UpdateReceipt(messageID, receipt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[messageID]; ok && receipt != "" {
		entry.receipt = receipt
	}
}

// Remove forgets messageID.
func (f *InFlight) Remove(messageID string) {
	f.mu.Lock()
	delete(f.entries, messageID)
	f.mu.Unlock()
}

// Len returns the number of messages in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Renew extends every held lease once. Leases reported expired are marked
// lost and their stage contexts cancelled.
func (f *InFlight) Renew(ctx context.Context) {
	f.mu.Lock()
	pending := make([]*inflightEntry, 0, len(f.entries))
	for _, entry := range f.entries {
		if !entry.lost {
			pending = append(pending, entry)
		}
	}
	f.mu.Unlock()

	for _, entry := range pending {
		f.mu.Lock()
		receipt := entry.receipt
		f.mu.Unlock()
		next, err := f.leases.ExtendLease(ctx, entry.msg.MessageID, receipt, f.visibility)
		switch {
		case err == nil:
			f.mu.Lock()
			entry.receipt = next
			f.mu.Unlock()
		case errors.Is(err, services.ErrLeaseExpired):
			f.mu.Lock()
			entry.lost = true
			f.mu.Unlock()
			if entry.cancel != nil {
				entry.cancel()
			}
			logging.WarnWithContext(f.logger, "lease lost while processing", "lease_lost",
				logging.String(logging.FieldMessageID, entry.msg.MessageID),
				logging.String(logging.FieldWorkItemID, entry.msg.Message.WorkItemID),
				logging.String(logging.FieldRunID, entry.msg.Message.RunID),
				logging.String(logging.FieldImpact, "stage cancelled; another worker owns the message"),
			)
		case errors.Is(err, context.Canceled):
			return
		default:
			f.logger.Warn("lease renewal failed",
				logging.String(logging.FieldMessageID, entry.msg.MessageID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "lease_renew_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
	}
}

// StartLoop renews leases every interval until ctx is cancelled.
func (f *InFlight) StartLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if f.interval <= 0 {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Renew(ctx)
		}
	}
}

package queue_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/queue"
	"vectorflow/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	open func(t *testing.T, opts ...queue.Option) queue.Queue
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T, opts ...queue.Option) queue.Queue {
			return queue.NewMemory(opts...)
		}},
		{name: "sqlite", open: func(t *testing.T, opts ...queue.Option) queue.Queue {
			t.Helper()
			q, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), opts...)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = q.Close() })
			return q
		}},
	}
}

func submit(t *testing.T, q queue.Queue, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.SubmitRequest(context.Background(), pipeline.WorkItemMessage{
			WorkItemID: fmt.Sprintf("wi-%d", i),
			RunID:      "run-1",
		})
		if err != nil {
			t.Fatalf("SubmitRequest: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestReceiveLeasesAndDelete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			q := b.open(t, queue.WithClock(clock.Now))
			ctx := context.Background()
			submit(t, q, 1)

			has, err := q.HasRequests(ctx)
			if err != nil || !has {
				t.Fatalf("expected visible request, got %v (%v)", has, err)
			}
			msgs, err := q.ReceiveRequests(ctx, 5)
			if err != nil {
				t.Fatalf("ReceiveRequests: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			msg := msgs[0]
			if msg.DequeueCount != 1 || msg.PopReceipt == "" {
				t.Fatalf("unexpected lease %+v", msg)
			}
			if msg.Message.WorkItemID != "wi-0" || msg.Message.RunID != "run-1" {
				t.Fatalf("unexpected payload %+v", msg.Message)
			}
			if has, _ := q.HasRequests(ctx); has {
				t.Fatal("expected leased message to be invisible")
			}
			stats, err := q.Stats(ctx)
			if err != nil || stats.Leased != 1 || stats.Visible != 0 {
				t.Fatalf("unexpected stats %+v (%v)", stats, err)
			}
			if err := q.DeleteRequest(ctx, msg.MessageID, msg.PopReceipt); err != nil {
				t.Fatalf("DeleteRequest: %v", err)
			}
			err = q.DeleteRequest(ctx, msg.MessageID, msg.PopReceipt)
			if !errors.Is(err, services.ErrLeaseExpired) {
				t.Fatalf("expected lease expired on second delete, got %v", err)
			}
		})
	}
}

func TestRedeliveryIncrementsDequeueCount(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			q := b.open(t, queue.WithClock(clock.Now), queue.WithVisibilityTimeout(30*time.Second))
			ctx := context.Background()
			submit(t, q, 1)

			first, err := q.ReceiveRequests(ctx, 1)
			if err != nil || len(first) != 1 {
				t.Fatalf("first receive: %v %v", first, err)
			}

			clock.Advance(29 * time.Second)
			if again, _ := q.ReceiveRequests(ctx, 1); len(again) != 0 {
				t.Fatal("expected message to stay invisible inside the lease")
			}

			clock.Advance(2 * time.Second)
			second, err := q.ReceiveRequests(ctx, 1)
			if err != nil || len(second) != 1 {
				t.Fatalf("second receive: %v %v", second, err)
			}
			if second[0].DequeueCount != first[0].DequeueCount+1 {
				t.Fatalf("expected dequeue count %d, got %d", first[0].DequeueCount+1, second[0].DequeueCount)
			}
			if second[0].PopReceipt == first[0].PopReceipt {
				t.Fatal("expected a fresh pop receipt per lease")
			}

			err = q.DeleteRequest(ctx, first[0].MessageID, first[0].PopReceipt)
			if !errors.Is(err, services.ErrLeaseExpired) {
				t.Fatalf("expected stale receipt to be rejected, got %v", err)
			}
			if err := q.DeleteRequest(ctx, second[0].MessageID, second[0].PopReceipt); err != nil {
				t.Fatalf("delete with current receipt: %v", err)
			}
		})
	}
}

func TestDeadLetterAfterMaxDequeueCount(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			var (
				mu      sync.Mutex
				reports []queue.DeadLetter
			)
			sink := queue.DeadLetterSinkFunc(func(_ context.Context, letter queue.DeadLetter) {
				mu.Lock()
				reports = append(reports, letter)
				mu.Unlock()
			})
			q := b.open(t,
				queue.WithClock(clock.Now),
				queue.WithVisibilityTimeout(10*time.Second),
				queue.WithMaxDequeueCount(3),
				queue.WithDeadLetterSink(sink),
			)
			ctx := context.Background()
			submit(t, q, 1)

			for attempt := 1; attempt <= 3; attempt++ {
				msgs, err := q.ReceiveRequests(ctx, 1)
				if err != nil || len(msgs) != 1 {
					t.Fatalf("attempt %d: expected lease, got %v (%v)", attempt, msgs, err)
				}
				if msgs[0].DequeueCount != attempt {
					t.Fatalf("attempt %d: unexpected dequeue count %d", attempt, msgs[0].DequeueCount)
				}
				clock.Advance(11 * time.Second)
			}

			msgs, err := q.ReceiveRequests(ctx, 1)
			if err != nil {
				t.Fatalf("ReceiveRequests: %v", err)
			}
			if len(msgs) != 0 {
				t.Fatalf("expected poison message to be withheld, got %+v", msgs)
			}

			clock.Advance(time.Hour)
			if msgs, _ := q.ReceiveRequests(ctx, 1); len(msgs) != 0 {
				t.Fatal("expected dead-lettered message never to be redelivered")
			}
			if has, _ := q.HasRequests(ctx); has {
				t.Fatal("expected no visible requests after dead-lettering")
			}

			mu.Lock()
			defer mu.Unlock()
			if len(reports) != 1 {
				t.Fatalf("expected one dead-letter report, got %d", len(reports))
			}
			if !errors.Is(reports[0].Err, services.ErrPoisonMessage) {
				t.Fatalf("expected poison marker, got %v", reports[0].Err)
			}
			if reports[0].Message.WorkItemID != "wi-0" || reports[0].DequeueCount != 3 {
				t.Fatalf("unexpected report %+v", reports[0])
			}

			letters, err := q.DeadLetters(ctx, 10)
			if err != nil || len(letters) != 1 {
				t.Fatalf("expected stored dead letter, got %v (%v)", letters, err)
			}
			stats, _ := q.Stats(ctx)
			if stats.DeadLettered != 1 || stats.Total() != 0 {
				t.Fatalf("unexpected stats %+v", stats)
			}
		})
	}
}

func TestExtendLeaseRotatesReceipt(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			q := b.open(t, queue.WithClock(clock.Now), queue.WithVisibilityTimeout(30*time.Second))
			ctx := context.Background()
			submit(t, q, 1)

			msgs, _ := q.ReceiveRequests(ctx, 1)
			if len(msgs) != 1 {
				t.Fatal("expected lease")
			}
			clock.Advance(20 * time.Second)
			receipt, err := q.ExtendLease(ctx, msgs[0].MessageID, msgs[0].PopReceipt, 30*time.Second)
			if err != nil {
				t.Fatalf("ExtendLease: %v", err)
			}
			if receipt == msgs[0].PopReceipt {
				t.Fatal("expected a new receipt")
			}
			clock.Advance(20 * time.Second)
			if again, _ := q.ReceiveRequests(ctx, 1); len(again) != 0 {
				t.Fatal("expected extended lease to keep the message invisible")
			}
			if _, err := q.ExtendLease(ctx, msgs[0].MessageID, msgs[0].PopReceipt, time.Second); !errors.Is(err, services.ErrLeaseExpired) {
				t.Fatalf("expected old receipt to be stale, got %v", err)
			}

			// Zero visibility releases the message for immediate redelivery.
			if _, err := q.ExtendLease(ctx, msgs[0].MessageID, receipt, 0); err != nil {
				t.Fatalf("release: %v", err)
			}
			again, err := q.ReceiveRequests(ctx, 1)
			if err != nil || len(again) != 1 || again[0].DequeueCount != 2 {
				t.Fatalf("expected redelivery after release, got %+v (%v)", again, err)
			}
		})
	}
}

func TestConcurrentConsumersNeverShareMessages(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			q := b.open(t, queue.WithClock(clock.Now))
			const total = 40
			submit(t, q, total)

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
			)
			ctx := context.Background()
			for worker := 0; worker < 6; worker++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						msgs, err := q.ReceiveRequests(ctx, 3)
						if err != nil {
							t.Errorf("ReceiveRequests: %v", err)
							return
						}
						if len(msgs) == 0 {
							return
						}
						mu.Lock()
						for _, m := range msgs {
							seen[m.MessageID]++
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != total {
				t.Fatalf("expected %d distinct messages, got %d", total, len(seen))
			}
			for id, n := range seen {
				if n != 1 {
					t.Fatalf("message %s leased %d times", id, n)
				}
			}
		})
	}
}

func TestSQLiteQueueSharedAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	clock := newFakeClock()
	a, err := queue.OpenSQLite(path, queue.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := queue.OpenSQLite(path, queue.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if _, err := a.SubmitRequest(ctx, pipeline.WorkItemMessage{WorkItemID: "wi-1", RunID: "run-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fromA, err := a.ReceiveRequests(ctx, 1)
	if err != nil || len(fromA) != 1 {
		t.Fatalf("receive a: %v %v", fromA, err)
	}
	fromB, err := b.ReceiveRequests(ctx, 1)
	if err != nil || len(fromB) != 0 {
		t.Fatalf("expected handle b to see nothing, got %v (%v)", fromB, err)
	}
	if err := b.DeleteRequest(ctx, fromA[0].MessageID, fromA[0].PopReceipt); err != nil {
		t.Fatalf("delete through other handle: %v", err)
	}
}

func TestPendingWorkItemsCoversVisibleAndLeased(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.open(t, queue.WithClock(newFakeClock().Now))
			submit(t, q, 3)

			msgs, err := q.ReceiveRequests(ctx, 2)
			if err != nil || len(msgs) != 2 {
				t.Fatalf("ReceiveRequests: %v (%d messages)", err, len(msgs))
			}
			if err := q.DeleteRequest(ctx, msgs[0].MessageID, msgs[0].PopReceipt); err != nil {
				t.Fatalf("DeleteRequest: %v", err)
			}

			pending, err := q.PendingWorkItems(ctx)
			if err != nil {
				t.Fatalf("PendingWorkItems: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending work items, got %v", pending)
			}
			if _, ok := pending[msgs[0].Message.WorkItemID]; ok {
				t.Fatalf("deleted work item %s still pending", msgs[0].Message.WorkItemID)
			}
			if _, ok := pending[msgs[1].Message.WorkItemID]; !ok {
				t.Fatalf("leased work item %s missing from %v", msgs[1].Message.WorkItemID, pending)
			}
		})
	}
}

package notifications_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"vectorflow/internal/config"
	"vectorflow/internal/notifications"
)

func TestNewServiceReturnsNoopWhenUnconfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg, nil)
	if err := svc.Publish(context.Background(), notifications.EventRunCompleted, notifications.Payload{"run_id": "run-1"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := notifications.Close(svc); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "run completed",
			event: notifications.EventRunCompleted,
			payload: notifications.Payload{
				"pipeline": "docs",
				"run_id":   "run-1",
				"status":   "completed",
				"message":  "completed successfully",
			},
			expectTitle:   "Vectorflow - Run Complete",
			expectMessage: "✅ docs run-1: completed successfully",
			expectTags:    "vectorflow,run,completed",
		},
		{
			name:  "run completed with failures",
			event: notifications.EventRunCompleted,
			payload: notifications.Payload{
				"pipeline": "docs",
				"run_id":   "run-2",
				"status":   "completed_with_failures",
				"message":  "completed with 1 failures",
			},
			expectTitle:   "Vectorflow - Run Complete (with errors)",
			expectMessage: "⚠️ docs run-2: completed with 1 failures",
			expectTags:    "vectorflow,run,failures",
		},
		{
			name:  "initialization failure",
			event: notifications.EventRunInitializationFail,
			payload: notifications.Payload{
				"pipeline": "docs",
				"error":    "state store offline",
			},
			expectTitle:    "Vectorflow - Run Failed",
			expectMessage:  "❌ docs could not start: state store offline",
			expectTags:     "vectorflow,error,alert",
			expectPriority: "high",
		},
		{
			name:  "dead letter",
			event: notifications.EventWorkItemDeadLettered,
			payload: notifications.Payload{
				"work_item_id":  "wi-1",
				"dequeue_count": 10,
			},
			expectTitle:    "Vectorflow - Dead Letter",
			expectMessage:  "☠️ Work item wi-1 dead-lettered after 10 deliveries",
			expectTags:     "vectorflow,queue,dead-letter",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg, nil)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceIgnoresSuppressedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RunStarted = false
	cfg.Notifications.Failures = false

	svc := notifications.NewService(&cfg, nil)
	suppressed := []notifications.Event{
		notifications.EventRunStarted,
		notifications.EventWorkItemFailed,
		notifications.Event("unknown"),
	}
	for _, event := range suppressed {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"value": "ignored"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyErrorStatusSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic locked", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg, nil)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected ntfy error status to be returned")
	}
	if err := notifications.Logged(svc, nil).Publish(context.Background(), notifications.EventTest, nil); err != nil {
		t.Fatalf("expected logged service to swallow errors, got %v", err)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kgo.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherRoutesEvents(t *testing.T) {
	events := &fakeWriter{}
	deadLetters := &fakeWriter{}
	pub := notifications.NewKafkaWithWriters(events, deadLetters, time.Second, nil)
	ctx := context.Background()

	if err := pub.Publish(ctx, notifications.EventRunCompleted, notifications.Payload{"run_id": "run-1", "status": "completed"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, notifications.EventWorkItemDeadLettered, notifications.Payload{"run_id": "run-1", "work_item_id": "wi-1"}); err != nil {
		t.Fatalf("Publish dead letter: %v", err)
	}
	if err := pub.Publish(ctx, notifications.EventTest, nil); err != nil {
		t.Fatalf("Publish test: %v", err)
	}

	if len(events.msgs) != 1 || len(deadLetters.msgs) != 1 {
		t.Fatalf("unexpected routing: events=%d dead=%d", len(events.msgs), len(deadLetters.msgs))
	}
	msg := events.msgs[0]
	if string(msg.Key) != "run-1" {
		t.Fatalf("expected run id key, got %q", msg.Key)
	}
	var env notifications.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != notifications.EventRunCompleted || env.Payload["status"] != "completed" || env.OccurredAt.IsZero() {
		t.Fatalf("unexpected envelope %+v", env)
	}

	if err := notifications.Close(pub); err != nil || !events.closed || !deadLetters.closed {
		t.Fatalf("expected writers closed, err=%v", err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	failing := notifications.NewKafkaWithWriters(&fakeWriter{err: errors.New("broker down")}, nil, time.Second, nil)
	ok := &fakeWriter{}
	svc := notifications.Multi(failing, notifications.NewKafkaWithWriters(ok, nil, time.Second, nil))
	err := svc.Publish(context.Background(), notifications.EventRunStarted, notifications.Payload{"pipeline": "docs"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.msgs) != 1 || string(ok.msgs[0].Key) != "docs" {
		t.Fatalf("expected healthy publisher to still receive the event, got %+v", ok.msgs)
	}
}

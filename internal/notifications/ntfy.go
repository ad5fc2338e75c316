package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"vectorflow/internal/config"
)

const userAgent = "Vectorflow-Go/0.1.0"

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func ntfyFilter(cfg config.Notifications) map[Event]bool {
	return map[Event]bool{
		EventRunStarted:            cfg.RunStarted,
		EventRunCompleted:          cfg.RunCompleted,
		EventRunInitializationFail: cfg.Failures,
		EventWorkItemFailed:        cfg.Failures,
		EventWorkItemDeadLettered:  cfg.DeadLetters,
		EventTest:                  true,
	}
}

func (n *ntfyService) Publish(ctx context.Context, event Event, p Payload) error {
	if n == nil || !n.enabled[event] {
		return nil
	}
	data, ok := format(event, p)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func format(event Event, p Payload) (payload, bool) {
	name := p.str("pipeline")
	run := p.str("run_id")
	switch event {
	case EventRunStarted:
		return payload{
			title:   "Vectorflow - Run Started",
			message: fmt.Sprintf("▶️ %s started: %s (%s items)", name, run, p.str("items")),
			tags:    []string{"vectorflow", "run", "started"},
		}, true
	case EventRunCompleted:
		if p.str("status") == "completed_with_failures" {
			return payload{
				title:   "Vectorflow - Run Complete (with errors)",
				message: fmt.Sprintf("⚠️ %s %s: %s", name, run, p.str("message")),
				tags:    []string{"vectorflow", "run", "failures"},
			}, true
		}
		return payload{
			title:   "Vectorflow - Run Complete",
			message: fmt.Sprintf("✅ %s %s: %s", name, run, p.str("message")),
			tags:    []string{"vectorflow", "run", "completed"},
		}, true
	case EventRunInitializationFail:
		return payload{
			title:    "Vectorflow - Run Failed",
			message:  fmt.Sprintf("❌ %s could not start: %s", name, p.str("error")),
			tags:     []string{"vectorflow", "error", "alert"},
			priority: "high",
		}, true
	case EventWorkItemFailed:
		return payload{
			title:   "Vectorflow - Stage Failed",
			message: fmt.Sprintf("❌ %s · %s · %s: %s", name, p.str("stage"), p.str("canonical_id"), p.str("error")),
			tags:    []string{"vectorflow", "stage", "failed"},
		}, true
	case EventWorkItemDeadLettered:
		return payload{
			title:    "Vectorflow - Dead Letter",
			message:  fmt.Sprintf("☠️ Work item %s dead-lettered after %s deliveries", p.str("work_item_id"), p.str("dequeue_count")),
			tags:     []string{"vectorflow", "queue", "dead-letter"},
			priority: "high",
		}, true
	case EventTest:
		return payload{
			title:    "Vectorflow - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"vectorflow", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func (p Payload) str(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

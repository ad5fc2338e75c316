package queueaccess_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/queue"
	"vectorflow/internal/queueaccess"
	"vectorflow/internal/testsupport"
)

func TestOpenWithFallbackPrefersAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok"})
		case "/api/queue/stats":
			_ = json.NewEncoder(w).Encode(api.QueueStats{Visible: 3, Total: 3})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	opened := false
	session, err := queueaccess.OpenWithFallback(context.Background(),
		func() (*api.Client, error) { return api.NewClient(srv.URL, "", "inst") },
		func() (queue.Queue, error) { opened = true; return queue.NewMemory(), nil },
	)
	if err != nil {
		t.Fatalf("OpenWithFallback: %v", err)
	}
	defer session.Close()
	if !session.Remote || opened {
		t.Fatalf("expected API session without opening the queue, remote=%v opened=%v", session.Remote, opened)
	}
	stats, err := session.Access.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Visible != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOpenWithFallbackUsesQueueWhenDaemonDown(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	q := testsupport.MustOpenQueue(t, cfg)
	if _, err := q.SubmitRequest(context.Background(), pipeline.WorkItemMessage{WorkItemID: "wi", RunID: "run"}); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}

	session, err := queueaccess.OpenWithFallback(context.Background(),
		func() (*api.Client, error) { return api.NewClient("127.0.0.1:1", "", "inst") },
		func() (queue.Queue, error) { return q, nil },
	)
	if err != nil {
		t.Fatalf("OpenWithFallback: %v", err)
	}
	if session.Remote {
		t.Fatal("expected direct queue session")
	}
	stats, err := session.Access.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Visible != 1 || stats.Total != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	letters, err := session.Access.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(letters))
	}
}

func TestOpenWithFallbackReportsOpenError(t *testing.T) {
	boom := errors.New("locked")
	_, err := queueaccess.OpenWithFallback(context.Background(), nil,
		func() (queue.Queue, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
	if _, err := queueaccess.OpenWithFallback(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error without an opener")
	}
}

func TestStoreAccessMemoryBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueBackend(config.QueueMemory))
	access := queueaccess.NewStoreAccess(testsupport.MustOpenQueue(t, cfg))
	stats, err := access.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
}

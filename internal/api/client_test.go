package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vectorflow/internal/api"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

func newClient(t *testing.T, handler http.HandlerFunc) *api.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := api.NewClient(strings.TrimPrefix(srv.URL, "http://"), "secret", "inst-1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientCreateRun(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/instances/inst-1/datapipelineruns" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var req api.RunCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(pipeline.Run{RunID: "r1", PipelineName: req.Pipeline, Status: pipeline.RunStatusRunning})
	})

	run, err := client.CreateRun(context.Background(), api.RunCreateRequest{Pipeline: "docs", Trigger: "manual"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.RunID != "r1" || run.PipelineName != "docs" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestClientMapsErrorStatus(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "run already active", Kind: "conflict"})
	})

	_, err := client.CreateRun(context.Background(), api.RunCreateRequest{Pipeline: "docs", Trigger: "manual"})
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Message != "run already active" {
		t.Fatalf("expected api error with message, got %v", err)
	}
}

func TestClientMapsInitializationFailure(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "init", Kind: string(services.KindInitialization)})
	})
	_, err := client.CreateRun(context.Background(), api.RunCreateRequest{Pipeline: "docs", Trigger: "manual"})
	if !errors.Is(err, services.ErrInitialization) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestClientWorkItemsQuery(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances/inst-1/datapipelineruns/r1/workitems" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("stage") != "embed" {
			t.Errorf("unexpected stage query %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]pipeline.WorkItemStatus{{WorkItemID: "wi-1", Stage: "embed"}})
	})
	items, err := client.WorkItems(context.Background(), "r1", "embed")
	if err != nil {
		t.Fatalf("WorkItems: %v", err)
	}
	if len(items) != 1 || items[0].WorkItemID != "wi-1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestClientDeadLettersLimit(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queue/deadletters" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]api.DeadLetter{{MessageID: "m1"}})
	})
	letters, err := client.DeadLetters(context.Background(), 5)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].MessageID != "m1" {
		t.Fatalf("unexpected letters: %+v", letters)
	}
}

func TestNilClientIsUnavailable(t *testing.T) {
	client, err := api.NewClient("", "", "inst")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Health(context.Background()); !api.IsAPIUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestUnreachableDaemonIsUnavailable(t *testing.T) {
	client, err := api.NewClient("127.0.0.1:1", "", "inst")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Health(context.Background()); !api.IsAPIUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

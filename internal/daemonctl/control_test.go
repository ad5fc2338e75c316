package daemonctl_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strconv"
	"testing"
	"time"

	"vectorflow/internal/api"
	"vectorflow/internal/daemonctl"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/testsupport"
)

func TestLaunchArgs(t *testing.T) {
	got := daemonctl.LaunchArgs(daemonctl.LaunchOptions{ConfigPath: "/etc/vf.toml", LogLevel: "debug"})
	want := []string{"daemon", "--config", "/etc/vf.toml", "--log-level", "debug"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LaunchArgs = %v, want %v", got, want)
	}
	if got := daemonctl.LaunchArgs(daemonctl.LaunchOptions{}); !reflect.DeepEqual(got, []string{"daemon"}) {
		t.Fatalf("unexpected default args %v", got)
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := daemonctl.Launch("  ", daemonctl.LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable")
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/d.pid"
	if pid, err := daemonctl.ReadPID(path); err != nil || pid != 0 {
		t.Fatalf("expected missing pid file to read as 0, got %d %v", pid, err)
	}
	if err := os.WriteFile(path, []byte("1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if pid, err := daemonctl.ReadPID(path); err != nil || pid != 1234 {
		t.Fatalf("expected 1234, got %d %v", pid, err)
	}
	if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := daemonctl.ReadPID(path); err == nil {
		t.Fatal("expected error for malformed pid")
	}
}

func TestProcessAlive(t *testing.T) {
	if !daemonctl.ProcessAlive(os.Getpid()) {
		t.Fatal("expected current process to be alive")
	}
	if daemonctl.ProcessAlive(0) {
		t.Fatal("pid 0 must not be alive")
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := daemonctl.Stop(context.Background(), cfg, time.Second); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestStopRefusesCurrentProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := daemonctl.Stop(context.Background(), cfg, time.Second)
	if err == nil || errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected refusal error, got %v", err)
	}
}

func TestWaitForAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok"})
	}))
	defer srv.Close()
	client, _ := api.NewClient(srv.URL, "", "inst")
	if err := daemonctl.WaitForAPI(context.Background(), client, time.Second); err != nil {
		t.Fatalf("WaitForAPI: %v", err)
	}

	down, _ := api.NewClient("127.0.0.1:1", "", "inst")
	if err := daemonctl.WaitForAPI(context.Background(), down, 300*time.Millisecond); err == nil {
		t.Fatal("expected timeout against unreachable API")
	}
}

func TestEnsureStartedAlreadyRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok"})
	}))
	defer srv.Close()
	client, _ := api.NewClient(srv.URL, "", "inst")
	result, err := daemonctl.EnsureStarted(context.Background(), client, "", daemonctl.LaunchOptions{}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if result.State != daemonctl.StartStateAlreadyRunning || result.Launched {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBuildStatusSnapshotOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	q := testsupport.MustOpenQueue(t, cfg)
	if _, err := q.SubmitRequest(context.Background(), pipeline.WorkItemMessage{WorkItemID: "wi", RunID: "run"}); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}

	down, _ := api.NewClient("127.0.0.1:1", "", cfg.API.InstanceID)
	status, err := daemonctl.BuildStatusSnapshot(context.Background(), down, cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if status.Running {
		t.Fatal("expected offline snapshot")
	}
	if status.Workflow.Queue.Visible != 1 {
		t.Fatalf("expected queue depth from direct open, got %+v", status.Workflow.Queue)
	}
	if len(status.Checks) == 0 {
		t.Fatal("expected preflight checks in offline snapshot")
	}
	if status.QueueDBPath != cfg.QueuePath() || status.LockFilePath != cfg.LockPath() {
		t.Fatalf("unexpected paths %+v", status)
	}
}

func TestBuildStatusSnapshotOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.DaemonStatus{Running: true, PID: 42})
	}))
	defer srv.Close()
	cfg := testsupport.NewConfig(t)
	client, _ := api.NewClient(srv.URL, "", cfg.API.InstanceID)
	status, err := daemonctl.BuildStatusSnapshot(context.Background(), client, cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if !status.Running || status.PID != 42 {
		t.Fatalf("expected daemon status, got %+v", status)
	}
}

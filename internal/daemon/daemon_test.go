package daemon_test

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/daemon"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/state"
	"vectorflow/internal/testsupport"
	"vectorflow/internal/workflow"
)

type noopRuns struct{}

func (noopRuns) CreateRunByName(context.Context, string, pipeline.TriggerContext) (*pipeline.Run, error) {
	return &pipeline.Run{RunID: "r"}, nil
}
func (noopRuns) GetRun(context.Context, string, string) (*pipeline.Run, error) {
	return &pipeline.Run{RunID: "r"}, nil
}
func (noopRuns) ListRuns(context.Context, string, state.RunFilter) ([]pipeline.Run, error) {
	return nil, nil
}
func (noopRuns) WorkItems(context.Context, string, string, string) ([]pipeline.WorkItemStatus, error) {
	return nil, nil
}

type fakeWorkflow struct {
	started, stopped int
}

func (f *fakeWorkflow) Start(context.Context) error { f.started++; return nil }
func (f *fakeWorkflow) Stop()                       { f.stopped++ }
func (f *fakeWorkflow) Status(context.Context) workflow.StatusSummary {
	return workflow.StatusSummary{Running: f.started > f.stopped}
}

type fakeScheduler struct {
	started, stopped int
}

func (f *fakeScheduler) Start(context.Context) error { f.started++; return nil }
func (f *fakeScheduler) Stop()                       { f.stopped++ }
func (f *fakeScheduler) Snapshot() []pipeline.ScheduledPipelineInfo {
	return []pipeline.ScheduledPipelineInfo{{Pipeline: "docs", Trigger: "nightly", Schedule: "0 2 * * *"}}
}

func newDaemon(t *testing.T, cfg *config.Config, wf *fakeWorkflow, sched daemon.Scheduler) *daemon.Daemon {
	t.Helper()
	q := testsupport.MustOpenQueue(t, cfg)
	d, err := daemon.New(cfg, daemon.Dependencies{Queue: q, Runs: noopRuns{}, Workflow: wf, Scheduler: sched})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueBackend(config.QueueMemory))
	wf := &fakeWorkflow{}
	sched := &fakeScheduler{}
	d := newDaemon(t, cfg, wf, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if wf.started != 1 || sched.started != 1 {
		t.Fatalf("expected workflow and scheduler started, got %d/%d", wf.started, sched.started)
	}

	status := d.Status(ctx)
	if !status.Running || status.StartedAt == "" {
		t.Fatalf("expected daemon to report running, got %+v", status)
	}
	if len(status.Schedules) != 1 || status.Schedules[0].Trigger != "nightly" {
		t.Fatalf("unexpected schedules: %+v", status.Schedules)
	}

	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pid file contents %q", data)
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("expected daemon to be stopped")
	}
	if wf.stopped != 1 || sched.stopped != 1 {
		t.Fatalf("expected workflow and scheduler stopped, got %d/%d", wf.stopped, sched.stopped)
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
}

func TestSecondDaemonCannotAcquireLock(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueBackend(config.QueueMemory))
	first := newDaemon(t, cfg, &fakeWorkflow{}, nil)
	second := newDaemon(t, cfg, &fakeWorkflow{}, nil)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected second daemon to fail acquiring the lock")
	}
	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("expected lock to be free after stop: %v", err)
	}
}

func TestDaemonServesHTTP(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueBackend(config.QueueMemory), testsupport.WithToken("tok"))
	d := newDaemon(t, cfg, &fakeWorkflow{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := d.Addr()
	if addr == "" {
		t.Fatal("expected API to listen")
	}

	client, err := api.NewClient(addr, "tok", cfg.API.InstanceID)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || status.InstanceID != "test-instance" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(status.Schedules) != 0 || status.Schedules == nil {
		t.Fatalf("expected empty schedules without a scheduler, got %#v", status.Schedules)
	}

	d.Stop()
	if d.Addr() != "" {
		t.Fatal("expected API to stop listening")
	}
}

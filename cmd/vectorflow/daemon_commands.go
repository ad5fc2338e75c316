package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/daemonctl"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the vectorflow daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe, daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath(),
				LogLevel:   startLogLevel,
			}, 10*time.Second)
			if err != nil {
				return err
			}
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override logging.level for the launched daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the vectorflow daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cmd.Context(), ctx.configValue(), 10*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue and preflight status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), client, cfg)
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(cmd, status)
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func renderStatus(out io.Writer, status *api.DaemonStatus) {
	p := newStatusPrinter(out)
	p.section("Daemon")
	switch {
	case status.Running && status.PID > 0:
		p.line("Vectorflow", levelOK, fmt.Sprintf("Running (pid %d, since %s)", status.PID, formatAPITime(status.StartedAt)))
	case status.Running:
		p.line("Vectorflow", levelOK, "Running")
	case status.PID > 0:
		p.line("Vectorflow", levelWarn, fmt.Sprintf("Process alive but API unreachable (pid %d)", status.PID))
	default:
		p.line("Vectorflow", levelWarn, "Not running (run `vectorflow start`)")
	}
	p.line("Instance", levelInfo, status.InstanceID)
	p.line("Queue DB", levelInfo, status.QueueDBPath)
	p.line("State DB", levelInfo, status.StateDBPath)
	if status.Running {
		wf := status.Workflow
		lvl := levelOK
		if !wf.Running {
			lvl = levelWarn
		}
		p.line("Stage runner", lvl, fmt.Sprintf("%d/%d in flight, %d succeeded, %d retried, %d failed",
			wf.InFlight, wf.Concurrency, wf.Succeeded, wf.Retried, wf.Failed))
		if wf.LastError != "" {
			p.line("Last error", levelError, wf.LastError)
		}
	}
	p.blank()

	p.section("Queue")
	q := status.Workflow.Queue
	p.table([]string{"State", "Count"}, [][]string{
		{"Visible", strconv.Itoa(q.Visible)},
		{"Leased", strconv.Itoa(q.Leased)},
		{"Dead Lettered", strconv.Itoa(q.DeadLettered)},
	}, 1)
	p.blank()

	if len(status.Workflow.StageHealth) > 0 {
		p.section("Stage Plugins")
		for _, h := range status.Workflow.StageHealth {
			if h.Ready {
				p.line(h.Name, levelOK, "Ready")
				continue
			}
			p.line(h.Name, levelError, h.Detail)
		}
		p.blank()
	}

	if len(status.Schedules) > 0 {
		p.section("Schedules")
		rows := make([][]string, 0, len(status.Schedules))
		for _, s := range status.Schedules {
			rows = append(rows, []string{s.Pipeline, s.Trigger, s.Schedule, formatAPITime(s.NextRunTime), formatAPITime(s.LastExecutionTime)})
		}
		p.table([]string{"Pipeline", "Trigger", "Schedule", "Next Run", "Last Run"}, rows)
		p.blank()
	}

	if len(status.Checks) > 0 {
		p.section("Preflight")
		for _, check := range status.Checks {
			lvl := levelOK
			if !check.Passed {
				lvl = levelError
			}
			p.line(check.Name, lvl, check.Detail)
		}
	}
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

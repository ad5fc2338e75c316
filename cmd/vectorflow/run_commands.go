package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/logs"
	"vectorflow/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Create and inspect pipeline runs",
	}
	runCmd.AddCommand(newRunCreateCommand(ctx))
	runCmd.AddCommand(newRunGetCommand(ctx))
	runCmd.AddCommand(newRunListCommand(ctx))
	runCmd.AddCommand(newRunItemsCommand(ctx))
	runCmd.AddCommand(newRunLogsCommand(ctx))
	return runCmd
}

func newRunCreateCommand(ctx *commandContext) *cobra.Command {
	var trigger string
	var params []string
	var force bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "create <pipeline>",
		Short: "Start a run of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			req := api.RunCreateRequest{
				Pipeline:   strings.TrimSpace(args[0]),
				Trigger:    strings.TrimSpace(trigger),
				Parameters: parameters,
				Force:      force,
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				run, err := client.CreateRun(c, req)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, run)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created run %s (%s)\n", run.RunID, titleize(string(run.Status)))
				if run.Message != "" {
					fmt.Fprintln(out, run.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&trigger, "trigger", "t", "", "Trigger of the pipeline that starts the run")
	_ = cmd.MarkFlagRequired("trigger")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Run parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "Process every content item regardless of registry state")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the created run as JSON")
	return cmd
}

func newRunGetCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				run, err := client.GetRun(c, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, run)
				}
				renderRun(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the run as JSON")
	return cmd
}

func newRunListCommand(ctx *commandContext) *cobra.Command {
	var filter api.RunFilter
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				runs, err := client.ListRuns(c, filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs found")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Run", "Pipeline", "Trigger", "Status", "Items", "Failed", "Started"},
					runRows(runs), 4, 5,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.Pipeline, "pipeline", "", "Only runs of this pipeline")
	cmd.Flags().StringSliceVar(&filter.Status, "status", nil, "Only runs with these statuses ("+runStatusNames()+")")
	cmd.Flags().BoolVar(&filter.ActiveOnly, "active", false, "Only runs that have not finished")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output runs as JSON")
	return cmd
}

func newRunItemsCommand(ctx *commandContext) *cobra.Command {
	var stage string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "items <run-id>",
		Short: "List work items of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				items, err := client.WorkItems(c, strings.TrimSpace(args[0]), stage)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, items)
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No work items found")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Stage", "Content", "Action", "State", "Attempts", "Error"},
					workItemRows(items), 4,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Only work items of this stage")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output work items as JSON")
	return cmd
}

func newRunLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var raw bool
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runID := strings.TrimSpace(args[0])
			path := logs.RunLogPath(cfg.Paths.LogDir, runID)
			out := cmd.OutOrStdout()
			emit := func(line string) {
				if !raw {
					line = logs.Format(line)
				}
				fmt.Fprintln(out, line)
			}

			tail, offset, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			if len(tail) == 0 && !follow {
				fmt.Fprintf(out, "No log lines for run %s (%s)\n", runID, path)
				return nil
			}
			for _, line := range tail {
				emit(line)
			}
			if !follow {
				return nil
			}

			client, _ := ctx.apiClient()
			sigCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			finished := func() bool {
				if client == nil {
					return false
				}
				run, err := client.GetRun(sigCtx, runID)
				return err == nil && run.IsTerminal()
			}
			err = logs.Follow(sigCtx, path, offset, 500*time.Millisecond, emit, finished)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until the run finishes")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print JSON records unformatted")
	return cmd
}

// parseParams turns key=value flags into a parameter map. Values stay
// strings; the coordinator validates them against the definition.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", entry)
		}
		params[key] = value
	}
	return params, nil
}

func runRows(runs []pipeline.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.RunID,
			run.PipelineName,
			run.TriggerName,
			titleize(string(run.Status)),
			strconv.Itoa(run.ItemCount),
			strconv.Itoa(run.FailedCount),
			formatTimestamp(run.StartedAt),
		})
	}
	return rows
}

func workItemRows(items []pipeline.WorkItemStatus) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.Stage,
			item.ContentItemCanonicalID,
			string(item.Action),
			workItemState(item),
			strconv.Itoa(item.Attempts),
			item.Error,
		})
	}
	return rows
}

func workItemState(item pipeline.WorkItemStatus) string {
	switch {
	case !item.Completed:
		return "Pending"
	case item.Successful:
		return "Succeeded"
	default:
		return "Failed"
	}
}

func renderRun(out io.Writer, run *pipeline.Run) {
	rows := [][]string{
		{"Run", run.RunID},
		{"Pipeline", run.PipelineName},
		{"Trigger", run.TriggerName},
		{"Status", titleize(string(run.Status))},
		{"Stages", strings.Join(run.Stages, " > ")},
		{"Items", strconv.Itoa(run.ItemCount)},
		{"Failed", strconv.Itoa(run.FailedCount)},
		{"Force", yesNo(run.Force)},
		{"Started", formatTimestamp(run.StartedAt)},
	}
	if run.CompletedAt != nil {
		rows = append(rows, []string{"Completed", formatTimestamp(*run.CompletedAt)})
	}
	if len(run.ActiveStages) > 0 {
		rows = append(rows, []string{"Active stages", strings.Join(run.ActiveStages, ", ")})
	}
	if len(run.FailedStages) > 0 {
		rows = append(rows, []string{"Failed stages", strings.Join(run.FailedStages, ", ")})
	}
	if run.Message != "" {
		rows = append(rows, []string{"Message", run.Message})
	}
	fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows))

	if len(run.StageMetrics) == 0 {
		return
	}
	metricRows := make([][]string, 0, len(run.Stages))
	for _, name := range run.Stages {
		m, ok := run.StageMetrics[name]
		if !ok {
			continue
		}
		metricRows = append(metricRows, []string{name, strconv.Itoa(m.WorkItems), strconv.Itoa(m.Completed), strconv.Itoa(m.Successful), strconv.Itoa(m.Failed())})
	}
	fmt.Fprint(out, renderTable([]string{"Stage", "Work Items", "Completed", "Successful", "Failed"}, metricRows, 1, 2, 3, 4))
}

func runStatusNames() string {
	statuses := pipeline.RunStatuses()
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	return strings.Join(names, ", ")
}

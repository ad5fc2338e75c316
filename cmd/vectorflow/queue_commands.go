package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/queue"
	"vectorflow/internal/queueaccess"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the work item queue",
	}
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueDeadLettersCommand(ctx))
	return queueCmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd.Context(), func(access queueaccess.Access) error {
				stats, err := access.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, stats)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"State", "Count"}, [][]string{
					{"Visible", strconv.Itoa(stats.Visible)},
					{"Leased", strconv.Itoa(stats.Leased)},
					{"Dead Lettered", strconv.Itoa(stats.DeadLettered)},
					{"Total", strconv.Itoa(stats.Total)},
				}, 1))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output stats as JSON")
	return cmd
}

func newQueueDeadLettersCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd.Context(), func(access queueaccess.Access) error {
				letters, err := access.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, letters)
				}
				out := cmd.OutOrStdout()
				if len(letters) == 0 {
					fmt.Fprintln(out, "No dead-lettered messages")
					return nil
				}
				rows := make([][]string, 0, len(letters))
				for _, l := range letters {
					rows = append(rows, []string{l.MessageID, l.RunID, l.WorkItemID, strconv.Itoa(l.DequeueCount), formatAPITime(l.DeadLetteredAt), l.Reason})
				}
				fmt.Fprint(out, renderTable([]string{"Message", "Run", "Work Item", "Dequeues", "Dead Lettered", "Reason"}, rows, 3))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output messages as JSON")
	return cmd
}

// withQueue prefers the daemon API and falls back to opening the SQLite
// queue directly. The memory backend is only reachable through the daemon.
func (c *commandContext) withQueue(ctx context.Context, fn func(queueaccess.Access) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	session, err := queueaccess.OpenWithFallback(ctx,
		func() (*api.Client, error) { return c.apiClient() },
		func() (queue.Queue, error) {
			if cfg.Queue.Backend == config.QueueMemory {
				return nil, fmt.Errorf("queue backend %q is only available while the daemon runs", config.QueueMemory)
			}
			return queue.Open(cfg)
		},
	)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session.Access)
}

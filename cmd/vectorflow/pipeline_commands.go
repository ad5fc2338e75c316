package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vectorflow/internal/catalog"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/preflight"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect pipeline definitions",
	}
	pipelineCmd.AddCommand(newPipelineListCommand(ctx))
	pipelineCmd.AddCommand(newPipelineValidateCommand(ctx))
	return pipelineCmd
}

func newPipelineListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline definitions in the definitions directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.OpenDir(cmd.Context(), cfg.Paths.DefinitionsDir, nil)
			if err != nil {
				return fmt.Errorf("load pipeline definitions: %w", err)
			}
			defs := cat.List()
			if asJSON {
				return writeJSON(cmd, defs)
			}
			out := cmd.OutOrStdout()
			if len(defs) == 0 {
				fmt.Fprintf(out, "No pipelines defined in %s\n", cfg.Paths.DefinitionsDir)
				return nil
			}
			fmt.Fprint(out, renderTable([]string{"Pipeline", "Stages", "Triggers", "Source"}, pipelineRows(defs)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output definitions as JSON")
	return cmd
}

func newPipelineValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate pipeline definitions and trigger schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result := preflight.CheckDefinitions(cmd.Context(), cfg.Paths.DefinitionsDir, nil)
			if !result.Passed {
				return fmt.Errorf("pipeline definitions invalid: %s", result.Detail)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline definitions valid: %s\n", result.Detail)
			return nil
		},
	}
}

func pipelineRows(defs []pipeline.Definition) [][]string {
	rows := make([][]string, 0, len(defs))
	for _, def := range defs {
		triggers := make([]string, 0, len(def.Triggers))
		for _, t := range def.Triggers {
			if t.Type == pipeline.TriggerSchedule {
				triggers = append(triggers, fmt.Sprintf("%s (%s)", t.Name, t.Schedule))
				continue
			}
			triggers = append(triggers, t.Name)
		}
		source := def.Source.Type
		if def.Source.Path != "" {
			source += ":" + def.Source.Path
		}
		rows = append(rows, []string{
			def.Name,
			strings.Join(def.StageNames(), " > "),
			strings.Join(triggers, ", "),
			source,
		})
	}
	return rows
}

package preflight

import (
	"context"

	"vectorflow/internal/config"
	"vectorflow/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
// Service checks only run when the service is configured. stages may be nil
// to skip plugin validation.
func RunAll(ctx context.Context, cfg *config.Config, stages *stage.Registry) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDefinitions(ctx, cfg.Paths.DefinitionsDir, stages),
	}

	if cfg.Registry.Backend == config.RegistryBadger && cfg.Registry.Path != "" {
		results = append(results, CheckDirectoryAccess("Registry directory", cfg.Registry.Path))
	}
	if cfg.KafkaEnabled() {
		results = append(results, CheckKafka(ctx, cfg.Kafka.Brokers))
	}
	if cfg.Notifications.NtfyTopic != "" {
		results = append(results, CheckNtfy(ctx, cfg.Notifications.NtfyTopic))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

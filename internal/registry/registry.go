package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"vectorflow/internal/config"
	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
)

// Store persists the last processed state of each content item, keyed by
// pipeline and canonical id.
type Store interface {
	// GetEntry returns nil, nil when no entry exists.
	GetEntry(ctx context.Context, pipelineName, canonicalID string) (*pipeline.RegistryEntry, error)
	// Upsert overwrites the entry for entry.CanonicalID.
	Upsert(ctx context.Context, pipelineName string, entry pipeline.RegistryEntry) error
	// Entries lists every entry of a pipeline ordered by canonical id.
	Entries(ctx context.Context, pipelineName string) ([]pipeline.RegistryEntry, error)
	Close() error
}

// Open builds the backend selected by cfg.Registry.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("registry: config is required")
	}
	logger = logging.NewComponentLogger(logger, "registry")
	switch strings.ToLower(strings.TrimSpace(cfg.Registry.Backend)) {
	case config.RegistryBadger, "":
		return OpenBadger(cfg.Registry.Path, WithLogger(logger))
	case config.RegistryDynamoDB:
		return NewDynamo(ctx, DynamoOptions{
			Table:    cfg.Registry.DynamoTable,
			Region:   cfg.Registry.AWSRegion,
			Endpoint: cfg.Registry.DynamoEndpoint,
		})
	case config.RegistryMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("registry: unsupported backend %q", cfg.Registry.Backend)
	}
}

func validateKey(pipelineName, canonicalID string) error {
	if strings.TrimSpace(pipelineName) == "" {
		return fmt.Errorf("registry: pipeline name is required")
	}
	if strings.TrimSpace(canonicalID) == "" {
		return fmt.Errorf("registry: canonical id is required")
	}
	return nil
}

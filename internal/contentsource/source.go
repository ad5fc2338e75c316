package contentsource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// Source types understood by the default resolver.
const (
	TypeFilesystem = "filesystem"
	TypeStatic     = "static"
)

// Observation is one content item as a source currently sees it.
type Observation struct {
	CanonicalID    string
	RawAction      string
	LastModifiedAt time.Time
	Fingerprint    string
}

// Source enumerates the content a pipeline definition points at.
type Source interface {
	Enumerate(ctx context.Context, def pipeline.Definition) ([]Observation, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, def pipeline.Definition) ([]Observation, error)

func (f SourceFunc) Enumerate(ctx context.Context, def pipeline.Definition) ([]Observation, error) {
	return f(ctx, def)
}

// Resolver maps a definition's source type onto a Source and turns its
// observations into content items.
type Resolver struct {
	sources map[string]Source
	logger  *slog.Logger
}

// NewResolver returns a resolver with the filesystem and static sources
// registered.
func NewResolver(logger *slog.Logger) *Resolver {
	r := &Resolver{sources: make(map[string]Source), logger: logging.NewComponentLogger(logger, "contentsource")}
	r.Register(TypeFilesystem, Filesystem{})
	r.Register(TypeStatic, Static{})
	return r
}

// Register adds or replaces the source for typ.
func (r *Resolver) Register(typ string, source Source) {
	r.sources[strings.ToLower(strings.TrimSpace(typ))] = source
}

// Resolve enumerates def's source. Items come back ordered by canonical id
// with no run id assigned.
func (r *Resolver) Resolve(ctx context.Context, def pipeline.Definition) ([]pipeline.ContentItem, error) {
	typ := strings.ToLower(strings.TrimSpace(def.Source.Type))
	source, ok := r.sources[typ]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "contentsource", "resolve",
			fmt.Sprintf("pipeline %s: unsupported source type %q", def.Name, def.Source.Type), nil)
	}
	observations, err := source.Enumerate(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s source for %s: %w", typ, def.Name, err)
	}
	items := make([]pipeline.ContentItem, 0, len(observations))
	seen := make(map[string]struct{}, len(observations))
	for _, obs := range observations {
		id := strings.TrimSpace(obs.CanonicalID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			r.logger.Warn("duplicate content item skipped",
				logging.String(logging.FieldPipeline, def.Name),
				logging.String("canonical_id", id),
				logging.String(logging.FieldEventType, "content_duplicate"),
				logging.String(logging.FieldImpact, "only the first observation is processed"),
			)
			continue
		}
		seen[id] = struct{}{}
		items = append(items, pipeline.ContentItem{
			CanonicalID:    id,
			Action:         pipeline.NormalizeAction(obs.RawAction),
			RawAction:      strings.ToLower(strings.TrimSpace(obs.RawAction)),
			LastModifiedAt: obs.LastModifiedAt.UTC(),
			Fingerprint:    obs.Fingerprint,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CanonicalID < items[j].CanonicalID })
	r.logger.Debug("content resolved",
		logging.String(logging.FieldPipeline, def.Name),
		logging.String("source", typ),
		logging.Int("items", len(items)),
	)
	return items, nil
}

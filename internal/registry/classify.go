package registry

import (
	"context"
	"time"

	"vectorflow/internal/pipeline"
)

// Classify reports whether observed must be processed given the prior entry.
// An item is changed when no prior entry exists, when its timestamp is
// strictly later than the recorded one, or when its raw action differs.
func Classify(prior *pipeline.RegistryEntry, observed pipeline.ContentItem) bool {
	if prior == nil {
		return true
	}
	if observed.LastModifiedAt.After(prior.LastModifiedAt) {
		return true
	}
	return rawAction(observed) != prior.LastContentAction
}

// EntryFor builds the registry entry recorded once item is fully processed.
func EntryFor(item pipeline.ContentItem) pipeline.RegistryEntry {
	return pipeline.RegistryEntry{
		CanonicalID:       item.CanonicalID,
		LastContentAction: rawAction(item),
		LastModifiedAt:    item.LastModifiedAt.UTC(),
	}
}

// Removals returns Remove items for entries whose canonical id is absent from
// seen and whose last recorded action is not already a removal.
func Removals(entries []pipeline.RegistryEntry, seen map[string]struct{}, now time.Time) []pipeline.ContentItem {
	var out []pipeline.ContentItem
	for _, entry := range entries {
		if _, ok := seen[entry.CanonicalID]; ok {
			continue
		}
		if pipeline.NormalizeAction(entry.LastContentAction) == pipeline.ActionRemove {
			continue
		}
		out = append(out, pipeline.ContentItem{
			CanonicalID:    entry.CanonicalID,
			Action:         pipeline.ActionRemove,
			RawAction:      pipeline.RawActionRemoved,
			LastModifiedAt: now.UTC(),
		})
	}
	return out
}

// FilterChanged drops items that the registry already recorded in their
// current state. A force request keeps every item.
func FilterChanged(ctx context.Context, store Store, pipelineName string, items []pipeline.ContentItem, force bool) ([]pipeline.ContentItem, error) {
	if force || store == nil {
		return items, nil
	}
	out := make([]pipeline.ContentItem, 0, len(items))
	for _, item := range items {
		prior, err := store.GetEntry(ctx, pipelineName, item.CanonicalID)
		if err != nil {
			return nil, err
		}
		if Classify(prior, item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func rawAction(item pipeline.ContentItem) string {
	if item.RawAction != "" {
		return item.RawAction
	}
	if item.Action == pipeline.ActionRemove {
		return pipeline.RawActionRemoved
	}
	return pipeline.RawActionUpdated
}

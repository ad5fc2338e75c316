package contentsource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// Static reports the items listed inline in def.Source.Items. Missing
// actions default to "created"; timestamps are RFC 3339.
type Static struct{}

func (Static) Enumerate(_ context.Context, def pipeline.Definition) ([]Observation, error) {
	out := make([]Observation, 0, len(def.Source.Items))
	for idx, item := range def.Source.Items {
		action := strings.TrimSpace(item.Action)
		if action == "" {
			action = pipeline.RawActionCreated
		}
		var modified time.Time
		if raw := strings.TrimSpace(item.LastModifiedAt); raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "contentsource", "static",
					fmt.Sprintf("item %d (%s): invalid last_modified_at", idx, item.CanonicalID), err)
			}
			modified = ts.UTC()
		}
		out = append(out, Observation{
			CanonicalID:    item.CanonicalID,
			RawAction:      action,
			LastModifiedAt: modified,
		})
	}
	return out, nil
}

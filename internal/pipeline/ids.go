package pipeline

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

const runIDTimeLayout = "20060102-150405"

// NewRunID allocates a run identifier of the form run-YYYYMMDD-HHMMSS-<uuid>.
func NewRunID(now time.Time) string {
	return "run-" + now.UTC().Format(runIDTimeLayout) + "-" + uuid.NewString()
}

// CanonicalRunID derives a stable identifier from the pipeline name and the
// canonical parameter values. Two runs with the same identifier process the
// same logical input.
func CanonicalRunID(pipelineName string, canonicalParams map[string]any) string {
	// encoding/json sorts map keys, so equal maps encode identically.
	encoded, err := json.Marshal(canonicalParams)
	if err != nil || len(canonicalParams) == 0 {
		encoded = []byte("{}")
	}
	h, _ := blake2b.New(32, nil)
	h.Write([]byte(pipelineName))
	h.Write([]byte("|"))
	h.Write(encoded)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// WorkItemID derives the identifier of the work item for a content item in
// one stage of a run. Re-deriving it for the same triple yields the same id.
func WorkItemID(runID, stage, canonicalID string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(canonicalID))
	return "wi-" + hex.EncodeToString(h.Sum(nil))
}

package types

import (
	"fmt"
	"time"
)

// Stage identifies the pipeline stage that produced an artifact.
type Stage string

const (
	StagePlan     Stage = "M1"
	StageScaffold Stage = "M2"
	StageSection  Stage = "M3"
	StageAssemble Stage = "M4"
)

// Envelope wraps every inter-stage artifact with version, provenance and
// integrity metadata. Once sealed (ContentHash set) the payload is immutable.
type Envelope struct {
	Version            string    `json:"version"`
	Producer           Stage     `json:"producer"`
	Timestamp          time.Time `json:"timestamp"`
	CorrelationID      string    `json:"correlationId"`
	ContentHash        string    `json:"contentHash"`
	CompatibleVersions []string  `json:"compatibleVersions"`
	IdempotencyKey     string    `json:"idempotencyKey,omitempty"`
}

// Sealed reports whether the envelope carries a content hash.
func (e Envelope) Sealed() bool { return e.ContentHash != "" }

// Accepts reports whether a consumer holding this envelope's compatibility
// list may accept an artifact of the given version.
func (e Envelope) Accepts(version string) bool {
	for _, v := range e.CompatibleVersions {
		if v == version {
			return true
		}
	}
	return false
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s@%s corr=%s hash=%s", e.Producer, e.Version, e.CorrelationID, e.ContentHash)
}

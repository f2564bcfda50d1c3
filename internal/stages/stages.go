// Package stages holds the four pipeline stage modules: Plan (M1),
// Scaffold (M2), Section (M3) and Assemble (M4). Each consumes a sealed
// envelope it is version-compatible with and emits a sealed envelope of
// its own; the orchestrator owns sequencing.
package stages

import (
	"time"

	"github.com/ashuein/contentforge/internal/canonical"
	"github.com/ashuein/contentforge/internal/types"
)

// seal builds the envelope for a freshly produced payload. The content
// hash covers the payload with a zeroed envelope so hashing is stable.
func seal(producer types.Stage, correlationID string, payload any) (types.Envelope, error) {
	hash, err := canonical.Hash(payload)
	if err != nil {
		return types.Envelope{}, err
	}
	return types.Envelope{
		Version:            types.ArtifactVersion,
		Producer:           producer,
		Timestamp:          time.Now().UTC(),
		CorrelationID:      correlationID,
		ContentHash:        hash,
		CompatibleVersions: types.CompatibilityMatrix[producer],
	}, nil
}

// checkInput rejects an envelope the consuming stage cannot accept.
func checkInput(consumer types.Stage, env types.Envelope, correlationID string) error {
	if !types.AcceptedBy(consumer, env.Version) {
		return types.NewPipelineError(string(consumer), "INPUT-INCOMPATIBLE", correlationID,
			"envelope version "+env.Version+" not accepted").
			WithData("producer", string(env.Producer)).
			WithData("version", env.Version).
			WithCause(types.ErrVersionIncompatible)
	}
	return nil
}

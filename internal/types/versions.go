package types

// ArtifactVersion is the envelope version every stage currently emits.
const ArtifactVersion = "1.0.0"

// CompatibilityMatrix enumerates, per consuming stage, the envelope
// versions it accepts. The matrix is the single source of truth for
// version checks across the pipeline.
var CompatibilityMatrix = map[Stage][]string{
	StagePlan:     {ArtifactVersion},
	StageScaffold: {ArtifactVersion},
	StageSection:  {ArtifactVersion},
	StageAssemble: {ArtifactVersion},
}

// AcceptedBy reports whether a consumer stage accepts an envelope version.
func AcceptedBy(consumer Stage, version string) bool {
	for _, v := range CompatibilityMatrix[consumer] {
		if v == version {
			return true
		}
	}
	return false
}

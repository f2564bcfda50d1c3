package gates

import (
	"fmt"
	"regexp"

	"github.com/ashuein/contentforge/internal/types"
)

// BeatGraphGate (G2) verifies the plan's prereq graph: references resolve,
// the induced graph is acyclic and every suggested asset token is well
// formed. Prereqs may only name preceding beats, which makes the graph
// acyclic by construction; the DFS still runs as the defense the contract
// names.
type BeatGraphGate struct{}

// NewBeatGraphGate builds the gate.
func NewBeatGraphGate() *BeatGraphGate { return &BeatGraphGate{} }

var assetTokenRe = regexp.MustCompile(`^(eq|plot|diagram|widget|chem):[a-z0-9_-]+$`)

func (g *BeatGraphGate) ID() string { return "beatgraph" }

func (g *BeatGraphGate) Applies(a Artifact) bool {
	return a.Kind == ArtifactPlan && a.Plan != nil
}

func (g *BeatGraphGate) Validate(a Artifact) Result {
	plan := a.Plan
	var issues []Issue

	index := make(map[string]int, len(plan.Beats))
	for i, b := range plan.Beats {
		if _, dup := index[b.ID]; dup {
			issues = append(issues, Issue{Kind: "beat-duplicate-id", Message: fmt.Sprintf("duplicate beat id %q", b.ID)})
			continue
		}
		index[b.ID] = i
	}

	for i, b := range plan.Beats {
		for _, pre := range b.Prereqs {
			j, ok := index[pre]
			if !ok {
				issues = append(issues, Issue{
					Kind:    "beat-unresolved-prereq",
					Message: fmt.Sprintf("beat %q prereq %q does not resolve", b.ID, pre),
				})
				continue
			}
			if j >= i {
				issues = append(issues, Issue{
					Kind:    "beat-forward-prereq",
					Message: fmt.Sprintf("beat %q prereq %q does not precede it", b.ID, pre),
				})
			}
		}
		for _, tok := range b.Assets {
			if !assetTokenRe.MatchString(tok) {
				issues = append(issues, Issue{
					Kind:    "beat-bad-asset-token",
					Message: fmt.Sprintf("beat %q asset token %q is malformed", b.ID, tok),
				})
			}
		}
	}

	if cycle := findCycle(plan.Beats, index); cycle != "" {
		issues = append(issues, Issue{Kind: "beat-cycle", Message: "prereq cycle through beat " + cycle})
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

// findCycle runs a color-marking DFS over the prereq edges and returns the
// id of a beat on a cycle, or "".
func findCycle(beats []types.Beat, index map[string]int) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make([]int, len(beats))

	var visit func(i int) string
	visit = func(i int) string {
		colors[i] = gray
		for _, pre := range beats[i].Prereqs {
			j, ok := index[pre]
			if !ok {
				continue
			}
			switch colors[j] {
			case gray:
				return beats[j].ID
			case white:
				if id := visit(j); id != "" {
					return id
				}
			}
		}
		colors[i] = black
		return ""
	}

	for i := range beats {
		if colors[i] == white {
			if id := visit(i); id != "" {
				return id
			}
		}
	}
	return ""
}

package gates

import (
	"fmt"
	"math"
)

// DiagramGate (G7) checks diagram topology: unique node ids, arrows whose
// endpoints exist, required canvas dimensions and grid-snap invariants
// after snapping.
type DiagramGate struct{}

// NewDiagramGate builds the gate.
func NewDiagramGate() *DiagramGate { return &DiagramGate{} }

func (g *DiagramGate) ID() string { return "diagram" }

func (g *DiagramGate) Applies(a Artifact) bool {
	return a.Kind == ArtifactDiagram && a.Diagram != nil
}

func (g *DiagramGate) Validate(a Artifact) Result {
	d := a.Diagram
	var issues []Issue

	if d.Width <= 0 || d.Height <= 0 {
		issues = append(issues, Issue{Kind: "diagram-canvas", Message: "canvas dimensions must be positive"})
	}
	if d.GridSize <= 0 {
		issues = append(issues, Issue{Kind: "diagram-canvas", Message: "grid size must be positive"})
	}
	if len(d.Nodes) == 0 {
		issues = append(issues, Issue{Kind: "diagram-empty", Message: "diagram has no nodes"})
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			issues = append(issues, Issue{Kind: "diagram-node-id", Message: "node with empty id"})
			continue
		}
		if seen[n.ID] {
			issues = append(issues, Issue{Kind: "diagram-duplicate-node", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		seen[n.ID] = true

		if d.Width > 0 && d.Height > 0 && (n.X < 0 || n.Y < 0 || n.X > float64(d.Width) || n.Y > float64(d.Height)) {
			issues = append(issues, Issue{Kind: "diagram-out-of-canvas", Message: fmt.Sprintf("node %q outside canvas", n.ID)})
		}
		if d.GridSize > 0 && !snapped(n.X, d.GridSize) || d.GridSize > 0 && !snapped(n.Y, d.GridSize) {
			issues = append(issues, Issue{
				Kind:    "diagram-grid-snap",
				Message: fmt.Sprintf("node %q (%.2f, %.2f) is off the %d-unit grid", n.ID, n.X, n.Y, d.GridSize),
			})
		}
	}

	for i, ar := range d.Arrows {
		if !seen[ar.From] {
			issues = append(issues, Issue{Kind: "diagram-dangling-arrow", Message: fmt.Sprintf("arrow %d references unknown node %q", i, ar.From)})
		}
		if !seen[ar.To] {
			issues = append(issues, Issue{Kind: "diagram-dangling-arrow", Message: fmt.Sprintf("arrow %d references unknown node %q", i, ar.To)})
		}
		if ar.From == ar.To && ar.From != "" {
			issues = append(issues, Issue{Kind: "diagram-self-arrow", Message: fmt.Sprintf("arrow %d is a self loop on %q", i, ar.From)})
		}
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

func snapped(v float64, grid int) bool {
	q := v / float64(grid)
	return math.Abs(q-math.Round(q)) < 1e-9
}

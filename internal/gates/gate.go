// Package gates holds the validation gates: pure, independently runnable
// validators behind one capability interface. The orchestrator selects
// gates per artifact kind, runs them all and reports every failure in a
// single pass.
package gates

import (
	"sort"
	"sync"

	"github.com/ashuein/contentforge/internal/types"
)

// ArtifactKind discriminates validation inputs.
type ArtifactKind string

const (
	ArtifactPlan     ArtifactKind = "plan"
	ArtifactScaffold ArtifactKind = "scaffold"
	ArtifactBlock    ArtifactKind = "block"
	ArtifactReader   ArtifactKind = "reader"
	ArtifactPlot     ArtifactKind = "plot"
	ArtifactDiagram  ArtifactKind = "diagram"
	ArtifactChem     ArtifactKind = "chem"
	ArtifactText     ArtifactKind = "text"
)

// Artifact is the tagged union handed to gates. Kind selects the populated
// field.
type Artifact struct {
	Kind     ArtifactKind
	Plan     *types.Plan
	Scaffold *types.Scaffold
	Block    *types.ContentBlock
	Reader   *types.ReaderDoc
	Plot     *types.PlotSpec
	Diagram  *types.DiagramSpec
	Chem     *types.ChemSpec
	Text     string
	// RawJSON carries the undecoded payload for the schema gate.
	RawJSON []byte
}

// Issue is one finding; Kind selects the repair strategy.
type Issue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the uniform gate outcome. Gates never panic and never return
// partial results: every error found in one pass is listed.
type Result struct {
	Valid    bool           `json:"valid"`
	Skipped  bool           `json:"skipped,omitempty"`
	Errors   []Issue        `json:"errors,omitempty"`
	Warnings []Issue        `json:"warnings,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func pass() Result              { return Result{Valid: true} }
func skip() Result              { return Result{Valid: true, Skipped: true} }
func fail(issues ...Issue) Result {
	return Result{Valid: false, Errors: issues}
}

// Gate is the capability interface every validator exports.
type Gate interface {
	ID() string
	Applies(a Artifact) bool
	Validate(a Artifact) Result
}

// Registry maps gate ids to implementations.
type Registry struct {
	mu    sync.RWMutex
	gates map[string]Gate
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]Gate)}
}

// Register installs a gate; the last registration for an id wins.
func (r *Registry) Register(g Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[g.ID()] = g
}

// Get returns a gate by id.
func (r *Registry) Get(id string) (Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[id]
	return g, ok
}

// IDs returns registered gate ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gates))
	for id := range r.gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run executes the named gates against the artifact. Every requested gate
// appears in the outcome list: passed, failed or skipped — never silently
// absent. Results are keyed by gate id for repair.
func (r *Registry) Run(a Artifact, gateIDs ...string) ([]types.GateOutcome, map[string]Result) {
	outcomes := make([]types.GateOutcome, 0, len(gateIDs))
	results := make(map[string]Result, len(gateIDs))

	for _, id := range gateIDs {
		g, ok := r.Get(id)
		if !ok || !g.Applies(a) {
			outcomes = append(outcomes, types.GateOutcome{GateID: id, Passed: true, Skipped: true})
			results[id] = skip()
			continue
		}
		res := g.Validate(a)
		results[id] = res

		out := types.GateOutcome{GateID: id, Passed: res.Valid, Skipped: res.Skipped}
		for _, e := range res.Errors {
			out.Errors = append(out.Errors, e.Kind+": "+e.Message)
		}
		for _, w := range res.Warnings {
			out.Warnings = append(out.Warnings, w.Kind+": "+w.Message)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, results
}

// DefaultRegistry wires every gate with its default configuration.
func DefaultRegistry(numericTrials int) *Registry {
	r := NewRegistry()
	r.Register(NewSchemaGate())
	r.Register(NewBeatGraphGate())
	r.Register(NewLaTeXGate())
	r.Register(NewNumericGate(numericTrials))
	r.Register(NewExprLexGate())
	r.Register(NewSMILESGate())
	r.Register(NewDiagramGate())
	r.Register(NewCrossRefGate())
	r.Register(NewUnicodeGate(true))
	r.Register(NewUnitsGate())
	r.Register(NewStyleGate())
	return r
}

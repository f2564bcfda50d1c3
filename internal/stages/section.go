package stages

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/gateway"
	"github.com/ashuein/contentforge/internal/repair"
	"github.com/ashuein/contentforge/internal/retry"
	"github.com/ashuein/contentforge/internal/types"
)

// SectionWriter is M3: it authors one section at a time from its
// SectionContext, validating and repairing every generated block. A block
// whose gates still fail after repair fails the whole section.
type SectionWriter struct {
	cfg     config.PipelineConfig
	gw      *gateway.Gateway
	gates   *gates.Registry
	repairs *repair.Engine
	retries *retry.Manager
	log     *zap.Logger
}

// NewSectionWriter builds M3.
func NewSectionWriter(cfg config.PipelineConfig, gw *gateway.Gateway, registry *gates.Registry, repairs *repair.Engine, retries *retry.Manager, log *zap.Logger) *SectionWriter {
	return &SectionWriter{cfg: cfg, gw: gw, gates: registry, repairs: repairs, retries: retries, log: log}
}

// blockGates lists the gates run against each generated block kind.
func blockGates(kind types.BlockKind) []string {
	switch kind {
	case types.BlockProse:
		return []string{"schema", "unicode", "style"}
	case types.BlockEquation:
		return []string{"schema", "latex", "numeric", "units"}
	case types.BlockChemistry:
		return []string{"schema", "smiles"}
	default:
		return []string{"schema"}
	}
}

// Run authors one section.
func (w *SectionWriter) Run(ctx context.Context, sc types.SectionContext, correlationID string) (*types.SectionDoc, error) {
	if err := checkInput(types.StageSection, sc.Envelope, correlationID); err != nil {
		return nil, err
	}

	log := w.log.With(
		zap.String("correlation_id", correlationID),
		zap.String("section_id", sc.Section.ID))

	doc := &types.SectionDoc{
		SectionID: sc.Section.ID,
		Title:     sc.Section.Title,
		State:     sc.State,
	}

	// Entry transition opens the section.
	entry := types.ContentBlock{
		Kind:      types.BlockProse,
		Markdown:  sc.Section.EntryTransition,
		WordCount: len(strings.Fields(sc.Section.EntryTransition)),
	}
	if err := w.validateAndRepair(&entry, &doc.Report, correlationID); err != nil {
		return nil, err
	}
	doc.Blocks = append(doc.Blocks, entry)

	// One authored prose block per section body, then each asset marker in
	// declared order with its surrounding prose.
	body, err := w.authorProse(ctx, sc, correlationID, "")
	if err != nil {
		return nil, err
	}
	if err := w.validateAndRepair(body, &doc.Report, correlationID); err != nil {
		return nil, err
	}
	doc.Blocks = append(doc.Blocks, *body)

	for _, marker := range sc.Section.Markers {
		kind, name, ok := parseMarker(marker)
		if !ok {
			return nil, types.NewPipelineError("M3", "BAD-MARKER", correlationID,
				fmt.Sprintf("malformed asset marker %q in section %s", marker, sc.Section.ID))
		}
		if used(doc.State.UsedAssets, kind, name) {
			log.Debug("skipping already-used asset", zap.String("marker", marker))
			continue
		}

		lead, err := w.authorProse(ctx, sc, correlationID, marker)
		if err != nil {
			return nil, err
		}
		if err := w.validateAndRepair(lead, &doc.Report, correlationID); err != nil {
			return nil, err
		}
		doc.Blocks = append(doc.Blocks, *lead)

		block, spec, err := w.authorAsset(ctx, sc, kind, name, correlationID)
		if err != nil {
			return nil, err
		}
		if err := w.validateAndRepair(block, &doc.Report, correlationID); err != nil {
			return nil, err
		}
		if spec != nil {
			if err := w.validateSpec(spec, &doc.Report, correlationID); err != nil {
				return nil, err
			}
			doc.Assets = append(doc.Assets, *spec)
		}
		doc.Blocks = append(doc.Blocks, *block)
		doc.State.UsedAssets = append(doc.State.UsedAssets, string(kind)+":"+name)
	}

	doc.State = w.updateState(doc.State, sc, doc.Blocks)

	env, err := seal(types.StageSection, correlationID, doc)
	if err != nil {
		return nil, types.NewPipelineError("M3", "SEAL", correlationID, "section hashing failed").WithCause(err)
	}
	doc.Envelope = env

	log.Info("section produced", zap.Int("blocks", len(doc.Blocks)), zap.Int("assets", len(doc.Assets)))
	return doc, nil
}

// validateAndRepair runs the block's gates, invokes the repair engine on
// failure and revalidates, up to the configured repair attempts. A block
// that still fails exhausts the section.
func (w *SectionWriter) validateAndRepair(block *types.ContentBlock, report *types.ValidationReport, correlationID string) error {
	gateIDs := blockGates(block.Kind)

	for attempt := 0; ; attempt++ {
		outcomes, results := w.gates.Run(gates.Artifact{Kind: gates.ArtifactBlock, Block: block}, gateIDs...)
		report.Gates = append(report.Gates, outcomes...)

		var issues []gates.Issue
		for _, id := range gateIDs {
			res := results[id]
			if !res.Valid {
				issues = append(issues, res.Errors...)
			}
		}
		if len(issues) == 0 {
			return nil
		}
		if attempt >= w.cfg.RepairAttempts {
			return types.NewPipelineError("M3", "REPAIR-EXHAUSTED", correlationID,
				fmt.Sprintf("block %s still failing after %d repair attempt(s): %s",
					block.Kind, attempt, issues[0].Message)).
				WithCause(types.ErrRepairExhausted)
		}

		out := w.repairs.Apply("M3", correlationID, block, issues)
		report.RepairLog = append(report.RepairLog, out.Entries...)
		if len(out.Manual) > 0 {
			return types.NewPipelineError("M3", "MANUAL-REVIEW", correlationID,
				"no repair strategy for: "+strings.Join(out.Manual, ", "))
		}
		if !out.Changed {
			return types.NewPipelineError("M3", "REPAIR-EXHAUSTED", correlationID,
				"repair made no progress on block "+string(block.Kind)).
				WithCause(types.ErrRepairExhausted)
		}
	}
}

// validateSpec runs the spec-level gates for a generated asset.
func (w *SectionWriter) validateSpec(spec *types.AssetSpec, report *types.ValidationReport, correlationID string) error {
	var artifact gates.Artifact
	var gateIDs []string
	switch spec.Kind {
	case types.AssetPlot:
		artifact = gates.Artifact{Kind: gates.ArtifactPlot, Plot: spec.Plot}
		gateIDs = []string{"exprlex"}
	case types.AssetDiagram:
		artifact = gates.Artifact{Kind: gates.ArtifactDiagram, Diagram: spec.Diagram}
		gateIDs = []string{"diagram"}
	case types.AssetChem:
		artifact = gates.Artifact{Kind: gates.ArtifactChem, Chem: spec.Chem}
		gateIDs = []string{"smiles"}
	default:
		return nil
	}

	outcomes, results := w.gates.Run(artifact, gateIDs...)
	report.Gates = append(report.Gates, outcomes...)
	for _, id := range gateIDs {
		if res := results[id]; !res.Valid {
			// Plot expressions get one scrub pass before the section fails.
			if spec.Kind == types.AssetPlot && spec.Plot != nil {
				if scrubbed, changed := repair.ScrubPlotExpr(spec.Plot.Expr); changed {
					spec.Plot.Expr = scrubbed
					report.RepairLog = append(report.RepairLog, types.RepairEntry{
						Kind: "expr-forbidden", Attempt: 1, Applied: "scrubbed plot expression", Success: true,
					})
					redo, redoResults := w.gates.Run(gates.Artifact{Kind: gates.ArtifactPlot, Plot: spec.Plot}, "exprlex")
					report.Gates = append(report.Gates, redo...)
					if redoResults["exprlex"].Valid {
						continue
					}
				}
			}
			return types.NewPipelineError("M3", "ASSET-VALIDATION", correlationID,
				fmt.Sprintf("asset %s failed gate %s: %s", spec.Name(), id, res.Errors[0].Message))
		}
	}
	return nil
}

// proseSchema is the structured-output hint for prose sub-blocks.
var proseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"markdown": map[string]any{"type": "string"},
	},
	"required": []string{"markdown"},
}

func (w *SectionWriter) authorProse(ctx context.Context, sc types.SectionContext, correlationID, marker string) (*types.ContentBlock, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write reader prose for section %q of the %s chapter %q (grade %s, %s difficulty).\n",
		sc.Section.Title, sc.Subject, sc.ChapterTitle, sc.Grade, sc.Difficulty)
	if sc.State.Recap != "" {
		fmt.Fprintf(&prompt, "Recap of the chapter so far: %s\n", sc.State.Recap)
	}
	if len(sc.State.Terms) > 0 {
		fmt.Fprintf(&prompt, "Terms already introduced: %s.\n", strings.Join(sc.State.Terms, ", "))
	}
	if len(sc.Section.Concepts) > 0 {
		fmt.Fprintf(&prompt, "Cover these concepts in order: %s.\n", strings.Join(sc.Section.Concepts, ", "))
	}
	if marker != "" {
		fmt.Fprintf(&prompt, "This paragraph leads into the asset %s; set it up naturally.\n", marker)
	}
	prompt.WriteString("Plain flowing paragraphs only: no headers, no lists, no code fences, no filenames.")

	var payload struct {
		Markdown string `json:"markdown"`
		Text     string `json:"text"`
	}
	err := w.retries.Execute(ctx, retry.PhaseContentGeneration, func(ctx context.Context) error {
		return w.gw.GenerateJSON(ctx, prompt.String(), gateway.Options{
			System:        "You author textbook prose. Respond with the requested JSON object only.",
			SchemaName:    "prose-block",
			Schema:        proseSchema,
			CorrelationID: correlationID,
		}, &payload)
	})
	if err != nil {
		return nil, types.NewPipelineError("M3", "GENERATION", correlationID, "prose generation failed").WithCause(err)
	}
	markdown := payload.Markdown
	if markdown == "" {
		markdown = payload.Text
	}
	return &types.ContentBlock{
		Kind:      types.BlockProse,
		Markdown:  strings.TrimSpace(markdown),
		WordCount: len(strings.Fields(markdown)),
	}, nil
}

// authorAsset generates the block and, for plot/diagram/chem/widget
// markers, the accompanying spec.
func (w *SectionWriter) authorAsset(ctx context.Context, sc types.SectionContext, kind types.AssetKind, name, correlationID string) (*types.ContentBlock, *types.AssetSpec, error) {
	switch kind {
	case types.AssetEquation:
		return w.authorEquation(ctx, sc, name, correlationID)
	case types.AssetPlot:
		return w.authorPlot(ctx, sc, name, correlationID)
	case types.AssetDiagram:
		return w.authorDiagram(ctx, sc, name, correlationID)
	case types.AssetChem:
		return w.authorChem(ctx, sc, name, correlationID)
	case types.AssetWidget:
		block := &types.ContentBlock{Kind: types.BlockWidget, SpecRef: name}
		spec := &types.AssetSpec{Kind: types.AssetWidget, Widget: &types.WidgetSpec{Name: name, Template: "interactive-" + name}}
		return block, spec, nil
	}
	return nil, nil, types.NewPipelineError("M3", "BAD-MARKER", correlationID, "unknown asset kind "+string(kind))
}

var equationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tex": map[string]any{"type": "string"},
		"check": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vars":      map[string]any{"type": "object"},
				"expr":      map[string]any{"type": "string"},
				"expected":  map[string]any{"type": "number"},
				"tolerance": map[string]any{"type": "number"},
			},
			"required": []string{"vars", "expr", "expected", "tolerance"},
		},
		"units": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"left":  map[string]any{"type": "string"},
				"right": map[string]any{"type": "string"},
				"vars":  map[string]any{"type": "object"},
			},
			"required": []string{"left", "right"},
		},
	},
	"required": []string{"tex", "check"},
}

func (w *SectionWriter) authorEquation(ctx context.Context, sc types.SectionContext, name, correlationID string) (*types.ContentBlock, *types.AssetSpec, error) {
	prompt := fmt.Sprintf(
		"Produce the equation %q for section %q (%s, grade %s). Return LaTeX under \"tex\" and a numeric check: "+
			"variable values under \"check.vars\", the arithmetic expression under \"check.expr\", the expected value and a tolerance. "+
			"When the quantities carry physical units, also return the dimensional contract under \"units\": both sides of the "+
			"equation and the SI unit string for each variable.",
		name, sc.Section.Title, sc.Subject, sc.Grade)

	var payload struct {
		TeX   string              `json:"tex"`
		Check *types.NumericCheck `json:"check"`
		Units *types.UnitCheck    `json:"units"`
	}
	err := w.retries.Execute(ctx, retry.PhaseContentGeneration, func(ctx context.Context) error {
		return w.gw.GenerateJSON(ctx, prompt, gateway.Options{
			System:        "You produce verified physics and mathematics equations.",
			SchemaName:    "equation-block",
			Schema:        equationSchema,
			CorrelationID: correlationID,
		}, &payload)
	})
	if err != nil {
		return nil, nil, types.NewPipelineError("M3", "GENERATION", correlationID, "equation generation failed").WithCause(err)
	}
	block := &types.ContentBlock{Kind: types.BlockEquation, TeX: payload.TeX, Check: payload.Check, Units: payload.Units}
	return block, nil, nil
}

var plotSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"expr":    map[string]any{"type": "string"},
		"xMin":    map[string]any{"type": "number"},
		"xMax":    map[string]any{"type": "number"},
		"yMin":    map[string]any{"type": "number"},
		"yMax":    map[string]any{"type": "number"},
		"xLabel":  map[string]any{"type": "string"},
		"yLabel":  map[string]any{"type": "string"},
	},
	"required": []string{"expr", "xMin", "xMax", "yMin", "yMax"},
}

func (w *SectionWriter) authorPlot(ctx context.Context, sc types.SectionContext, name, correlationID string) (*types.ContentBlock, *types.AssetSpec, error) {
	prompt := fmt.Sprintf(
		"Specify the plot %q for section %q (%s). Give a y=f(x) expression using only elementary functions of x, "+
			"bounded axis ranges and axis labels.",
		name, sc.Section.Title, sc.Subject)

	var payload struct {
		Expr   string  `json:"expr"`
		XMin   float64 `json:"xMin"`
		XMax   float64 `json:"xMax"`
		YMin   float64 `json:"yMin"`
		YMax   float64 `json:"yMax"`
		XLabel string  `json:"xLabel"`
		YLabel string  `json:"yLabel"`
	}
	err := w.retries.Execute(ctx, retry.PhaseContentGeneration, func(ctx context.Context) error {
		return w.gw.GenerateJSON(ctx, prompt, gateway.Options{
			System:        "You specify mathematical plots as structured data.",
			SchemaName:    "plot-spec",
			Schema:        plotSchema,
			CorrelationID: correlationID,
		}, &payload)
	})
	if err != nil {
		return nil, nil, types.NewPipelineError("M3", "GENERATION", correlationID, "plot generation failed").WithCause(err)
	}

	spec := &types.AssetSpec{Kind: types.AssetPlot, Plot: &types.PlotSpec{
		Name: name, Expr: payload.Expr,
		X:       types.AxisRange{Min: payload.XMin, Max: payload.XMax},
		Y:       types.AxisRange{Min: payload.YMin, Max: payload.YMax},
		Samples: 200, XLabel: payload.XLabel, YLabel: payload.YLabel,
	}}
	block := &types.ContentBlock{Kind: types.BlockPlot, SpecRef: name}
	return block, spec, nil
}

var diagramSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"nodes": map[string]any{"type": "array"},
		"arrows": map[string]any{"type": "array"},
	},
	"required": []string{"nodes"},
}

func (w *SectionWriter) authorDiagram(ctx context.Context, sc types.SectionContext, name, correlationID string) (*types.ContentBlock, *types.AssetSpec, error) {
	prompt := fmt.Sprintf(
		"Specify the diagram %q for section %q (%s) on a 400x300 canvas with a 10-unit grid. "+
			"Give nodes (id, kind point/box/circle, x, y, label) and arrows (from, to, label).",
		name, sc.Section.Title, sc.Subject)

	var payload struct {
		Nodes  []types.DiagramNode  `json:"nodes"`
		Arrows []types.DiagramArrow `json:"arrows"`
	}
	err := w.retries.Execute(ctx, retry.PhaseContentGeneration, func(ctx context.Context) error {
		return w.gw.GenerateJSON(ctx, prompt, gateway.Options{
			System:        "You lay out educational diagrams as structured data.",
			SchemaName:    "diagram-spec",
			Schema:        diagramSchema,
			CorrelationID: correlationID,
		}, &payload)
	})
	if err != nil {
		return nil, nil, types.NewPipelineError("M3", "GENERATION", correlationID, "diagram generation failed").WithCause(err)
	}

	spec := &types.AssetSpec{Kind: types.AssetDiagram, Diagram: &types.DiagramSpec{
		Name: name, Width: 400, Height: 300, GridSize: 10,
		Nodes: payload.Nodes, Arrows: payload.Arrows,
	}}
	// Snap before validation so near-grid coordinates survive the gate.
	for i := range spec.Diagram.Nodes {
		spec.Diagram.Nodes[i].X = snapTo(spec.Diagram.Nodes[i].X, spec.Diagram.GridSize)
		spec.Diagram.Nodes[i].Y = snapTo(spec.Diagram.Nodes[i].Y, spec.Diagram.GridSize)
	}
	block := &types.ContentBlock{Kind: types.BlockDiagram, SpecRef: name}
	return block, spec, nil
}

var chemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"smiles":  map[string]any{"type": "string"},
		"caption": map[string]any{"type": "string"},
	},
	"required": []string{"smiles"},
}

func (w *SectionWriter) authorChem(ctx context.Context, sc types.SectionContext, name, correlationID string) (*types.ContentBlock, *types.AssetSpec, error) {
	prompt := fmt.Sprintf("Give the SMILES string for the structure %q discussed in section %q, with a short caption.",
		name, sc.Section.Title)

	var payload struct {
		SMILES  string `json:"smiles"`
		Caption string `json:"caption"`
	}
	err := w.retries.Execute(ctx, retry.PhaseContentGeneration, func(ctx context.Context) error {
		return w.gw.GenerateJSON(ctx, prompt, gateway.Options{
			System:        "You provide chemical structures as SMILES.",
			SchemaName:    "chem-spec",
			Schema:        chemSchema,
			CorrelationID: correlationID,
		}, &payload)
	})
	if err != nil {
		return nil, nil, types.NewPipelineError("M3", "GENERATION", correlationID, "chemistry generation failed").WithCause(err)
	}

	block := &types.ContentBlock{Kind: types.BlockChemistry, SMILES: payload.SMILES, Caption: payload.Caption}
	spec := &types.AssetSpec{Kind: types.AssetChem, Chem: &types.ChemSpec{Name: name, SMILES: payload.SMILES, Caption: payload.Caption}}
	return block, spec, nil
}

// updateState folds the section's contribution into the running state:
// a bounded recap, newly introduced terms and open threads.
func (w *SectionWriter) updateState(state types.RunningState, sc types.SectionContext, blocks []types.ContentBlock) types.RunningState {
	var prose []string
	for _, b := range blocks {
		if b.Kind == types.BlockProse {
			prose = append(prose, b.Markdown)
		}
	}
	state.Recap = truncateWords(state.Recap+" "+strings.Join(prose, " "), 150)

	for _, term := range sc.Section.Concepts {
		if !contains(state.Terms, term) {
			state.Terms = append(state.Terms, term)
		}
	}

	state.OpenThreads = nil
	if sc.Index < sc.Total-1 {
		state.OpenThreads = append(state.OpenThreads, sc.Section.ExitTransition)
	}
	return state
}

func parseMarker(marker string) (types.AssetKind, string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(marker, "{{"), "}}")
	parts := strings.SplitN(inner, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	kind := types.AssetKind(parts[0])
	switch kind {
	case types.AssetEquation, types.AssetPlot, types.AssetDiagram, types.AssetWidget, types.AssetChem:
		return kind, parts[1], true
	}
	return "", "", false
}

func used(usedAssets []string, kind types.AssetKind, name string) bool {
	return contains(usedAssets, string(kind)+":"+name)
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}

func snapTo(v float64, grid int) float64 {
	if grid <= 0 {
		return v
	}
	g := float64(grid)
	return g * math.Round(v/g)
}

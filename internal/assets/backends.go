package assets

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/types"
)

// The per-kind compilers produce deterministic SVG from validated specs.
// Layout math lives here; the heavy typesetting back-ends stay external
// and are reached through the same interface.

// PlotCompiler samples the spec's expression over the x range and renders
// a polyline.
type PlotCompiler struct {
	lexGate *gates.ExprLexGate
}

// NewPlotCompiler builds the plot back-end.
func NewPlotCompiler() *PlotCompiler {
	return &PlotCompiler{lexGate: gates.NewExprLexGate()}
}

func (c *PlotCompiler) Kind() types.AssetKind { return types.AssetPlot }
func (c *PlotCompiler) Version() string       { return "plot-1.2.0" }

func (c *PlotCompiler) Compile(ctx context.Context, spec types.AssetSpec) (string, error) {
	if err := compileDeadline(ctx); err != nil {
		return "", err
	}
	p := spec.Plot
	if p == nil {
		return "", fmt.Errorf("plot spec absent")
	}
	if issues := c.lexGate.Check(p.Expr); len(issues) > 0 {
		return "", fmt.Errorf("plot expression rejected: %s", issues[0].Message)
	}
	if p.X.Max <= p.X.Min {
		return "", fmt.Errorf("x range [%g, %g] is empty", p.X.Min, p.X.Max)
	}
	samples := p.Samples
	if samples < 2 {
		samples = 100
	}
	if samples > 2000 {
		samples = 2000
	}

	const width, height = 640.0, 400.0
	yMin, yMax := p.Y.Min, p.Y.Max
	if yMax <= yMin {
		return "", fmt.Errorf("y range [%g, %g] is empty", yMin, yMax)
	}

	var points []string
	step := (p.X.Max - p.X.Min) / float64(samples-1)
	for i := 0; i < samples; i++ {
		x := p.X.Min + float64(i)*step
		y, err := gates.EvalExpr(p.Expr, map[string]float64{"x": x, "t": x})
		if err != nil {
			// Skip singular points; the polyline breaks there.
			continue
		}
		if y < yMin || y > yMax {
			continue
		}
		px := (x - p.X.Min) / (p.X.Max - p.X.Min) * width
		py := height - (y-yMin)/(yMax-yMin)*height
		points = append(points, fmt.Sprintf("%.2f,%.2f", px, py))
	}
	if len(points) < 2 {
		return "", fmt.Errorf("expression produced fewer than two plottable points")
	}

	color := p.Style.Color
	if color == "" {
		color = "#1a6baf"
	}
	lineWidth := p.Style.LineWidth
	if lineWidth <= 0 {
		lineWidth = 2
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %g %g">`, width, height)
	if p.Style.GridLines {
		for i := 1; i < 10; i++ {
			fmt.Fprintf(&b, `<line x1="%g" y1="0" x2="%g" y2="%g" stroke="#e0e0e0" stroke-width="1"/>`, width/10*float64(i), width/10*float64(i), height)
			fmt.Fprintf(&b, `<line x1="0" y1="%g" x2="%g" y2="%g" stroke="#e0e0e0" stroke-width="1"/>`, height/10*float64(i), width, height/10*float64(i))
		}
	}
	fmt.Fprintf(&b, `<polyline fill="none" stroke="%s" stroke-width="%g" points="%s"/>`, color, lineWidth, strings.Join(points, " "))
	if p.XLabel != "" {
		fmt.Fprintf(&b, `<text x="%g" y="%g" text-anchor="middle">%s</text>`, width/2, height-6, escapeText(p.XLabel))
	}
	if p.YLabel != "" {
		fmt.Fprintf(&b, `<text x="14" y="%g" text-anchor="middle" transform="rotate(-90 14 %g)">%s</text>`, height/2, height/2, escapeText(p.YLabel))
	}
	b.WriteString(`</svg>`)
	return b.String(), nil
}

// DiagramCompiler renders nodes and arrows on the fixed grid, snapping
// coordinates first.
type DiagramCompiler struct{}

// NewDiagramCompiler builds the diagram back-end.
func NewDiagramCompiler() *DiagramCompiler { return &DiagramCompiler{} }

func (c *DiagramCompiler) Kind() types.AssetKind { return types.AssetDiagram }
func (c *DiagramCompiler) Version() string       { return "diagram-1.1.0" }

func (c *DiagramCompiler) Compile(ctx context.Context, spec types.AssetSpec) (string, error) {
	if err := compileDeadline(ctx); err != nil {
		return "", err
	}
	d := spec.Diagram
	if d == nil {
		return "", fmt.Errorf("diagram spec absent")
	}
	if len(d.Nodes) == 0 {
		return "", fmt.Errorf("diagram has no nodes")
	}

	positions := make(map[string][2]float64, len(d.Nodes))
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d">`, d.Width, d.Height)
	for _, n := range d.Nodes {
		x, y := snapCoord(n.X, d.GridSize), snapCoord(n.Y, d.GridSize)
		positions[n.ID] = [2]float64{x, y}
		switch n.Kind {
		case "box":
			fmt.Fprintf(&b, `<rect x="%g" y="%g" width="60" height="40" fill="none" stroke="#333" stroke-width="2"/>`, x-30, y-20)
		case "circle":
			fmt.Fprintf(&b, `<circle cx="%g" cy="%g" r="20" fill="none" stroke="#333" stroke-width="2"/>`, x, y)
		default:
			fmt.Fprintf(&b, `<circle cx="%g" cy="%g" r="3" fill="#333"/>`, x, y)
		}
		if n.Label != "" {
			fmt.Fprintf(&b, `<text x="%g" y="%g" text-anchor="middle">%s</text>`, x, y-26, escapeText(n.Label))
		}
	}
	for _, ar := range d.Arrows {
		from, okF := positions[ar.From]
		to, okT := positions[ar.To]
		if !okF || !okT {
			return "", fmt.Errorf("arrow references unknown node %q", pickMissing(ar, okF))
		}
		fmt.Fprintf(&b, `<line x1="%g" y1="%g" x2="%g" y2="%g" stroke="#333" stroke-width="2" marker-end="url(#arrow)"/>`,
			from[0], from[1], to[0], to[1])
		if ar.Label != "" {
			fmt.Fprintf(&b, `<text x="%g" y="%g" text-anchor="middle">%s</text>`,
				(from[0]+to[0])/2, (from[1]+to[1])/2-6, escapeText(ar.Label))
		}
	}
	b.WriteString(`<defs><marker id="arrow" markerWidth="10" markerHeight="10" refX="8" refY="3" orient="auto"><path d="M0,0 L8,3 L0,6 Z" fill="#333"/></marker></defs>`)
	b.WriteString(`</svg>`)
	return b.String(), nil
}

// ChemCompiler renders a SMILES string as a labeled placeholder frame; the
// structural drawing engine is an external concern behind the same
// contract.
type ChemCompiler struct {
	gate *gates.SMILESGate
}

// NewChemCompiler builds the chemistry back-end.
func NewChemCompiler() *ChemCompiler { return &ChemCompiler{gate: gates.NewSMILESGate()} }

func (c *ChemCompiler) Kind() types.AssetKind { return types.AssetChem }
func (c *ChemCompiler) Version() string       { return "chem-1.0.2" }

func (c *ChemCompiler) Compile(ctx context.Context, spec types.AssetSpec) (string, error) {
	if err := compileDeadline(ctx); err != nil {
		return "", err
	}
	ch := spec.Chem
	if ch == nil {
		return "", fmt.Errorf("chem spec absent")
	}
	if issues := c.gate.Check(ch.SMILES); len(issues) > 0 {
		return "", fmt.Errorf("smiles rejected: %s", issues[0].Message)
	}

	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 320 120">`)
	b.WriteString(`<rect x="4" y="4" width="312" height="112" fill="none" stroke="#555" stroke-width="1"/>`)
	fmt.Fprintf(&b, `<text x="160" y="56" text-anchor="middle" font-family="monospace">%s</text>`, escapeText(ch.SMILES))
	if ch.Caption != "" {
		fmt.Fprintf(&b, `<text x="160" y="100" text-anchor="middle">%s</text>`, escapeText(ch.Caption))
	}
	b.WriteString(`</svg>`)
	return b.String(), nil
}

func snapCoord(v float64, grid int) float64 {
	if grid <= 0 {
		return v
	}
	g := float64(grid)
	return g * math.Round(v/g)
}

func pickMissing(ar types.DiagramArrow, fromOK bool) string {
	if !fromOK {
		return ar.From
	}
	return ar.To
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

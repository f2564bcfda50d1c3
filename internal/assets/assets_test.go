package assets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/cache"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

func newTestAdapter(t *testing.T, precompiledDir string) *Adapter {
	t.Helper()
	m := metrics.New()
	log := logging.Nop()

	ccfg := config.DefaultCacheConfig()
	ccfg.CleanupInterval = 0
	ccfg.SyncDiskWrites = true
	store, err := cache.New(ccfg, t.TempDir(), log, m)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	idx := NewPrecompiledIndex(precompiledDir, log)
	t.Cleanup(idx.Close)

	return NewAdapter(config.DefaultPipelineConfig(), store, idx, log, m)
}

func plotSpec() types.AssetSpec {
	return types.AssetSpec{
		Kind: types.AssetPlot,
		Plot: &types.PlotSpec{
			Name: "parabola", Expr: "x^2",
			X: types.AxisRange{Min: -2, Max: 2}, Y: types.AxisRange{Min: 0, Max: 4},
			Samples: 50, XLabel: "x", YLabel: "y",
		},
	}
}

func TestPlotCompile(t *testing.T) {
	a := newTestAdapter(t, "")
	res := a.Compile(context.Background(), plotSpec(), "c1")
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Contains(t, res.SVG, "<polyline")
	assert.Contains(t, res.SVG, "</svg>")
}

func TestPlotCompileCacheHit(t *testing.T) {
	a := newTestAdapter(t, "")
	first := a.Compile(context.Background(), plotSpec(), "c1")
	require.True(t, first.Success)

	second := a.Compile(context.Background(), plotSpec(), "c2")
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SVG, second.SVG)
}

func TestPlotCompileRejectsDangerousExpr(t *testing.T) {
	a := newTestAdapter(t, "")
	spec := plotSpec()
	spec.Plot.Expr = "eval(x)"
	res := a.Compile(context.Background(), spec, "c1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "rejected")
}

func TestDiagramCompile(t *testing.T) {
	a := newTestAdapter(t, "")
	spec := types.AssetSpec{
		Kind: types.AssetDiagram,
		Diagram: &types.DiagramSpec{
			Name: "fbd", Width: 400, Height: 300, GridSize: 10,
			Nodes: []types.DiagramNode{
				{ID: "a", Kind: "box", X: 100, Y: 100, Label: "m"},
				{ID: "b", Kind: "point", X: 200, Y: 200},
			},
			Arrows: []types.DiagramArrow{{From: "a", To: "b", Label: "F"}},
		},
	}
	res := a.Compile(context.Background(), spec, "c1")
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Contains(t, res.SVG, "<rect")
	assert.Contains(t, res.SVG, "<line")
}

func TestDiagramCompileSnapsToGrid(t *testing.T) {
	c := NewDiagramCompiler()
	spec := types.AssetSpec{
		Kind: types.AssetDiagram,
		Diagram: &types.DiagramSpec{
			Name: "snap", Width: 400, Height: 300, GridSize: 10,
			Nodes: []types.DiagramNode{{ID: "a", Kind: "point", X: 103.2, Y: 96.7}},
		},
	}
	svg, err := c.Compile(context.Background(), spec)
	require.NoError(t, err)
	assert.Contains(t, svg, `cx="100"`)
	assert.Contains(t, svg, `cy="100"`)
}

func TestChemCompile(t *testing.T) {
	a := newTestAdapter(t, "")
	spec := types.AssetSpec{
		Kind: types.AssetChem,
		Chem: &types.ChemSpec{Name: "ethanol", SMILES: "CCO", Caption: "Ethanol"},
	}
	res := a.Compile(context.Background(), spec, "c1")
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Contains(t, res.SVG, "CCO")
}

func TestChemCompileRejectsInvalidSMILES(t *testing.T) {
	a := newTestAdapter(t, "")
	spec := types.AssetSpec{
		Kind: types.AssetChem,
		Chem: &types.ChemSpec{Name: "bad", SMILES: "CC(O"},
	}
	res := a.Compile(context.Background(), spec, "c1")
	assert.False(t, res.Success)
}

func TestPrecompiledFallback(t *testing.T) {
	dir := t.TempDir()
	svg := `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><circle cx="5" cy="5" r="2"/></svg>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.svg"), []byte(svg), 0o644))

	a := newTestAdapter(t, dir)
	spec := types.AssetSpec{
		Kind: types.AssetChem,
		Chem: &types.ChemSpec{Name: "bad", SMILES: "CC(O"}, // fails the gate
	}
	res := a.Compile(context.Background(), spec, "c1")
	require.True(t, res.Success, "precompiled fallback must serve")
	assert.True(t, res.Precompiled)
	assert.Equal(t, svg, res.SVG)
}

func TestCompileBatchIsolation(t *testing.T) {
	a := newTestAdapter(t, "")
	specs := []types.AssetSpec{
		plotSpec(),
		{Kind: types.AssetChem, Chem: &types.ChemSpec{Name: "bad", SMILES: "CC(O"}},
		{Kind: types.AssetChem, Chem: &types.ChemSpec{Name: "ok", SMILES: "CCO"}},
	}
	results := a.CompileBatch(context.Background(), specs, "c1")
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
}

func TestSanitizeSVGAllowsCompilerOutput(t *testing.T) {
	a := newTestAdapter(t, "")
	for _, spec := range []types.AssetSpec{plotSpec(), {Kind: types.AssetChem, Chem: &types.ChemSpec{Name: "e", SMILES: "CCO"}}} {
		res := a.Compile(context.Background(), spec, "c1")
		require.True(t, res.Success)
		_, err := SanitizeSVG(res.SVG)
		assert.NoError(t, err)
	}
}

func TestSanitizeSVGRejectsHostileContent(t *testing.T) {
	hostile := []string{
		`<svg><script>alert(1)</script></svg>`,
		`<svg onload="evil()"></svg>`,
		`<svg><image xlink:href="http://evil"/></svg>`,
		`<svg><foreignObject></foreignObject></svg>`,
		`<svg><a href="javascript:evil()">x</a></svg>`,
	}
	for _, svg := range hostile {
		_, err := SanitizeSVG(svg)
		assert.Error(t, err, "svg %q must be rejected", svg)
	}
}

func TestSanitizeSVGRejectsUnknownElement(t *testing.T) {
	_, err := SanitizeSVG(`<svg><blink>x</blink></svg>`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blink")
}

func TestEscapeText(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; &quot;c&quot;", escapeText(`a <b> & "c"`))
	assert.False(t, strings.Contains(escapeText("<script>"), "<"))
}

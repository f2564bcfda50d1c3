package stages

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/cache"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/gateway"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/ratelimit"
	"github.com/ashuein/contentforge/internal/repair"
	"github.com/ashuein/contentforge/internal/retry"
	"github.com/ashuein/contentforge/internal/types"
)

// schemaProvider answers by schema name, imitating a well-behaved remote.
type schemaProvider struct {
	bySchema map[string]string
}

func (p *schemaProvider) Generate(_ context.Context, req gateway.ProviderRequest) (*gateway.ProviderResponse, error) {
	text, ok := p.bySchema[req.SchemaName]
	if !ok {
		return nil, fmt.Errorf("unexpected schema %q", req.SchemaName)
	}
	return &gateway.ProviderResponse{Text: text}, nil
}

func newStageHarness(t *testing.T, provider gateway.Provider) (*gateway.Gateway, *gates.Registry, *repair.Engine, *retry.Manager) {
	t.Helper()
	m := metrics.New()
	log := logging.Nop()

	ccfg := config.DefaultCacheConfig()
	ccfg.CleanupInterval = 0
	ccfg.SyncDiskWrites = true
	store, err := cache.New(ccfg, t.TempDir(), log, m)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	rcfg := config.DefaultRateLimitConfig()
	rcfg.Burst = 256
	rcfg.RequestsPerMinute = 60000
	limiter := ratelimit.New(rcfg, log, m)
	t.Cleanup(limiter.Close)

	retries := retry.NewManager(log, m, limiter.Classifier())
	gw := gateway.New(config.DefaultGatewayConfig(), provider, store, limiter, retries, log, m)
	registry := gates.DefaultRegistry(5)
	repairs := repair.NewEngine(log, m)
	return gw, registry, repairs, retries
}

const planJSON = `{
	"title": "Laws of Motion",
	"beats": [
		{"id":"b1","headline":"Inertia and rest","outcomes":["state the first law"],"prereqs":[],"assets":["diagram:sled"]},
		{"id":"b2","headline":"Force and acceleration","outcomes":["apply newton second law"],"prereqs":["b1"],"assets":["eq:newton_second"]},
		{"id":"b3","headline":"Momentum","outcomes":["define momentum"],"prereqs":["b2"],"assets":[]},
		{"id":"b4","headline":"Action and reaction","outcomes":["identify force pairs"],"prereqs":["b2"],"assets":["plot:accel_curve"]}
	]
}`

func testRequest() types.GenerationRequest {
	return types.GenerationRequest{
		Grade: "Class XI", Subject: types.SubjectPhysics, Chapter: "Laws of Motion",
		Standard: "NCERT", Difficulty: types.DifficultyComfort,
	}
}

func TestPlannerProducesSealedPlan(t *testing.T) {
	gw, registry, _, _ := newStageHarness(t, &schemaProvider{bySchema: map[string]string{"plan": planJSON}})
	planner := NewPlanner(gw, registry, logging.Nop())

	plan, err := planner.Run(context.Background(), testRequest(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "Laws of Motion", plan.Title)
	assert.Len(t, plan.Beats, 4)
	assert.True(t, plan.Envelope.Sealed())
	assert.Equal(t, types.StagePlan, plan.Envelope.Producer)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, plan.Envelope.ContentHash)
}

func TestPlannerRejectsCyclicPlan(t *testing.T) {
	bad := `{"title":"T","beats":[
		{"id":"b1","headline":"A","outcomes":["o"],"prereqs":["b2"],"assets":[]},
		{"id":"b2","headline":"B","outcomes":["o"],"prereqs":["b1"],"assets":[]}
	]}`
	gw, registry, _, _ := newStageHarness(t, &schemaProvider{bySchema: map[string]string{"plan": bad}})
	planner := NewPlanner(gw, registry, logging.Nop())

	_, err := planner.Run(context.Background(), testRequest(), "corr-1")
	require.Error(t, err)
	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "E-M1-VALIDATION", perr.Code)
}

func sealedPlan(t *testing.T) *types.Plan {
	t.Helper()
	gw, registry, _, _ := newStageHarness(t, &schemaProvider{bySchema: map[string]string{"plan": planJSON}})
	plan, err := NewPlanner(gw, registry, logging.Nop()).Run(context.Background(), testRequest(), "corr-1")
	require.NoError(t, err)
	return plan
}

func TestScaffolderGroupsByDifficulty(t *testing.T) {
	plan := sealedPlan(t)
	sc := NewScaffolder(logging.Nop())

	scaffold, err := sc.Run(plan, "corr-1")
	require.NoError(t, err)
	// Four beats at comfort difficulty group three per section.
	require.Len(t, scaffold.Sections, 2)
	assert.Equal(t, "01", scaffold.Sections[0].ID)
	assert.Equal(t, "02", scaffold.Sections[1].ID)
	assert.Equal(t, []string{"b1", "b2", "b3"}, scaffold.Sections[0].BeatIDs)
	assert.Equal(t, []string{"b4"}, scaffold.Sections[1].BeatIDs)

	plan.Difficulty = types.DifficultyAdvanced
	scaffold, err = sc.Run(plan, "corr-1")
	require.NoError(t, err)
	assert.Len(t, scaffold.Sections, 2, "four beats at advanced difficulty group two per section")
	assert.Equal(t, []string{"b1", "b2"}, scaffold.Sections[0].BeatIDs)
}

func TestScaffolderMarkersFollowBeatOrder(t *testing.T) {
	plan := sealedPlan(t)
	scaffold, err := NewScaffolder(logging.Nop()).Run(plan, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"{{diagram:sled}}", "{{eq:newton_second}}"}, scaffold.Sections[0].Markers)
	assert.NotEmpty(t, scaffold.Sections[0].EntryTransition)
	assert.NotEmpty(t, scaffold.Sections[0].ExitTransition)
}

func TestScaffolderRejectsIncompatibleEnvelope(t *testing.T) {
	plan := sealedPlan(t)
	plan.Envelope.Version = "9.0.0"
	_, err := NewScaffolder(logging.Nop()).Run(plan, "corr-1")
	require.Error(t, err)
	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "E-M2-INPUT-INCOMPATIBLE", perr.Code)
}

func sectionResponses() map[string]string {
	return map[string]string{
		"plan":        planJSON,
		"prose-block": `{"markdown":"A body at rest stays at rest unless a net force acts on it. This single idea reshaped mechanics."}`,
		"equation-block": `{"tex":"F = ma","check":{"vars":{"m":2.0,"a":9.8},"expr":"m*a","expected":19.6,"tolerance":0.000001},"units":{"left":"F","right":"m*a","vars":{"F":"N","m":"kg","a":"m/s^2"}}}`,
		"plot-spec":   `{"expr":"2*x","xMin":0,"xMax":5,"yMin":0,"yMax":10,"xLabel":"t","yLabel":"v"}`,
		"diagram-spec": `{"nodes":[{"id":"sled","kind":"box","x":100,"y":100,"label":"sled"},{"id":"ground","kind":"point","x":200,"y":200}],"arrows":[{"from":"sled","to":"ground","label":"mg"}]}`,
		"chem-spec":   `{"smiles":"CCO","caption":"Ethanol"}`,
	}
}

func newSectionWriter(t *testing.T) *SectionWriter {
	t.Helper()
	gw, registry, repairs, retries := newStageHarness(t, &schemaProvider{bySchema: sectionResponses()})
	return NewSectionWriter(config.DefaultPipelineConfig(), gw, registry, repairs, retries, logging.Nop())
}

func sectionContexts(t *testing.T) (*types.Plan, []types.SectionContext) {
	t.Helper()
	plan := sealedPlan(t)
	sc := NewScaffolder(logging.Nop())
	scaffold, err := sc.Run(plan, "corr-1")
	require.NoError(t, err)
	contexts, err := sc.Contexts(plan, scaffold, "corr-1")
	require.NoError(t, err)
	return plan, contexts
}

func TestSectionWriterProducesBlocks(t *testing.T) {
	w := newSectionWriter(t)
	_, contexts := sectionContexts(t)

	doc, err := w.Run(context.Background(), contexts[0], "corr-1")
	require.NoError(t, err)
	assert.True(t, doc.Envelope.Sealed())
	assert.Equal(t, "01", doc.SectionID)

	var kinds []types.BlockKind
	for _, b := range doc.Blocks {
		kinds = append(kinds, b.Kind)
	}
	// Entry transition, body prose, then per marker: lead prose + asset.
	assert.Equal(t, []types.BlockKind{
		types.BlockProse, types.BlockProse,
		types.BlockProse, types.BlockDiagram,
		types.BlockProse, types.BlockEquation,
	}, kinds)

	assert.Len(t, doc.Assets, 1, "diagram spec captured; equation has no spec")
	assert.Equal(t, []string{"diagram:sled", "eq:newton_second"}, doc.State.UsedAssets)
	assert.True(t, doc.Report.Valid())

	// The equation's dimensional contract ran and passed.
	var unitsRan bool
	for _, o := range doc.Report.Gates {
		if o.GateID == "units" && !o.Skipped {
			unitsRan = true
			assert.True(t, o.Passed, "units gate errors: %v", o.Errors)
		}
	}
	assert.True(t, unitsRan, "units gate must run against the equation block")
}

func TestSectionWriterFailsOnUnitMismatch(t *testing.T) {
	responses := sectionResponses()
	// Dimensionally wrong contract: energy on the left, force on the right.
	responses["equation-block"] = `{"tex":"F = ma","check":{"vars":{"m":2.0,"a":9.8},"expr":"m*a","expected":19.6,"tolerance":0.000001},"units":{"left":"E","right":"m*a","vars":{"E":"J","m":"kg","a":"m/s^2"}}}`
	gw, registry, repairs, retries := newStageHarness(t, &schemaProvider{bySchema: responses})
	w := NewSectionWriter(config.DefaultPipelineConfig(), gw, registry, repairs, retries, logging.Nop())
	_, contexts := sectionContexts(t)

	_, err := w.Run(context.Background(), contexts[0], "corr-1")
	require.Error(t, err)
	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "E-M3-MANUAL-REVIEW", perr.Code, "no repair strategy exists for a dimensional mismatch")
}

func TestSectionWriterRecapBounded(t *testing.T) {
	w := newSectionWriter(t)
	_, contexts := sectionContexts(t)

	doc, err := w.Run(context.Background(), contexts[0], "corr-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(strings.Fields(doc.State.Recap)), 150)
	assert.NotEmpty(t, doc.State.Recap)
}

func TestSectionWriterSkipsUsedAssets(t *testing.T) {
	w := newSectionWriter(t)
	_, contexts := sectionContexts(t)
	contexts[0].State.UsedAssets = []string{"diagram:sled"}

	doc, err := w.Run(context.Background(), contexts[0], "corr-1")
	require.NoError(t, err)
	for _, b := range doc.Blocks {
		assert.NotEqual(t, types.BlockDiagram, b.Kind, "already-used diagram must not be regenerated")
	}
}

func TestSectionWriterRepairsFailingEquation(t *testing.T) {
	responses := sectionResponses()
	responses["equation-block"] = `{"tex":"F = \\dfrac{mv^2}{r","check":{"vars":{"m":2.0,"v":3.0,"r":1.0},"expr":"m*v*v/r","expected":18.0,"tolerance":0.000001}}`
	gw, registry, repairs, retries := newStageHarness(t, &schemaProvider{bySchema: responses})
	w := NewSectionWriter(config.DefaultPipelineConfig(), gw, registry, repairs, retries, logging.Nop())
	_, contexts := sectionContexts(t)

	doc, err := w.Run(context.Background(), contexts[0], "corr-1")
	require.NoError(t, err, "latex repair must recover the unbalanced brace and unknown command")
	assert.NotEmpty(t, doc.Report.RepairLog)

	var eq *types.ContentBlock
	for i := range doc.Blocks {
		if doc.Blocks[i].Kind == types.BlockEquation {
			eq = &doc.Blocks[i]
		}
	}
	require.NotNil(t, eq)
	assert.Empty(t, gates.CheckLaTeX(eq.TeX))
}

func TestSectionWriterFailsWhenRepairExhausted(t *testing.T) {
	responses := sectionResponses()
	// An equation whose check is numerically wrong beyond any tolerance
	// relaxation within budget.
	responses["equation-block"] = `{"tex":"F = ma","check":{"vars":{"m":2.0,"a":9.8},"expr":"m*a","expected":100.0,"tolerance":0.0000000001}}`
	gw, registry, repairs, retries := newStageHarness(t, &schemaProvider{bySchema: responses})
	w := NewSectionWriter(config.DefaultPipelineConfig(), gw, registry, repairs, retries, logging.Nop())
	_, contexts := sectionContexts(t)

	_, err := w.Run(context.Background(), contexts[0], "corr-1")
	require.Error(t, err)
	var perr *types.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "E-M3-REPAIR-EXHAUSTED", perr.Code)
}

func TestAssemblerAssignsGloballyUniqueIDs(t *testing.T) {
	w := newSectionWriter(t)
	plan, contexts := sectionContexts(t)

	var sections []*types.SectionDoc
	for _, sc := range contexts {
		doc, err := w.Run(context.Background(), sc, "corr-1")
		require.NoError(t, err)
		sections = append(sections, doc)
	}

	asm := NewAssembler(gates.DefaultRegistry(5), logging.Nop())
	reader, err := asm.Run(plan, sections, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "laws-of-motion", reader.Slug)
	assert.True(t, reader.Envelope.Sealed())

	seen := map[string]bool{}
	for _, b := range reader.Blocks {
		assert.NotEmpty(t, b.ID)
		assert.False(t, seen[b.ID], "duplicate id %s", b.ID)
		seen[b.ID] = true
	}
	assert.Equal(t, "laws-of-motion/01/prose-01", reader.Blocks[0].ID)
}

func TestAssemblerFanInDeterminism(t *testing.T) {
	w := newSectionWriter(t)
	plan, contexts := sectionContexts(t)

	var sections []*types.SectionDoc
	for _, sc := range contexts {
		doc, err := w.Run(context.Background(), sc, "corr-1")
		require.NoError(t, err)
		sections = append(sections, doc)
	}

	asm := NewAssembler(gates.DefaultRegistry(5), logging.Nop())
	first, err := asm.Run(plan, sections, "corr-1")
	require.NoError(t, err)
	second, err := asm.Run(plan, sections, "corr-1")
	require.NoError(t, err)

	require.Equal(t, len(first.Blocks), len(second.Blocks))
	for i := range first.Blocks {
		assert.Equal(t, first.Blocks[i].ID, second.Blocks[i].ID)
	}
	assert.Equal(t, first.Envelope.ContentHash, second.Envelope.ContentHash)
}


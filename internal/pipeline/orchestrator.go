// Package pipeline sequences the four stages behind a strict finite state
// machine: Plan, Scaffold, fan-out Sections over a bounded worker pool,
// Assemble, asset compilation and atomic publication. The first
// unrecoverable stage failure fails the whole pipeline; partial artifacts
// are never published.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ashuein/contentforge/internal/assets"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/publish"
	"github.com/ashuein/contentforge/internal/repair"
	"github.com/ashuein/contentforge/internal/stages"
	"github.com/ashuein/contentforge/internal/types"
)

// Run tracks one request through the pipeline.
type Run struct {
	CorrelationID string
	PromptID      string
	Request       types.GenerationRequest
	FSM           *FSM
	CreatedAt     time.Time
	UpdatedAt     time.Time

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	result    *publish.Result
	err       error
}

// Cancel marks the run cancelled; the orchestrator aborts at its next
// state transition. In-flight LLM calls finish or time out; their results
// are discarded.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Cancelled reports the cancellation flag.
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Result returns the publish result and terminal error, if any.
func (r *Run) Result() (*publish.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Orchestrator owns the stage modules and reliability plumbing.
type Orchestrator struct {
	cfg      config.PipelineConfig
	paths    config.PathsConfig
	planner  *stages.Planner
	scaffold *stages.Scaffolder
	sections *stages.SectionWriter
	assemble *stages.Assembler
	compiler *assets.Adapter
	repairs  *repair.Engine
	pub      *publish.Publisher
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New wires the orchestrator.
func New(cfg config.PipelineConfig, paths config.PathsConfig, planner *stages.Planner, scaffolder *stages.Scaffolder, sections *stages.SectionWriter, assembler *stages.Assembler, compiler *assets.Adapter, repairs *repair.Engine, pub *publish.Publisher, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		paths:    paths,
		planner:  planner,
		scaffold: scaffolder,
		sections: sections,
		assemble: assembler,
		compiler: compiler,
		repairs:  repairs,
		pub:      pub,
		log:      log,
		metrics:  m,
	}
}

// Execute drives one run to a terminal state. The returned error is the
// first causal failure; the FSM is always left in COMPLETED or FAILED.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (*types.ReaderDoc, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run.mu.Lock()
	run.cancel = cancel
	run.mu.Unlock()

	log := o.log.With(
		zap.String("correlation_id", run.CorrelationID),
		zap.String("prompt_id", run.PromptID))

	doc, err := o.execute(ctx, run, log)

	run.mu.Lock()
	run.err = err
	run.UpdatedAt = time.Now()
	run.mu.Unlock()

	o.repairs.Reset("M3", run.CorrelationID)
	if err != nil {
		run.FSM.Advance(StateFailed)
		o.metrics.PipelineRuns.WithLabelValues("failed").Inc()
		log.Warn("pipeline failed", zap.Error(err))
		return nil, err
	}
	o.metrics.PipelineRuns.WithLabelValues("completed").Inc()
	log.Info("pipeline completed")
	return doc, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, log *zap.Logger) (*types.ReaderDoc, error) {
	advance := func(to State) error {
		if run.Cancelled() {
			return types.NewPipelineError("C11", "CANCELLED", run.CorrelationID, "request cancelled").
				WithCause(types.ErrCancelled)
		}
		if err := run.FSM.Advance(to); err != nil {
			return types.NewPipelineError("C11", "FSM", run.CorrelationID, err.Error())
		}
		run.mu.Lock()
		run.UpdatedAt = time.Now()
		run.mu.Unlock()
		return nil
	}

	// PLANNING
	if err := advance(StatePlanning); err != nil {
		return nil, err
	}
	plan, err := timed(o.metrics, "M1", func() (*types.Plan, error) {
		return o.planner.Run(ctx, run.Request, run.CorrelationID)
	})
	if err != nil {
		return nil, err
	}

	// SCAFFOLDING
	if err := advance(StateScaffolding); err != nil {
		return nil, err
	}
	scaffold, err := timed(o.metrics, "M2", func() (*types.Scaffold, error) {
		return o.scaffold.Run(plan, run.CorrelationID)
	})
	if err != nil {
		return nil, err
	}
	contexts, err := o.scaffold.Contexts(plan, scaffold, run.CorrelationID)
	if err != nil {
		return nil, err
	}

	// SECTIONS: fan out over the bounded worker pool, fan in by index so
	// M4 sees sections in scaffold order regardless of completion order.
	if err := advance(StateSections); err != nil {
		return nil, err
	}
	start := time.Now()
	docs := make([]*types.SectionDoc, len(contexts))
	g, sctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SectionWorkers)
	for i := range contexts {
		i := i
		g.Go(func() error {
			doc, err := o.sections.Run(sctx, contexts[i], run.CorrelationID)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.metrics.StageDuration.WithLabelValues("M3").Observe(time.Since(start).Seconds())
		return nil, err
	}
	o.metrics.StageDuration.WithLabelValues("M3").Observe(time.Since(start).Seconds())

	// ASSEMBLING
	if err := advance(StateAssembling); err != nil {
		return nil, err
	}
	reader, err := timed(o.metrics, "M4", func() (*types.ReaderDoc, error) {
		return o.assemble.Run(plan, docs, run.CorrelationID)
	})
	if err != nil {
		return nil, err
	}

	// Asset compilation happens before publication so a compile failure
	// without a precompiled fallback fails the run pre-publish.
	if err := o.compileAssets(ctx, docs, run.CorrelationID); err != nil {
		return nil, err
	}

	// PUBLISHING
	if err := advance(StatePublishing); err != nil {
		return nil, err
	}
	payload, err := json.MarshalIndent(reader, "", "  ")
	if err != nil {
		return nil, types.NewPipelineError("C11", "ENCODE", run.CorrelationID, "reader doc encoding failed").WithCause(err)
	}
	finalPath := filepath.Join(o.paths.OutputDir, "chapters", run.PromptID+".json")
	res, err := o.pub.Publish(finalPath, run.PromptID, payload)
	if err != nil {
		return nil, types.NewPipelineError("C11", "PUBLISH", run.CorrelationID, "atomic publish failed").WithCause(err)
	}
	run.mu.Lock()
	run.result = res
	run.mu.Unlock()

	if err := advance(StateCompleted); err != nil {
		return nil, err
	}
	log.Info("reader doc published", zap.String("path", res.FilePath), zap.Int64("bytes", res.Bytes))
	return reader, nil
}

// compileAssets renders every section's specs and publishes the SVGs.
func (o *Orchestrator) compileAssets(ctx context.Context, docs []*types.SectionDoc, correlationID string) error {
	start := time.Now()
	defer func() {
		o.metrics.StageDuration.WithLabelValues("C12").Observe(time.Since(start).Seconds())
	}()
	for _, doc := range docs {
		for _, spec := range doc.Assets {
			res := o.compiler.Compile(ctx, spec, correlationID)
			if !res.Success {
				return types.NewPipelineError("C12", "COMPILE", correlationID,
					fmt.Sprintf("asset %s failed to compile: %s", spec.Name(), res.Error))
			}
			assetPath := filepath.Join(o.paths.OutputDir, "assets", spec.Name()+".svg")
			if _, err := o.pub.Publish(assetPath, correlationID, []byte(res.SVG)); err != nil {
				return types.NewPipelineError("C12", "PUBLISH", correlationID,
					fmt.Sprintf("asset %s publish failed", spec.Name())).WithCause(err)
			}
		}
	}
	return nil
}

// timed wraps a stage call with its duration metric.
func timed[T any](m *metrics.Metrics, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return out, err
}

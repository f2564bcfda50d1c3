// Package assets compiles asset specs to SVG behind one uniform interface.
// Each kind is backed by its own compiler; results are cached on the
// canonicalized spec plus compiler version, output is sanitized, and a
// precompiled asset on disk serves as the fallback when compilation fails.
package assets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/cache"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

// CompileResult is the uniform adapter output.
type CompileResult struct {
	Success bool   `json:"success"`
	SVG     string `json:"svg,omitempty"`
	Error   string `json:"error,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	// Precompiled marks a fallback served from the precompiled index.
	Precompiled bool `json:"precompiled,omitempty"`
}

// Compiler renders one asset kind.
type Compiler interface {
	Kind() types.AssetKind
	Version() string
	Compile(ctx context.Context, spec types.AssetSpec) (string, error)
}

// Adapter fronts the per-kind compilers with caching, timeout enforcement,
// sanitization and the precompiled fallback.
type Adapter struct {
	cfg         config.PipelineConfig
	cache       *cache.Store
	log         *zap.Logger
	metrics     *metrics.Metrics
	compilers   map[types.AssetKind]Compiler
	precompiled *PrecompiledIndex
}

// NewAdapter wires the default compilers.
func NewAdapter(cfg config.PipelineConfig, store *cache.Store, precompiled *PrecompiledIndex, log *zap.Logger, m *metrics.Metrics) *Adapter {
	a := &Adapter{
		cfg:         cfg,
		cache:       store,
		log:         log,
		metrics:     m,
		compilers:   make(map[types.AssetKind]Compiler),
		precompiled: precompiled,
	}
	for _, c := range []Compiler{NewPlotCompiler(), NewDiagramCompiler(), NewChemCompiler()} {
		a.compilers[c.Kind()] = c
	}
	return a
}

// Compile renders the spec, serving from cache when the canonicalized spec
// and compiler version match a prior run. A compile failure falls back to
// the precompiled asset with the spec's name when one exists.
func (a *Adapter) Compile(ctx context.Context, spec types.AssetSpec, correlationID string) CompileResult {
	kind := string(spec.Kind)
	compiler, ok := a.compilers[spec.Kind]
	if !ok {
		a.metrics.AssetCompiles.WithLabelValues(kind, "unsupported").Inc()
		return CompileResult{Success: false, Error: fmt.Sprintf("no compiler for asset kind %q", spec.Kind)}
	}

	cacheContent := map[string]any{"spec": spec, "compilerVersion": compiler.Version()}
	if data, ok := a.cache.Get("asset", cacheContent); ok {
		a.metrics.AssetCompiles.WithLabelValues(kind, "cached").Inc()
		return CompileResult{Success: true, SVG: string(data), Cached: true}
	}

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CompileTimeout)
	defer cancel()

	svg, err := compiler.Compile(cctx, spec)
	if err == nil {
		svg, err = SanitizeSVG(svg)
	}
	if err != nil {
		a.log.Warn("asset compile failed",
			zap.String("kind", kind),
			zap.String("name", spec.Name()),
			zap.String("correlation_id", correlationID),
			zap.Error(err))

		if pre, ok := a.precompiled.Lookup(spec.Name()); ok {
			a.metrics.AssetCompiles.WithLabelValues(kind, "precompiled").Inc()
			return CompileResult{Success: true, SVG: pre, Precompiled: true}
		}
		a.metrics.AssetCompiles.WithLabelValues(kind, "error").Inc()
		return CompileResult{Success: false, Error: err.Error()}
	}

	if _, err := a.cache.Set("asset", cacheContent, []byte(svg), 0); err != nil {
		a.log.Warn("asset cache write failed", zap.Error(err))
	}
	a.metrics.AssetCompiles.WithLabelValues(kind, "success").Inc()
	return CompileResult{Success: true, SVG: svg}
}

// CompileBatch renders a batch with per-item isolation.
func (a *Adapter) CompileBatch(ctx context.Context, specs []types.AssetSpec, correlationID string) []CompileResult {
	results := make([]CompileResult, len(specs))
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			results[i] = CompileResult{Success: false, Error: err.Error()}
			continue
		}
		results[i] = a.Compile(ctx, spec, correlationID)
	}
	return results
}

// compileDeadline guards compilers against an already-expired context.
func compileDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Package repair patches artifacts that failed validation. Strategies are
// selected by error kind, attempts are bounded per (module, correlationId)
// and per kind, and every attempt is recorded for audit. Repairing an
// already-valid artifact is a no-op.
package repair

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

// Strategy patches one error kind on a block in place. It returns a
// description of the applied change and whether anything was changed.
type Strategy func(block *types.ContentBlock, issue gates.Issue) (applied string, changed bool)

// maxAttemptsPerKind bounds repair attempts for a single error kind within
// one (module, correlationId) scope.
const maxAttemptsPerKind = 2

// Engine holds the strategy table and the attempt ledger.
type Engine struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	attempts map[string]int // "<module>/<correlationId>/<kind>" -> count

	strategies map[string]Strategy
}

// NewEngine builds the engine with the default strategy table.
func NewEngine(log *zap.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		log:      log,
		metrics:  m,
		attempts: make(map[string]int),
	}
	e.strategies = map[string]Strategy{
		"schema-missing-field":    repairSchemaDefaults,
		"latex-unbalanced":        repairLaTeXBraces,
		"latex-unbalanced-delims": repairLaTeXDelims,
		"latex-unknown-command":   repairLaTeXCommand,
		"numeric-parse":           repairNumericExpr,
		"numeric-out-of-tolerance": repairNumericTolerance,
		"smiles-unclosed-ring":    repairSMILES,
		"smiles-unclosed-branch":  repairSMILES,
		"smiles-invalid":          repairSMILES,
		"smiles-invalid-atom":     repairSMILES,
		"smiles-disallowed-char":  repairSMILES,
		"expr-forbidden":          repairPlotExpr,
		"unicode-dangerous":       repairUnicode,
		"style-bullet":            repairStyleLists,
		"style-numbered":          repairStyleLists,
		"style-header":            repairStyleHeader,
	}
	return e
}

// Outcome describes one repair pass over a block.
type Outcome struct {
	Changed bool
	Entries []types.RepairEntry
	// Manual lists error kinds with no strategy; they need human review.
	Manual []string
}

// Apply groups the issues by kind and runs the matching strategy for each,
// respecting the per-kind attempt bound. The block is patched in place.
func (e *Engine) Apply(module, correlationID string, block *types.ContentBlock, issues []gates.Issue) Outcome {
	var out Outcome

	byKind := make(map[string][]gates.Issue)
	var kinds []string
	for _, is := range issues {
		if _, seen := byKind[is.Kind]; !seen {
			kinds = append(kinds, is.Kind)
		}
		byKind[is.Kind] = append(byKind[is.Kind], is)
	}

	for _, kind := range kinds {
		strategy, ok := e.strategies[kind]
		if !ok {
			out.Manual = append(out.Manual, kind)
			e.log.Warn("no repair strategy, manual review required",
				zap.String("module", module),
				zap.String("correlation_id", correlationID),
				zap.String("kind", kind))
			continue
		}

		attempt := e.bumpAttempt(module, correlationID, kind)
		if attempt > maxAttemptsPerKind {
			out.Entries = append(out.Entries, types.RepairEntry{
				Kind: kind, Attempt: attempt, Applied: "attempt budget exhausted", Success: false,
			})
			e.metrics.RepairAttempts.WithLabelValues(kind, "exhausted").Inc()
			continue
		}

		applied, changed := strategy(block, byKind[kind][0])
		out.Entries = append(out.Entries, types.RepairEntry{
			Kind: kind, Attempt: attempt, Applied: applied, Success: changed,
		})
		if changed {
			out.Changed = true
			e.metrics.RepairAttempts.WithLabelValues(kind, "applied").Inc()
		} else {
			e.metrics.RepairAttempts.WithLabelValues(kind, "noop").Inc()
		}
	}
	return out
}

// Reset clears the attempt ledger for a request, called when its pipeline
// reaches a terminal state.
func (e *Engine) Reset(module, correlationID string) {
	prefix := module + "/" + correlationID + "/"
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.attempts {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.attempts, k)
		}
	}
}

func (e *Engine) bumpAttempt(module, correlationID, kind string) int {
	key := fmt.Sprintf("%s/%s/%s", module, correlationID, kind)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[key]++
	return e.attempts[key]
}

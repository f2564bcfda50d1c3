package gates

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// NumericGate (G4) verifies an equation's numeric check record: k seeded
// trials, each deriving variable values from a deterministic linear
// congruential generator so every implementation reproduces the same
// trials. The gate passes when at least 80% of trials land within
// tolerance. Forbidden tokens fail immediately.
type NumericGate struct {
	trials int
}

// NewNumericGate builds the gate; trials <= 0 selects the default of 5.
func NewNumericGate(trials int) *NumericGate {
	if trials <= 0 {
		trials = 5
	}
	return &NumericGate{trials: trials}
}

const numericPassRatio = 0.8

// forbiddenExprTokens cause immediate failure: anything smelling of
// evaluation, import or function creation.
var forbiddenExprTokens = []string{
	"eval", "exec", "import", "require", "function", "lambda", "=>",
	"__", "process", "global", "constructor",
}

func (g *NumericGate) ID() string { return "numeric" }

func (g *NumericGate) Applies(a Artifact) bool {
	return a.Kind == ArtifactBlock && a.Block != nil && a.Block.Check != nil
}

func (g *NumericGate) Validate(a Artifact) Result {
	check := a.Block.Check

	lower := strings.ToLower(check.Expr)
	for _, tok := range forbiddenExprTokens {
		if strings.Contains(lower, tok) {
			return fail(Issue{Kind: "numeric-forbidden-token", Message: fmt.Sprintf("forbidden token %q in expression", tok)})
		}
	}

	// Trial 0 uses the declared variable values exactly; remaining trials
	// apply a seeded relative jitter so the check also exercises nearby
	// inputs. The comparison gets a conditioning allowance sized to the
	// jitter, so a correct equation passes every trial and a wrong
	// expected value fails every trial.
	seed := lcgSeed(check.Expr)
	successes := 0
	var firstErr string
	for trial := 0; trial < g.trials; trial++ {
		vars := trialVars(check.Vars, seed, trial)
		actual, err := EvalExpr(check.Expr, vars)
		if err != nil {
			if firstErr == "" {
				firstErr = err.Error()
			}
			continue
		}
		allowance := 0.0
		if trial > 0 {
			allowance = math.Abs(check.Expected) * conditioningAllowance
		}
		if math.Abs(actual-check.Expected) <= check.Tolerance+allowance {
			successes++
		}
	}

	if firstErr != "" && successes == 0 {
		return fail(Issue{Kind: "numeric-parse", Message: firstErr})
	}
	ratio := float64(successes) / float64(g.trials)
	if ratio < numericPassRatio {
		return fail(Issue{
			Kind: "numeric-out-of-tolerance",
			Message: fmt.Sprintf("%d/%d trials within tolerance %g (need %.0f%%)",
				successes, g.trials, check.Tolerance, numericPassRatio*100),
		})
	}
	res := pass()
	res.Data = map[string]any{"passRatio": ratio}
	return res
}

// lcg is the mandated linear congruential generator:
// x' = (1103515245*x + 12345) mod 2^31.
func lcg(x uint64) uint64 {
	return (1103515245*x + 12345) % (1 << 31)
}

// lcgSeed derives a stable seed from the expression text.
func lcgSeed(expr string) uint64 {
	var h uint64 = 2166136261
	for _, b := range []byte(expr) {
		h = (h ^ uint64(b)) * 16777619
		h &= (1 << 31) - 1
	}
	if h == 0 {
		h = 1
	}
	return h
}

// lcgUnit advances the generator and maps the state to [0,1).
func lcgUnit(state *uint64) float64 {
	*state = lcg(*state)
	return float64(*state) / float64(uint64(1)<<31)
}

// jitterScale bounds the per-variable relative jitter; the conditioning
// allowance must dominate the output shift the jitter can cause for
// reasonably conditioned expressions.
const (
	jitterScale           = 1e-10
	conditioningAllowance = 1e-8
)

// trialVars returns the variable bindings for one trial. Trial 0 is the
// declared check verbatim; later trials apply a relative jitter in
// [-jitterScale, +jitterScale) drawn from the seeded generator, variables
// visited in sorted order so every implementation draws identically.
func trialVars(declared map[string]float64, seed uint64, trial int) map[string]float64 {
	if trial == 0 {
		return declared
	}
	state := seed
	for i := 0; i < trial*len(declared); i++ {
		state = lcg(state)
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make(map[string]float64, len(declared))
	for _, name := range names {
		jitter := (lcgUnit(&state)*2 - 1) * jitterScale
		vars[name] = declared[name] * (1 + jitter)
	}
	return vars
}

package gates

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/types"
)

func equationArtifact(check types.NumericCheck) Artifact {
	return Artifact{
		Kind:  ArtifactBlock,
		Block: &types.ContentBlock{Kind: types.BlockEquation, TeX: "F = ma", Check: &check},
	}
}

func TestNumericGateCorrectEquationPasses(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Validate(equationArtifact(types.NumericCheck{
		Vars: map[string]float64{"m": 2.0, "a": 9.8}, Expr: "m*a", Expected: 19.6, Tolerance: 1e-6,
	}))
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.GreaterOrEqual(t, res.Data["passRatio"].(float64), 0.8)
}

func TestNumericGateAdditiveExpressionPasses(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Validate(equationArtifact(types.NumericCheck{
		Vars: map[string]float64{"u": 5, "a": 2, "t": 3}, Expr: "u + a*t", Expected: 11, Tolerance: 1e-6,
	}))
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestNumericGateWrongExpectedFails(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Validate(equationArtifact(types.NumericCheck{
		Vars: map[string]float64{"m": 2.0, "a": 9.8}, Expr: "m*a", Expected: 19.59, Tolerance: 1e-10,
	}))
	require.False(t, res.Valid)
	assert.Equal(t, "numeric-out-of-tolerance", res.Errors[0].Kind)
}

func TestNumericGateBoundary(t *testing.T) {
	g := NewNumericGate(1) // single trial isolates the exact comparison

	// Exactly at the boundary passes: |1.0 - 1.5| == 0.5, both exactly
	// representable.
	res := g.Validate(equationArtifact(types.NumericCheck{
		Vars: map[string]float64{"x": 1}, Expr: "x", Expected: 1.5, Tolerance: 0.5,
	}))
	assert.True(t, res.Valid, "|actual-expected| == tolerance must pass")

	// One ULP outside fails.
	res = g.Validate(equationArtifact(types.NumericCheck{
		Vars: map[string]float64{"x": 1}, Expr: "x", Expected: math.Nextafter(1.5, 2), Tolerance: 0.5,
	}))
	assert.False(t, res.Valid, "one ULP outside tolerance must fail")
}

func TestNumericGateForbiddenTokens(t *testing.T) {
	g := NewNumericGate(5)
	for _, expr := range []string{"eval(x)", "import os", "function(){}", "__proto__"} {
		res := g.Validate(equationArtifact(types.NumericCheck{
			Vars: map[string]float64{"x": 1}, Expr: expr, Expected: 1, Tolerance: 1,
		}))
		require.False(t, res.Valid, "expr %q must be rejected", expr)
		assert.Equal(t, "numeric-forbidden-token", res.Errors[0].Kind)
	}
}

func TestNumericGateUnparseableExpression(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Validate(equationArtifact(types.NumericCheck{
		Vars: map[string]float64{"x": 1}, Expr: "x ++* 2", Expected: 1, Tolerance: 1,
	}))
	require.False(t, res.Valid)
	assert.Equal(t, "numeric-parse", res.Errors[0].Kind)
}

func TestLCGDeterministic(t *testing.T) {
	// The generator is pinned: x' = (1103515245*x + 12345) mod 2^31.
	assert.Equal(t, uint64(1103527590), lcg(1))
	assert.Equal(t, uint64((1103515245*42+12345)%(1<<31)), lcg(42))

	// Trials reproduce across runs.
	vars := map[string]float64{"m": 2, "a": 9.8}
	seed := lcgSeed("m*a")
	first := trialVars(vars, seed, 3)
	second := trialVars(vars, seed, 3)
	assert.Equal(t, first, second)
}

func TestTrialVarsTrialZeroVerbatim(t *testing.T) {
	vars := map[string]float64{"m": 2, "a": 9.8}
	got := trialVars(vars, lcgSeed("m*a"), 0)
	assert.Equal(t, vars, got)
}

package gates

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ashuein/contentforge/internal/types"
)

// UnitsGate (G11) checks dimensional consistency: both sides of an
// equation must reduce to the same seven-tuple of base dimensions after
// substituting each variable's declared unit.
type UnitsGate struct{}

// NewUnitsGate builds the gate.
func NewUnitsGate() *UnitsGate { return &UnitsGate{} }

// Dimension is the exponent vector over the seven SI base dimensions.
type Dimension struct {
	Length      float64
	Mass        float64
	Time        float64
	Current     float64
	Temperature float64
	Amount      float64
	Luminosity  float64
}

// Equal compares within floating tolerance.
func (d Dimension) Equal(o Dimension) bool {
	const eps = 1e-9
	return math.Abs(d.Length-o.Length) < eps &&
		math.Abs(d.Mass-o.Mass) < eps &&
		math.Abs(d.Time-o.Time) < eps &&
		math.Abs(d.Current-o.Current) < eps &&
		math.Abs(d.Temperature-o.Temperature) < eps &&
		math.Abs(d.Amount-o.Amount) < eps &&
		math.Abs(d.Luminosity-o.Luminosity) < eps
}

func (d Dimension) mul(o Dimension) Dimension {
	return Dimension{
		d.Length + o.Length, d.Mass + o.Mass, d.Time + o.Time,
		d.Current + o.Current, d.Temperature + o.Temperature,
		d.Amount + o.Amount, d.Luminosity + o.Luminosity,
	}
}

func (d Dimension) pow(n float64) Dimension {
	return Dimension{
		d.Length * n, d.Mass * n, d.Time * n,
		d.Current * n, d.Temperature * n, d.Amount * n, d.Luminosity * n,
	}
}

func (d Dimension) String() string {
	parts := []struct {
		sym string
		exp float64
	}{
		{"L", d.Length}, {"M", d.Mass}, {"T", d.Time}, {"I", d.Current},
		{"Θ", d.Temperature}, {"N", d.Amount}, {"J", d.Luminosity},
	}
	var out []string
	for _, p := range parts {
		if p.exp != 0 {
			out = append(out, fmt.Sprintf("%s^%g", p.sym, p.exp))
		}
	}
	if len(out) == 0 {
		return "1"
	}
	return strings.Join(out, "·")
}

// baseUnits maps unit symbols to their dimensions. Derived units expand to
// base dimensions directly.
var baseUnits = map[string]Dimension{
	"m":   {Length: 1},
	"km":  {Length: 1},
	"cm":  {Length: 1},
	"mm":  {Length: 1},
	"kg":  {Mass: 1},
	"g":   {Mass: 1},
	"mg":  {Mass: 1},
	"s":   {Time: 1},
	"ms":  {Time: 1},
	"min": {Time: 1},
	"h":   {Time: 1},
	"A":   {Current: 1},
	"mA":  {Current: 1},
	"K":   {Temperature: 1},
	"mol": {Amount: 1},
	"cd":  {Luminosity: 1},

	"N":   {Mass: 1, Length: 1, Time: -2},
	"Pa":  {Mass: 1, Length: -1, Time: -2},
	"J":   {Mass: 1, Length: 2, Time: -2},
	"W":   {Mass: 1, Length: 2, Time: -3},
	"C":   {Current: 1, Time: 1},
	"V":   {Mass: 1, Length: 2, Time: -3, Current: -1},
	"Ohm": {Mass: 1, Length: 2, Time: -3, Current: -2},
	"F":   {Mass: -1, Length: -2, Time: 4, Current: 2},
	"T":   {Mass: 1, Time: -2, Current: -1},
	"Hz":  {Time: -1},
	"L":   {Length: 3},
	"1":   {},
}

func (g *UnitsGate) ID() string { return "units" }

// Applies to equation blocks carrying a dimensional contract, and to bare
// "lhs = rhs" unit equations handed in as text.
func (g *UnitsGate) Applies(a Artifact) bool {
	switch a.Kind {
	case ArtifactBlock:
		return a.Block != nil && a.Block.Units != nil
	case ArtifactText:
		return strings.Contains(a.Text, "=")
	}
	return false
}

// Validate unifies the two sides of the equation's unit contract.
func (g *UnitsGate) Validate(a Artifact) Result {
	var check types.UnitCheck
	switch {
	case a.Block != nil && a.Block.Units != nil:
		check = *a.Block.Units
	case a.Kind == ArtifactText:
		sides := strings.SplitN(a.Text, "=", 2)
		if len(sides) != 2 {
			return fail(Issue{Kind: "units-parse", Message: "expected <left> = <right>"})
		}
		check = types.UnitCheck{Left: strings.TrimSpace(sides[0]), Right: strings.TrimSpace(sides[1])}
	default:
		return skip()
	}

	left, err := ResolveSide(check.Left, check.Vars)
	if err != nil {
		return fail(Issue{Kind: "units-parse", Message: "left side: " + err.Error()})
	}
	right, err := ResolveSide(check.Right, check.Vars)
	if err != nil {
		return fail(Issue{Kind: "units-parse", Message: "right side: " + err.Error()})
	}
	if !left.Equal(right) {
		return fail(Issue{
			Kind:    "units-mismatch",
			Message: fmt.Sprintf("left %s does not equal right %s", left, right),
		})
	}
	return pass()
}

// ParseUnit parses a compound unit string into base dimensions. Compound
// units split on '*' and '/'; each factor may carry an integer or
// fractional exponent after '^', including negatives.
func ParseUnit(s string) (Dimension, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "1" || s == "dimensionless" {
		return Dimension{}, nil
	}

	var result Dimension
	divide := false
	token := strings.Builder{}

	flush := func() error {
		if token.Len() == 0 {
			return nil
		}
		d, err := parseFactor(token.String())
		if err != nil {
			return err
		}
		if divide {
			d = d.pow(-1)
		}
		result = result.mul(d)
		token.Reset()
		return nil
	}

	for _, r := range s {
		switch r {
		case '*', '·':
			if err := flush(); err != nil {
				return Dimension{}, err
			}
		case '/':
			if err := flush(); err != nil {
				return Dimension{}, err
			}
			divide = true
		case ' ':
			// Space acts as multiplication in unit strings.
			if err := flush(); err != nil {
				return Dimension{}, err
			}
		default:
			token.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return Dimension{}, err
	}
	return result, nil
}

// parseFactor parses one unit factor, e.g. "m", "s^-2", "m^0.5".
func parseFactor(s string) (Dimension, error) {
	sym := s
	exp := 1.0
	if i := strings.IndexByte(s, '^'); i >= 0 {
		sym = s[:i]
		v, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil {
			return Dimension{}, fmt.Errorf("bad exponent in %q", s)
		}
		exp = v
	}
	d, ok := baseUnits[sym]
	if !ok {
		return Dimension{}, fmt.Errorf("unknown unit %q", sym)
	}
	return d.pow(exp), nil
}

// ResolveSide reduces one equation side (a product/quotient of unit
// symbols and variable names, e.g. "m*a" or "kg*m/s^2") to its base
// dimensions, substituting each variable's declared unit string.
func ResolveSide(side string, vars map[string]string) (Dimension, error) {
	side = strings.TrimSpace(side)
	if u, ok := vars[side]; ok {
		return ParseUnit(u)
	}

	var result Dimension
	divide := false
	token := strings.Builder{}

	flush := func() error {
		if token.Len() == 0 {
			return nil
		}
		d, err := resolveFactor(token.String(), vars)
		if err != nil {
			return err
		}
		if divide {
			d = d.pow(-1)
		}
		result = result.mul(d)
		token.Reset()
		return nil
	}

	for _, r := range side {
		switch r {
		case '*', '·', ' ':
			if err := flush(); err != nil {
				return Dimension{}, err
			}
		case '/':
			if err := flush(); err != nil {
				return Dimension{}, err
			}
			divide = true
		case '(', ')':
			// Grouping carries no dimensional meaning for flat factors.
		default:
			token.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return Dimension{}, err
	}
	return result, nil
}

// resolveFactor resolves one factor: a variable name with a declared unit,
// or a unit symbol, either with an optional exponent.
func resolveFactor(s string, vars map[string]string) (Dimension, error) {
	sym := s
	exp := 1.0
	if i := strings.IndexByte(s, '^'); i >= 0 {
		sym = s[:i]
		v, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil {
			return Dimension{}, fmt.Errorf("bad exponent in %q", s)
		}
		exp = v
	}
	if u, ok := vars[sym]; ok {
		d, err := ParseUnit(u)
		if err != nil {
			return Dimension{}, fmt.Errorf("variable %q unit: %w", sym, err)
		}
		return d.pow(exp), nil
	}
	d, ok := baseUnits[sym]
	if !ok {
		return Dimension{}, fmt.Errorf("unknown unit or variable %q", sym)
	}
	return d.pow(exp), nil
}

// UnifyEquation substitutes per-variable dimensions into the two sides of
// an equation check and compares them.
func UnifyEquation(check types.UnitCheck) error {
	left, err := ResolveSide(check.Left, check.Vars)
	if err != nil {
		return fmt.Errorf("left side: %w", err)
	}
	right, err := ResolveSide(check.Right, check.Vars)
	if err != nil {
		return fmt.Errorf("right side: %w", err)
	}
	if !left.Equal(right) {
		return fmt.Errorf("dimension mismatch: %s vs %s", left, right)
	}
	return nil
}

package types

// BlockKind discriminates the content block variants.
type BlockKind string

const (
	BlockProse     BlockKind = "prose"
	BlockEquation  BlockKind = "equation"
	BlockPlot      BlockKind = "plot"
	BlockDiagram   BlockKind = "diagram"
	BlockChemistry BlockKind = "chemistry"
	BlockWidget    BlockKind = "widget"
)

// NumericCheck records the numeric verification contract attached to an
// equation: substitute Vars into Expr and compare against Expected.
type NumericCheck struct {
	Vars      map[string]float64 `json:"vars"`
	Expr      string             `json:"expr"`
	Expected  float64            `json:"expected"`
	Tolerance float64            `json:"tolerance"`
}

// UnitCheck records an equation's dimensional contract: the two sides,
// each a product/quotient of unit symbols and variable names, and the unit
// string declared for every variable. Substituting Vars into both sides
// must yield the same base dimensions.
type UnitCheck struct {
	Left  string            `json:"left"`
	Right string            `json:"right"`
	Vars  map[string]string `json:"vars,omitempty"`
}

// ContentBlock is the tagged union of everything a section can emit. Kind
// selects which of the payload fields is meaningful.
type ContentBlock struct {
	ID   string    `json:"id,omitempty"` // assigned globally by M4
	Kind BlockKind `json:"kind"`

	// prose
	Markdown  string `json:"markdown,omitempty"`
	WordCount int    `json:"wordCount,omitempty"`

	// equation
	TeX   string        `json:"tex,omitempty"`
	Check *NumericCheck `json:"check,omitempty"`
	Units *UnitCheck    `json:"units,omitempty"`

	// plot / diagram / widget: reference to a spec by name
	SpecRef string `json:"specRef,omitempty"`

	// chemistry
	SMILES  string `json:"smiles,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// GateOutcome records one gate's run against a block or artifact.
type GateOutcome struct {
	GateID   string   `json:"gateId"`
	Passed   bool     `json:"passed"`
	Skipped  bool     `json:"skipped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// RepairEntry is one audited repair attempt.
type RepairEntry struct {
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
	Applied string `json:"applied"`
	Success bool   `json:"success"`
}

// ValidationReport aggregates gate outcomes and the repair log for an
// artifact. Every declared gate appears, passed, failed or skipped.
type ValidationReport struct {
	Gates     []GateOutcome `json:"gates"`
	RepairLog []RepairEntry `json:"repairLog,omitempty"`
}

// Valid reports whether no gate failed.
func (r ValidationReport) Valid() bool {
	for _, g := range r.Gates {
		if !g.Passed && !g.Skipped {
			return false
		}
	}
	return true
}

// SectionDoc is the M3 output for one section. Assets carries the specs
// referenced by the section's blocks for downstream compilation.
type SectionDoc struct {
	Envelope  Envelope         `json:"envelope"`
	SectionID string           `json:"sectionId"`
	Title     string           `json:"title"`
	Blocks    []ContentBlock   `json:"blocks"`
	Assets    []AssetSpec      `json:"assets,omitempty"`
	Report    ValidationReport `json:"report"`
	State     RunningState     `json:"state"`
}

// ReaderDoc is the final assembled artifact: flat block sequence with
// globally unique ids of the form "chapter-slug/section-id/kind-nn".
type ReaderDoc struct {
	Envelope   Envelope       `json:"envelope"`
	Title      string         `json:"title"`
	Slug       string         `json:"slug"`
	Subject    Subject        `json:"subject"`
	Grade      string         `json:"grade"`
	Difficulty Difficulty     `json:"difficulty"`
	Blocks     []ContentBlock `json:"blocks"`
	Report     ValidationReport `json:"report"`
}

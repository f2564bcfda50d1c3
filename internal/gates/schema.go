package gates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashuein/contentforge/internal/types"
)

// SchemaGate (G1) checks artifacts against their versioned shape, strict:
// unknown fields are rejected, required fields must be present. Decoding is
// into the typed structs with DisallowUnknownFields, followed by explicit
// required-field checks.
type SchemaGate struct{}

// NewSchemaGate builds the gate.
func NewSchemaGate() *SchemaGate { return &SchemaGate{} }

func (g *SchemaGate) ID() string { return "schema" }

func (g *SchemaGate) Applies(a Artifact) bool {
	switch a.Kind {
	case ArtifactPlan, ArtifactScaffold, ArtifactReader, ArtifactBlock:
		return true
	}
	return false
}

func (g *SchemaGate) Validate(a Artifact) Result {
	var issues []Issue
	switch a.Kind {
	case ArtifactPlan:
		plan := a.Plan
		if len(a.RawJSON) > 0 {
			plan = &types.Plan{}
			if err := strictDecode(a.RawJSON, plan); err != nil {
				return fail(Issue{Kind: "schema-strict", Message: err.Error()})
			}
		}
		if plan == nil {
			return fail(Issue{Kind: "schema-missing-field", Message: "plan payload absent"})
		}
		issues = append(issues, requireString("title", plan.Title)...)
		if plan.Subject == "" {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "missing field subject"})
		}
		if len(plan.Beats) == 0 {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "plan has no beats"})
		}
		for i, b := range plan.Beats {
			if b.ID == "" {
				issues = append(issues, Issue{Kind: "schema-missing-field", Message: fmt.Sprintf("beat %d missing id", i)})
			}
			if b.Headline == "" {
				issues = append(issues, Issue{Kind: "schema-missing-field", Message: fmt.Sprintf("beat %d missing headline", i)})
			}
			if len(b.Outcomes) == 0 {
				issues = append(issues, Issue{Kind: "schema-missing-field", Message: fmt.Sprintf("beat %d has no outcomes", i)})
			}
		}
	case ArtifactScaffold:
		sc := a.Scaffold
		if len(a.RawJSON) > 0 {
			sc = &types.Scaffold{}
			if err := strictDecode(a.RawJSON, sc); err != nil {
				return fail(Issue{Kind: "schema-strict", Message: err.Error()})
			}
		}
		if sc == nil {
			return fail(Issue{Kind: "schema-missing-field", Message: "scaffold payload absent"})
		}
		if len(sc.Sections) == 0 {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "scaffold has no sections"})
		}
		for i, s := range sc.Sections {
			if s.ID == "" {
				issues = append(issues, Issue{Kind: "schema-missing-field", Message: fmt.Sprintf("section %d missing id", i)})
			}
			if len(s.BeatIDs) == 0 {
				issues = append(issues, Issue{Kind: "schema-missing-field", Message: fmt.Sprintf("section %s references no beats", s.ID)})
			}
		}
	case ArtifactReader:
		if a.Reader == nil {
			return fail(Issue{Kind: "schema-missing-field", Message: "reader payload absent"})
		}
		issues = append(issues, requireString("title", a.Reader.Title)...)
		issues = append(issues, requireString("slug", a.Reader.Slug)...)
		if len(a.Reader.Blocks) == 0 {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "reader doc has no blocks"})
		}
	case ArtifactBlock:
		issues = append(issues, validateBlockShape(a.Block)...)
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

func validateBlockShape(b *types.ContentBlock) []Issue {
	if b == nil {
		return []Issue{{Kind: "schema-missing-field", Message: "block payload absent"}}
	}
	var issues []Issue
	switch b.Kind {
	case types.BlockProse:
		if strings.TrimSpace(b.Markdown) == "" {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "prose block missing markdown"})
		}
	case types.BlockEquation:
		if strings.TrimSpace(b.TeX) == "" {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "equation block missing tex"})
		}
		if b.Check == nil {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "equation block missing check"})
		}
	case types.BlockPlot, types.BlockDiagram, types.BlockWidget:
		if b.SpecRef == "" {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: fmt.Sprintf("%s block missing specRef", b.Kind)})
		}
	case types.BlockChemistry:
		if b.SMILES == "" {
			issues = append(issues, Issue{Kind: "schema-missing-field", Message: "chemistry block missing smiles"})
		}
	default:
		issues = append(issues, Issue{Kind: "schema-unknown-kind", Message: fmt.Sprintf("unknown block kind %q", b.Kind)})
	}
	return issues
}

func requireString(field, value string) []Issue {
	if strings.TrimSpace(value) == "" {
		return []Issue{{Kind: "schema-missing-field", Message: "missing field " + field}}
	}
	return nil
}

func strictDecode(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("strict decode: %w", err)
	}
	return nil
}

package stages

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/types"
)

// Assembler is M4: it joins the SectionDocs into the final ReaderDoc,
// assigning globally unique block ids, checking cross-references and
// finalizing metadata. Sections arrive in their scaffold-declared order
// regardless of completion order; assembly is deterministic.
type Assembler struct {
	gates *gates.Registry
	log   *zap.Logger
}

// NewAssembler builds M4.
func NewAssembler(registry *gates.Registry, log *zap.Logger) *Assembler {
	return &Assembler{gates: registry, log: log}
}

// Run assembles the ReaderDoc. sections must be in scaffold order.
func (a *Assembler) Run(plan *types.Plan, sections []*types.SectionDoc, correlationID string) (*types.ReaderDoc, error) {
	for _, sec := range sections {
		if err := checkInput(types.StageAssemble, sec.Envelope, correlationID); err != nil {
			return nil, err
		}
	}

	doc := &types.ReaderDoc{
		Title:      plan.Title,
		Slug:       types.Slugify(plan.Title),
		Subject:    plan.Subject,
		Grade:      plan.Grade,
		Difficulty: plan.Difficulty,
	}

	for _, sec := range sections {
		counters := make(map[types.BlockKind]int)
		for _, block := range sec.Blocks {
			counters[block.Kind]++
			block.ID = fmt.Sprintf("%s/%s/%s-%02d", doc.Slug, sec.SectionID, block.Kind, counters[block.Kind])
			doc.Blocks = append(doc.Blocks, block)
		}
		doc.Report.RepairLog = append(doc.Report.RepairLog, sec.Report.RepairLog...)
	}

	outcomes, results := a.gates.Run(gates.Artifact{Kind: gates.ArtifactReader, Reader: doc}, "schema", "crossref")
	doc.Report.Gates = append(doc.Report.Gates, outcomes...)
	for _, id := range []string{"schema", "crossref"} {
		if res := results[id]; !res.Valid {
			data, _ := json.Marshal(res.Errors)
			return nil, types.NewPipelineError("M4", "VALIDATION", correlationID,
				fmt.Sprintf("reader doc failed gate %s", id)).
				WithData("gate", id).
				WithData("errors", json.RawMessage(data))
		}
	}

	env, err := seal(types.StageAssemble, correlationID, doc)
	if err != nil {
		return nil, types.NewPipelineError("M4", "SEAL", correlationID, "reader doc hashing failed").WithCause(err)
	}
	doc.Envelope = env

	a.log.Info("reader doc assembled",
		zap.String("correlation_id", correlationID),
		zap.Int("sections", len(sections)),
		zap.Int("blocks", len(doc.Blocks)))
	return doc, nil
}

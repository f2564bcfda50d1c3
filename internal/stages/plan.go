package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/gateway"
	"github.com/ashuein/contentforge/internal/types"
)

// Planner is M1: it turns the authoring request into a validated Plan.
type Planner struct {
	gw    *gateway.Gateway
	gates *gates.Registry
	log   *zap.Logger
}

// NewPlanner builds M1.
func NewPlanner(gw *gateway.Gateway, registry *gates.Registry, log *zap.Logger) *Planner {
	return &Planner{gw: gw, gates: registry, log: log}
}

// planSchema is the structured-output hint sent with the plan request.
var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title": map[string]any{"type": "string"},
		"beats": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":       map[string]any{"type": "string"},
					"headline": map[string]any{"type": "string"},
					"outcomes": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"prereqs":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"assets":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"id", "headline", "outcomes"},
			},
		},
	},
	"required": []string{"title", "beats"},
}

// planPayload is the decoded LLM response.
type planPayload struct {
	Title string       `json:"title"`
	Beats []types.Beat `json:"beats"`
}

// Run produces the Plan for a request.
func (p *Planner) Run(ctx context.Context, req types.GenerationRequest, correlationID string) (*types.Plan, error) {
	prompt := p.buildPrompt(req)

	var payload planPayload
	err := p.gw.GenerateJSON(ctx, prompt, gateway.Options{
		System:        "You plan educational chapters. Respond with the requested JSON object only.",
		SchemaName:    "plan",
		Schema:        planSchema,
		CorrelationID: correlationID,
	}, &payload)
	if err != nil {
		return nil, types.NewPipelineError("M1", "GENERATION", correlationID, "plan generation failed").WithCause(err)
	}

	plan := &types.Plan{
		Title:      strings.TrimSpace(payload.Title),
		Subject:    req.Subject,
		Grade:      req.Grade,
		Difficulty: req.Difficulty,
		Beats:      payload.Beats,
	}
	if plan.Title == "" {
		plan.Title = req.Chapter
	}

	outcomes, results := p.gates.Run(gates.Artifact{Kind: gates.ArtifactPlan, Plan: plan}, "schema", "beatgraph")
	for _, id := range []string{"schema", "beatgraph"} {
		if res := results[id]; !res.Valid {
			data, _ := json.Marshal(res.Errors)
			return nil, types.NewPipelineError("M1", "VALIDATION", correlationID,
				fmt.Sprintf("plan failed gate %s", id)).
				WithData("gate", id).
				WithData("errors", json.RawMessage(data))
		}
	}

	env, err := seal(types.StagePlan, correlationID, plan)
	if err != nil {
		return nil, types.NewPipelineError("M1", "SEAL", correlationID, "plan hashing failed").WithCause(err)
	}
	plan.Envelope = env

	p.log.Info("plan produced",
		zap.String("correlation_id", correlationID),
		zap.Int("beats", len(plan.Beats)),
		zap.Int("gates", len(outcomes)))
	return plan, nil
}

func (p *Planner) buildPrompt(req types.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan a %s chapter titled %q for grade %s (%s standard) at %s difficulty.\n",
		req.Subject, req.Chapter, req.Grade, req.Standard, req.Difficulty)
	b.WriteString("Break the chapter into 6-10 ordered beats. Each beat is one learning moment with ")
	b.WriteString("an id (b1, b2, ...), a headline, learning outcomes, prereq ids referencing earlier beats only, ")
	b.WriteString("and suggested asset tokens of the form type:name where type is one of eq, plot, diagram, widget, chem ")
	b.WriteString("and name is lowercase with underscores.\n")
	if len(req.Attachments) > 0 {
		fmt.Fprintf(&b, "Ground the plan in the attached reference document(s): %s.\n", strings.Join(req.Attachments, ", "))
	}
	return b.String()
}

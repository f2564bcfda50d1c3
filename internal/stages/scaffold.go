package stages

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/types"
)

// Scaffolder is M2: it groups the plan's beats into ordered sections with
// placement markers and transition prose. Grouping is deterministic, so M2
// makes no LLM calls.
type Scaffolder struct {
	log *zap.Logger
}

// NewScaffolder builds M2.
func NewScaffolder(log *zap.Logger) *Scaffolder {
	return &Scaffolder{log: log}
}

// groupingFactor returns beats per section by difficulty: comfort and
// hustle take three, advanced takes two for denser treatment.
func groupingFactor(d types.Difficulty) int {
	if d == types.DifficultyAdvanced {
		return 2
	}
	return 3
}

// Run produces the Scaffold from a sealed Plan.
func (s *Scaffolder) Run(plan *types.Plan, correlationID string) (*types.Scaffold, error) {
	if err := checkInput(types.StageScaffold, plan.Envelope, correlationID); err != nil {
		return nil, err
	}
	if len(plan.Beats) == 0 {
		return nil, types.NewPipelineError("M2", "EMPTY-PLAN", correlationID, "plan has no beats")
	}

	factor := groupingFactor(plan.Difficulty)
	scaffold := &types.Scaffold{Title: plan.Title}

	for start := 0; start < len(plan.Beats); start += factor {
		end := start + factor
		if end > len(plan.Beats) {
			end = len(plan.Beats)
		}
		group := plan.Beats[start:end]
		idx := len(scaffold.Sections) + 1

		section := types.ScaffoldSection{
			ID:    fmt.Sprintf("%02d", idx),
			Title: synthesizeTitle(group[0].Headline),
		}
		for _, beat := range group {
			section.BeatIDs = append(section.BeatIDs, beat.ID)
			for _, token := range beat.Assets {
				section.Markers = append(section.Markers, "{{"+token+"}}")
			}
			section.Concepts = append(section.Concepts, conceptTerms(beat)...)
		}
		section.EntryTransition = entryTransition(idx, group[0].Headline)
		section.ExitTransition = exitTransition(group[len(group)-1].Headline)
		scaffold.Sections = append(scaffold.Sections, section)
	}

	env, err := seal(types.StageScaffold, correlationID, scaffold)
	if err != nil {
		return nil, types.NewPipelineError("M2", "SEAL", correlationID, "scaffold hashing failed").WithCause(err)
	}
	scaffold.Envelope = env

	s.log.Info("scaffold produced",
		zap.String("correlation_id", correlationID),
		zap.Int("sections", len(scaffold.Sections)),
		zap.Int("grouping_factor", factor))
	return scaffold, nil
}

// Contexts adapts the scaffold into the per-section M3 inputs. Every
// context starts with an empty running state; state produced by one
// section is not carried into the contexts of later sections.
func (s *Scaffolder) Contexts(plan *types.Plan, scaffold *types.Scaffold, correlationID string) ([]types.SectionContext, error) {
	if err := checkInput(types.StageSection, scaffold.Envelope, correlationID); err != nil {
		return nil, err
	}
	contexts := make([]types.SectionContext, len(scaffold.Sections))
	for i, section := range scaffold.Sections {
		contexts[i] = types.SectionContext{
			ChapterTitle: scaffold.Title,
			Subject:      plan.Subject,
			Grade:        plan.Grade,
			Difficulty:   plan.Difficulty,
			Section:      section,
			Index:        i,
			Total:        len(scaffold.Sections),
		}
		env, err := seal(types.StageScaffold, correlationID, contexts[i])
		if err != nil {
			return nil, err
		}
		contexts[i].Envelope = env
	}
	return contexts, nil
}

// synthesizeTitle derives the section title from the leading beat
// headline.
func synthesizeTitle(headline string) string {
	headline = strings.TrimSpace(headline)
	if headline == "" {
		return "Untitled"
	}
	words := strings.Fields(headline)
	if len(words) > 7 {
		words = words[:7]
	}
	return strings.Join(words, " ")
}

func entryTransition(index int, headline string) string {
	if index == 1 {
		return fmt.Sprintf("We begin with %s.", strings.ToLower(strings.TrimSpace(headline)))
	}
	return fmt.Sprintf("Building on what came before, we now turn to %s.", strings.ToLower(strings.TrimSpace(headline)))
}

func exitTransition(headline string) string {
	return fmt.Sprintf("With %s in hand, the next section carries the thread forward.", strings.ToLower(strings.TrimSpace(headline)))
}

// conceptTerms extracts the ordered key terms a beat introduces: the
// leading noun phrase of each outcome, approximated by its last two words.
func conceptTerms(beat types.Beat) []string {
	var terms []string
	for _, outcome := range beat.Outcomes {
		words := strings.Fields(strings.ToLower(outcome))
		if len(words) == 0 {
			continue
		}
		n := 2
		if len(words) < n {
			n = len(words)
		}
		terms = append(terms, strings.Join(words[len(words)-n:], " "))
	}
	return terms
}

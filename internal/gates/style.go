package gates

import (
	"fmt"
	"regexp"
	"strings"
)

// StyleGate (G12) enforces the prose contract: reader prose is plain
// markdown paragraphs, so headers, bullets, numbered lists, code fences
// and raw filename references are rejected, each with a repair suggestion.
type StyleGate struct{}

// NewStyleGate builds the gate.
func NewStyleGate() *StyleGate { return &StyleGate{} }

var (
	headerRe   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s`)
	bulletRe   = regexp.MustCompile(`(?m)^\s*[-*+]\s`)
	numberedRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
	fenceRe    = regexp.MustCompile("(?m)^\\s*```")
	filenameRe = regexp.MustCompile(`\b[\w./-]+\.(json|yaml|yml|svg|png|go|js|ts|py|tex|csv|txt)\b`)
)

func (g *StyleGate) ID() string { return "style" }

func (g *StyleGate) Applies(a Artifact) bool {
	return a.Kind == ArtifactBlock && a.Block != nil && a.Block.Kind == "prose"
}

func (g *StyleGate) Validate(a Artifact) Result {
	issues := g.Check(a.Block.Markdown)
	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

// Check returns every style finding with its repair suggestion.
func (g *StyleGate) Check(markdown string) []Issue {
	var issues []Issue
	add := func(kind, what, suggestion string) {
		issues = append(issues, Issue{
			Kind:    kind,
			Message: fmt.Sprintf("%s; %s", what, suggestion),
		})
	}

	if headerRe.MatchString(markdown) {
		add("style-header", "markdown header in prose", "fold the heading into the opening sentence")
	}
	if bulletRe.MatchString(markdown) {
		add("style-bullet", "bullet list in prose", "rewrite the items as flowing sentences")
	}
	if numberedRe.MatchString(markdown) {
		add("style-numbered", "numbered list in prose", "rewrite the steps as a narrative sequence")
	}
	if fenceRe.MatchString(markdown) {
		add("style-code-fence", "code fence in prose", "remove the fence or move content to an asset")
	}
	if m := filenameRe.FindString(markdown); m != "" {
		add("style-filename", fmt.Sprintf("raw filename reference %q", m), "refer to the concept, not the file")
	}
	if strings.TrimSpace(markdown) == "" {
		add("style-empty", "empty prose block", "generate content or drop the block")
	}
	return issues
}

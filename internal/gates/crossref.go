package gates

import (
	"fmt"
	"regexp"
	"strings"
)

// CrossRefGate (G8) checks a ReaderDoc's block ids for global uniqueness
// and the expected id scheme, and verifies intra-document references
// resolve.
type CrossRefGate struct{}

// NewCrossRefGate builds the gate.
func NewCrossRefGate() *CrossRefGate { return &CrossRefGate{} }

var blockIDRe = regexp.MustCompile(`^[a-z0-9-]+/[0-9]+/[a-z]+-[0-9]{2,}$`)

// refRe matches intra-document references of the form [[block:<id>]]
// embedded in prose.
var refRe = regexp.MustCompile(`\[\[block:([^\]]+)\]\]`)

func (g *CrossRefGate) ID() string { return "crossref" }

func (g *CrossRefGate) Applies(a Artifact) bool {
	return a.Kind == ArtifactReader && a.Reader != nil
}

func (g *CrossRefGate) Validate(a Artifact) Result {
	doc := a.Reader
	var issues []Issue

	seen := make(map[string]bool, len(doc.Blocks))
	for i, b := range doc.Blocks {
		if b.ID == "" {
			issues = append(issues, Issue{Kind: "crossref-missing-id", Message: fmt.Sprintf("block %d has no id", i)})
			continue
		}
		if seen[b.ID] {
			issues = append(issues, Issue{Kind: "crossref-collision", Message: fmt.Sprintf("duplicate block id %q", b.ID)})
		}
		seen[b.ID] = true
		if !blockIDRe.MatchString(b.ID) {
			issues = append(issues, Issue{Kind: "crossref-bad-id", Message: fmt.Sprintf("block id %q does not match scheme", b.ID)})
		}
		if !strings.HasPrefix(b.ID, doc.Slug+"/") {
			issues = append(issues, Issue{Kind: "crossref-bad-id", Message: fmt.Sprintf("block id %q not under chapter slug %q", b.ID, doc.Slug)})
		}
	}

	for _, b := range doc.Blocks {
		if b.Kind != "prose" {
			continue
		}
		for _, m := range refRe.FindAllStringSubmatch(b.Markdown, -1) {
			if !seen[m[1]] {
				issues = append(issues, Issue{Kind: "crossref-unresolved", Message: fmt.Sprintf("reference to unknown block %q", m[1])})
			}
		}
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

package gates

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// UnicodeGate (G9) sanitizes text: NFC normalization, rejection of control
// characters, bidi overrides, zero-width characters, private-use and
// non-characters, mixed-script counting and homoglyph detection with a
// risk level. Strict mode fails on any CRITICAL finding; permissive mode
// degrades findings to warnings and returns the sanitized text in Data.
type UnicodeGate struct {
	strict               bool
	mixedScriptThreshold int
}

// NewUnicodeGate builds the gate.
func NewUnicodeGate(strict bool) *UnicodeGate {
	return &UnicodeGate{strict: strict, mixedScriptThreshold: 2}
}

// RiskLevel grades homoglyph findings.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskCritical RiskLevel = "critical"
)

// homoglyphs maps confusable characters to their ASCII look-alikes.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x', 'у': 'y', // Cyrillic
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H', 'Ι': 'I',
	'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T',
	'Υ': 'Y', 'Χ': 'X', // Greek capitals
	'ο': 'o', 'ν': 'v', // Greek lowercase look-alikes
	'ℓ': 'l', '℮': 'e',
}

// dangerousRunes are rejected outright.
func dangerousRune(r rune) (string, bool) {
	switch {
	case r == 0xFEFF:
		return "zero-width no-break space", true
	case r >= 0x200B && r <= 0x200F:
		return "zero-width/direction mark", true
	case r >= 0x202A && r <= 0x202E:
		return "bidi override", true
	case r >= 0x2066 && r <= 0x2069:
		return "bidi isolate", true
	case unicode.Is(unicode.Co, r):
		return "private-use character", true
	case r&0xFFFE == 0xFFFE, r >= 0xFDD0 && r <= 0xFDEF:
		return "non-character", true
	case r == 0xFFFD:
		return "replacement character (unpaired surrogate)", true
	case unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r':
		return "control character", true
	}
	return "", false
}

func (g *UnicodeGate) ID() string { return "unicode" }

func (g *UnicodeGate) Applies(a Artifact) bool {
	switch a.Kind {
	case ArtifactText:
		return true
	case ArtifactBlock:
		return a.Block != nil && a.Block.Markdown != ""
	}
	return false
}

func (g *UnicodeGate) Validate(a Artifact) Result {
	text := a.Text
	if a.Block != nil && text == "" {
		text = a.Block.Markdown
	}

	sanitized, critical, warnings := g.Sanitize(text)

	res := Result{Valid: true, Data: map[string]any{"sanitized": sanitized}}
	if g.strict && len(critical) > 0 {
		res.Valid = false
		res.Errors = critical
		res.Warnings = warnings
		return res
	}
	res.Warnings = append(critical, warnings...)
	return res
}

// Sanitize returns NFC-normalized text with dangerous ranges stripped and
// whitespace collapsed, plus critical findings and advisory warnings.
// Sanitize is idempotent.
func (g *UnicodeGate) Sanitize(text string) (string, []Issue, []Issue) {
	var critical, warnings []Issue

	text = norm.NFC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if reason, bad := dangerousRune(r); bad {
			critical = append(critical, Issue{
				Kind:    "unicode-dangerous",
				Message: fmt.Sprintf("%s U+%04X removed", reason, r),
			})
			continue
		}
		b.WriteRune(r)
	}
	cleaned := collapseSpaceRuns(b.String())

	scripts := countScripts(cleaned)
	if len(scripts) > g.mixedScriptThreshold {
		warnings = append(warnings, Issue{
			Kind:    "unicode-mixed-scripts",
			Message: fmt.Sprintf("%d scripts present: %s", len(scripts), strings.Join(scripts, ", ")),
		})
	}

	homoglyphCount := 0
	letterCount := 0
	for _, r := range cleaned {
		if unicode.IsLetter(r) {
			letterCount++
		}
		if _, ok := homoglyphs[r]; ok {
			homoglyphCount++
		}
	}
	if homoglyphCount > 0 {
		level := homoglyphRisk(homoglyphCount, letterCount)
		issue := Issue{
			Kind:    "unicode-homoglyph",
			Message: fmt.Sprintf("%d confusable character(s), risk %s", homoglyphCount, level),
		}
		if level == RiskCritical {
			critical = append(critical, issue)
		} else {
			warnings = append(warnings, issue)
		}
	}

	return cleaned, critical, warnings
}

// homoglyphRisk grades by the ratio of confusables to letters.
func homoglyphRisk(confusables, letters int) RiskLevel {
	if letters == 0 || confusables == 0 {
		return RiskNone
	}
	ratio := float64(confusables) / float64(letters)
	switch {
	case ratio >= 0.2:
		return RiskCritical
	case ratio >= 0.05:
		return RiskMedium
	default:
		return RiskLow
	}
}

// collapseSpaceRuns folds runs of spaces and tabs within lines; newlines
// are preserved.
func collapseSpaceRuns(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			inRun = true
			continue
		}
		if inRun {
			b.WriteByte(' ')
			inRun = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	// A trailing run is dropped entirely.
	return strings.TrimRight(out, " ")
}

// countScripts returns the distinct scripts with at least one letter.
func countScripts(s string) []string {
	found := map[string]bool{}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		switch {
		case unicode.Is(unicode.Latin, r):
			found["Latin"] = true
		case unicode.Is(unicode.Cyrillic, r):
			found["Cyrillic"] = true
		case unicode.Is(unicode.Greek, r):
			found["Greek"] = true
		case unicode.Is(unicode.Devanagari, r):
			found["Devanagari"] = true
		case unicode.Is(unicode.Han, r):
			found["Han"] = true
		case unicode.Is(unicode.Arabic, r):
			found["Arabic"] = true
		case unicode.Is(unicode.Hebrew, r):
			found["Hebrew"] = true
		default:
			found["Other"] = true
		}
	}
	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

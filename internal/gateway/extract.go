package gateway

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tolerant extraction: the remote should return a structured object
// conforming to the named schema, but stochastic services drift. The
// extractor prefers declared fields, then recursively locates the longest
// plausible text, and for equations pulls the first well-formed LaTeX
// span. Extraction is best-effort; gates remain the source of truth.

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	displayTeXRe = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	bracketTeXRe = regexp.MustCompile(`(?s)\\\[(.+?)\\\]`)
	commandTeXRe = regexp.MustCompile(`(?m)^.*\\[a-zA-Z]+.*$`)
)

// Extract attempts to recover a structured object from raw response text.
// Returns nil when nothing decodable is present.
func Extract(text, schemaName string) map[string]any {
	text = strings.TrimSpace(text)

	// Direct JSON object.
	if obj := decodeObject(text); obj != nil {
		return obj
	}
	// JSON inside a code fence.
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if obj := decodeObject(m[1]); obj != nil {
			return obj
		}
	}
	// First balanced {...} span.
	if span := firstObjectSpan(text); span != "" {
		if obj := decodeObject(span); obj != nil {
			return obj
		}
	}

	// Fall back to plain-text recovery keyed on the schema.
	switch {
	case strings.Contains(schemaName, "equation"):
		if tex := ExtractLaTeX(text); tex != "" {
			return map[string]any{"tex": tex}
		}
	}
	if longest := longestText(text); longest != "" {
		return map[string]any{"text": longest}
	}
	return nil
}

func decodeObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// firstObjectSpan returns the first balanced top-level {...} span,
// respecting strings and escapes.
func firstObjectSpan(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ExtractLaTeX pulls the first well-formed LaTeX span: $$...$$, \[...\] or
// the first line containing a LaTeX command.
func ExtractLaTeX(text string) string {
	if m := displayTeXRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := bracketTeXRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := commandTeXRe.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

// longestText recursively walks a decoded JSON value looking for the
// longest string; for undecodable input it returns the longest paragraph.
func longestText(text string) string {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return longestString(decoded)
	}
	best := ""
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) > len(best) {
			best = para
		}
	}
	return best
}

func longestString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		best := ""
		for _, e := range t {
			if s := longestString(e); len(s) > len(best) {
				best = s
			}
		}
		return best
	case map[string]any:
		best := ""
		for _, e := range t {
			if s := longestString(e); len(s) > len(best) {
				best = s
			}
		}
		return best
	}
	return ""
}

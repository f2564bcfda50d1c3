package assets

import (
	"fmt"
	"strings"
)

// SVG sanitization: only a restricted element and attribute set survives.
// Script, foreignObject, event handlers and external references are
// rejected outright rather than stripped, so a hostile compiler output
// fails loudly.

var allowedSVGElements = map[string]bool{
	"svg": true, "g": true, "defs": true, "marker": true,
	"line": true, "polyline": true, "polygon": true, "path": true,
	"rect": true, "circle": true, "ellipse": true, "text": true,
	"tspan": true, "title": true, "desc": true,
}

var allowedSVGAttrs = map[string]bool{
	"xmlns": true, "viewBox": true, "width": true, "height": true,
	"x": true, "y": true, "x1": true, "y1": true, "x2": true, "y2": true,
	"cx": true, "cy": true, "r": true, "rx": true, "ry": true,
	"d": true, "points": true, "fill": true, "stroke": true,
	"stroke-width": true, "stroke-dasharray": true, "stroke-linecap": true,
	"text-anchor": true, "font-family": true, "font-size": true,
	"transform": true, "opacity": true, "id": true, "marker-end": true,
	"marker-start": true, "markerWidth": true, "markerHeight": true,
	"refX": true, "refY": true, "orient": true,
}

var forbiddenSVGPatterns = []string{
	"<script", "javascript:", "onload", "onerror", "onclick",
	"<foreignObject", "xlink:href", "data:text/html", "<iframe",
	"<embed", "<object", "<image", "expression(",
}

// SanitizeSVG validates compiler output against the allow-list. The
// returned SVG is byte-identical to the input; sanitization rejects rather
// than rewrites.
func SanitizeSVG(svg string) (string, error) {
	lower := strings.ToLower(svg)
	for _, p := range forbiddenSVGPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return "", fmt.Errorf("svg contains forbidden pattern %q", p)
		}
	}

	for _, tag := range extractTags(svg) {
		if !allowedSVGElements[tag.name] {
			return "", fmt.Errorf("svg element <%s> not allowed", tag.name)
		}
		for _, attr := range tag.attrs {
			if !allowedSVGAttrs[attr] {
				return "", fmt.Errorf("svg attribute %q not allowed on <%s>", attr, tag.name)
			}
		}
	}
	return svg, nil
}

type svgTag struct {
	name  string
	attrs []string
}

// extractTags scans opening tags and their attribute names. The compilers
// emit machine-generated markup, so a lightweight scan is sufficient and
// keeps the reject-on-anomaly property: anything unparseable is reported
// as an unknown element.
func extractTags(svg string) []svgTag {
	var tags []svgTag
	i := 0
	for {
		start := strings.IndexByte(svg[i:], '<')
		if start < 0 {
			return tags
		}
		start += i
		end := strings.IndexByte(svg[start:], '>')
		if end < 0 {
			return append(tags, svgTag{name: "unterminated"})
		}
		end += start
		raw := svg[start+1 : end]
		i = end + 1

		if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "!") || strings.HasPrefix(raw, "?") {
			continue
		}
		raw = strings.TrimSuffix(raw, "/")
		fields := splitTag(raw)
		if len(fields) == 0 {
			continue
		}
		tag := svgTag{name: fields[0]}
		for _, f := range fields[1:] {
			if eq := strings.IndexByte(f, '='); eq >= 0 {
				tag.attrs = append(tag.attrs, f[:eq])
			} else if f != "" {
				tag.attrs = append(tag.attrs, f)
			}
		}
		tags = append(tags, tag)
	}
}

// splitTag splits a tag body on spaces outside quoted attribute values.
func splitTag(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

package utils

import (
	"html"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type segment struct {
	literal    string
	name       string
	fallback   string
	hasDefault bool
}

// TextTemplate is a parsed body with {{var}} and {{var|default}} placeholders.
//
// The name is trimmed of surrounding spaces. Everything after the first pipe
// is the default, taken literally, so "{{a|b|c}}" defaults to "b|c". An
// unterminated "{{" and an empty name are kept as literal text.
type TextTemplate struct {
	segments []segment
}

// ParseTemplate scans src into literal and placeholder segments.
func ParseTemplate(src string) *TextTemplate {
	t := &TextTemplate{}
	var lit strings.Builder

	for len(src) > 0 {
		start := strings.Index(src, openDelim)
		if start == -1 {
			lit.WriteString(src)
			break
		}
		end := strings.Index(src[start+len(openDelim):], closeDelim)
		if end == -1 {
			lit.WriteString(src)
			break
		}
		end += start + len(openDelim)

		inner := src[start+len(openDelim) : end]
		name, fallback, hasDefault := strings.Cut(inner, "|")
		name = strings.TrimSpace(name)
		if name == "" || strings.Contains(name, openDelim) {
			// Not a placeholder; emit the opening brace pair and rescan after it.
			lit.WriteString(src[:start+len(openDelim)])
			src = src[start+len(openDelim):]
			continue
		}

		lit.WriteString(src[:start])
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
		t.segments = append(t.segments, segment{name: name, fallback: fallback, hasDefault: hasDefault})
		src = src[end+len(closeDelim):]
	}

	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{literal: lit.String()})
	}
	return t
}

// Execute renders the template. A missing or empty variable renders its
// default, or nothing when there is none.
func (t *TextTemplate) Execute(vars map[string]string) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.name == "" {
			b.WriteString(seg.literal)
			continue
		}
		if v, ok := vars[seg.name]; ok && v != "" {
			b.WriteString(v)
		} else if seg.hasDefault {
			b.WriteString(seg.fallback)
		}
	}
	return b.String()
}

// Variables lists placeholder names in order of first appearance.
func (t *TextTemplate) Variables() []string {
	seen := make(map[string]bool)
	var names []string
	for _, seg := range t.segments {
		if seg.name != "" && !seen[seg.name] {
			seen[seg.name] = true
			names = append(names, seg.name)
		}
	}
	return names
}

// RenderTemplate renders src against the lead's fields. Custom variables
// override lead fields of the same name.
func RenderTemplate(src string, lead map[string]string, custom map[string]string) string {
	vars := make(map[string]string, len(lead)+len(custom))
	for k, v := range lead {
		vars[k] = v
	}
	for k, v := range custom {
		vars[k] = v
	}
	return ParseTemplate(src).Execute(vars)
}

// RenderHTMLTemplate is RenderTemplate for HTML bodies: variable values are
// escaped, template text and fallbacks are not.
func RenderHTMLTemplate(src string, lead map[string]string, custom map[string]string) string {
	escape := func(in map[string]string) map[string]string {
		out := make(map[string]string, len(in))
		for k, v := range in {
			out[k] = html.EscapeString(v)
		}
		return out
	}
	return RenderTemplate(src, escape(lead), escape(custom))
}

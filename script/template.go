package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${...} script expressions.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	text   string
	script Script
}

// NewTemplate compiles every ${...} expression in raw with engine.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw}
	last := 0
	for _, match := range templateExpr.FindAllStringSubmatchIndex(raw, -1) {
		if match[0] > last {
			t.parts = append(t.parts, templatePart{text: raw[last:match[0]]})
		}
		code := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", code, err)
		}
		t.parts = append(t.parts, templatePart{script: compiled})
		last = match[1]
	}
	if last < len(raw) {
		t.parts = append(t.parts, templatePart{text: raw[last:]})
	}
	return t, nil
}

// Eval renders the template.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	var sb strings.Builder
	for _, part := range t.parts {
		if part.script == nil {
			sb.WriteString(part.text)
			continue
		}
		result, err := part.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

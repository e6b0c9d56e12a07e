// Package expr resolves {{ ... }} template references inside step
// configuration against the variables and step outputs of an execution.
//
// Two roots are addressable:
//
//	{{ variables.customer.name }}
//	{{ steps.fetch_user.output.items.0.id }}
//
// A template that consists of exactly one expression yields the referenced
// value unchanged (maps stay maps, numbers stay numbers). Templates that mix
// literal text with expressions produce a string.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

const (
	// RootVariables addresses execution variables.
	RootVariables = "variables"

	// RootSteps addresses the recorded results of completed steps.
	RootSteps = "steps"
)

var templatePattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// ErrUnresolved is returned by Lookup when a path does not resolve.
var ErrUnresolved = errors.New("unresolved template path")

// Options configures an Evaluator.
type Options struct {
	Logger *slog.Logger
}

// Evaluator resolves templates. It holds no per-execution state and is safe
// for concurrent use.
type Evaluator struct {
	logger *slog.Logger
}

// New returns an Evaluator.
func New(opts Options) *Evaluator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Evaluator{logger: opts.Logger}
}

// HasTemplate reports whether s contains at least one {{ ... }} expression.
func HasTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// Evaluate resolves the expressions in template against data. Unresolvable
// expressions are left as literal text and logged at warning level.
func (e *Evaluator) Evaluate(template string, data map[string]any) any {
	matches := templatePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template
	}

	// Whole template is a single expression: pass the value through untyped.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		path := template[matches[0][2]:matches[0][3]]
		value, err := Lookup(data, path)
		if err != nil {
			e.logger.Warn("template path did not resolve", "path", path, "error", err)
			return template
		}
		return value
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(template[last:m[0]])
		path := template[m[2]:m[3]]
		value, err := Lookup(data, path)
		if err != nil {
			e.logger.Warn("template path did not resolve", "path", path, "error", err)
			sb.WriteString(template[m[0]:m[1]])
		} else {
			sb.WriteString(Stringify(value))
		}
		last = m[1]
	}
	sb.WriteString(template[last:])
	return sb.String()
}

// Resolve walks value and evaluates every string it contains. Maps and
// slices are copied; the input is never modified.
func (e *Evaluator) Resolve(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return e.Evaluate(v, data)
	case map[string]any:
		return e.ResolveConfig(v, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.Resolve(item, data)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.Evaluate(item, data)
		}
		return out
	default:
		return value
	}
}

// ResolveConfig returns a copy of config with every template resolved.
func (e *Evaluator) ResolveConfig(config map[string]any, data map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = e.Resolve(v, data)
	}
	return out
}

// Lookup resolves a dotted path such as "variables.user.tags.0" against data.
// A segment selects a map entry by key; on a sequence it must be an index.
// Numeric segments are keys too, so "variables.years.2024" reads a map.
func Lookup(data map[string]any, path string) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnresolved)
	}
	segments := strings.Split(path, ".")
	switch segments[0] {
	case RootVariables:
	case RootSteps:
		if len(segments) < 2 {
			return nil, fmt.Errorf("%w: %q needs a step id", ErrUnresolved, path)
		}
	default:
		return nil, fmt.Errorf("%w: unknown root %q", ErrUnresolved, segments[0])
	}
	var current any = data
	for i, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty path segment", ErrUnresolved)
		}
		if strings.ContainsAny(seg, "[]*$@()") {
			return nil, fmt.Errorf("%w: unsupported characters in segment %q", ErrUnresolved, seg)
		}
		next, ok := child(current, seg)
		if !ok {
			return nil, fmt.Errorf("%w: %s: no %q in %s", ErrUnresolved, path, seg, strings.Join(segments[:i], "."))
		}
		current = next
	}
	return current, nil
}

// child selects seg from a map or sequence.
func child(parent any, seg string) (any, bool) {
	switch p := parent.(type) {
	case map[string]any:
		v, ok := p[seg]
		return v, ok
	case []any:
		i, ok := index(seg, len(p))
		if !ok {
			return nil, false
		}
		return p[i], true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(parent)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, ok := index(seg, rv.Len())
		if !ok {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func index(seg string, n int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

// Stringify renders a resolved value for substitution into surrounding text.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// JavaScriptEngine compiles ECMAScript 5.1 code with goja. The value of the
// last expression statement is the script result.
type JavaScriptEngine struct{}

func NewJavaScriptEngine() *JavaScriptEngine {
	return &JavaScriptEngine{}
}

func (e *JavaScriptEngine) Compile(ctx context.Context, code string) (Script, error) {
	program, err := goja.Compile("script", code, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile javascript: %w", err)
	}
	return &JavaScriptScript{program: program}, nil
}

// JavaScriptScript is a compiled program. Each evaluation gets its own
// runtime, since goja runtimes are not safe for concurrent use.
type JavaScriptScript struct {
	program *goja.Program
}

func (s *JavaScriptScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to set global %q: %w", name, err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	result, err := vm.RunProgram(s.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, fmt.Errorf("javascript interrupted: %w", cause)
			}
		}
		return nil, fmt.Errorf("failed to evaluate javascript: %w", err)
	}
	return &JavaScriptValue{v: result}, nil
}

type JavaScriptValue struct {
	v goja.Value
}

func (value *JavaScriptValue) Value() any {
	if value.v == nil || goja.IsUndefined(value.v) || goja.IsNull(value.v) {
		return nil
	}
	return normalize(value.v.Export())
}

func (value *JavaScriptValue) String() string {
	if value.v == nil || goja.IsUndefined(value.v) || goja.IsNull(value.v) {
		return ""
	}
	return value.v.String()
}

func (value *JavaScriptValue) IsTruthy() bool {
	if value.v == nil {
		return false
	}
	return value.v.ToBoolean()
}

// normalize turns exported goja values into JSON-like values.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		if value != nil {
			combined[name] = value
		}
	}
	for name, value := range globals {
		combined[name] = value
	}
	for name := range s.engine.globals {
		if _, ok := combined[name]; !ok {
			combined[name] = object.Nil
		}
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles risor code. The names of its globals are fixed at
// construction; values may be overridden per evaluation.
type RisorEngine struct {
	globals map[string]any
}

func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	globalNames := slices.Sorted(maps.Keys(e.globals))
	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiledCode}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return ConvertRisorValueToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return ConvertRisorValueToBool(value.obj)
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(v.Value()))
		for _, item := range v.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	default:
		return value.obj.Inspect()
	}
}

// DefaultRisorGlobals returns the side-effect free risor builtins plus empty
// placeholders for the globals script steps receive.
func DefaultRisorGlobals() map[string]any {
	safe := SafeGlobals()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	for _, name := range []string{"variables", "steps", "config", "state"} {
		globals[name] = object.NewMap(map[string]object.Object{})
	}
	return globals
}

func newRisorState(vars map[string]any) (*object.Map, error) {
	obj := object.FromGoType(vars)
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("cannot convert variables to a risor map: %s", obj.Inspect())
	}
	return m, nil
}

func risorStateValues(state any) (map[string]any, bool) {
	m, ok := state.(*object.Map)
	if !ok {
		return nil, false
	}
	values, _ := ConvertRisorValueToGo(m).(map[string]any)
	return values, true
}

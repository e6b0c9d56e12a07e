// Package script compiles and evaluates the user code run by script steps.
// Risor is the default language; JavaScript and expr expressions are also
// available.
package script

import (
	"context"
	"fmt"
	"strings"
)

// Value represents the result of a script evaluation.
type Value interface {
	// Value returns the result as a JSON-like Go value.
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script represents a compiled script that can be evaluated. A Script may be
// evaluated concurrently.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler is an interface used to compile source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// Language names a supported scripting language.
type Language string

const (
	LanguageRisor      Language = "risor"
	LanguageJavaScript Language = "javascript"
	LanguageExpr       Language = "expr"
)

// Languages lists the supported languages.
func Languages() []Language {
	return []Language{LanguageRisor, LanguageJavaScript, LanguageExpr}
}

// ParseLanguage resolves a language name. Empty means risor.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "risor":
		return LanguageRisor, nil
	case "javascript", "js":
		return LanguageJavaScript, nil
	case "expr":
		return LanguageExpr, nil
	default:
		return "", fmt.Errorf("unsupported script language %q", name)
	}
}

// NewCompiler returns a compiler for language. globalNames are the globals
// scripts will be evaluated with; risor needs them at compile time.
func NewCompiler(language Language, globalNames ...string) (Compiler, error) {
	switch language {
	case LanguageRisor:
		globals := DefaultRisorGlobals()
		for _, name := range globalNames {
			if _, ok := globals[name]; !ok {
				globals[name] = nil
			}
		}
		return NewRisorEngine(globals), nil
	case LanguageJavaScript:
		return NewJavaScriptEngine(), nil
	case LanguageExpr:
		return NewExprEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported script language %q", language)
	}
}

// goValue wraps a plain Go result.
type goValue struct {
	v any
}

func (g goValue) Value() any     { return g.v }
func (g goValue) IsTruthy() bool { return ToBool(g.v) }

func (g goValue) String() string {
	if g.v == nil {
		return ""
	}
	return fmt.Sprint(g.v)
}

// NewState returns a mutable copy of vars in the form the language's
// scripts can assign to. Read it back with StateValues.
func NewState(language Language, vars map[string]any) (any, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	if language == LanguageRisor {
		return newRisorState(vars)
	}
	state := make(map[string]any, len(vars))
	for k, v := range vars {
		state[k] = v
	}
	return state, nil
}

// StateValues converts a state created by NewState back to Go values.
func StateValues(state any) map[string]any {
	switch s := state.(type) {
	case map[string]any:
		return s
	default:
		if m, ok := risorStateValues(state); ok {
			return m
		}
		return nil
	}
}

package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testGlobals = map[string]any{
	"variables": map[string]any{"name": "ada", "count": 41},
	"steps": map[string]any{
		"fetch": map[string]any{"output": "x", "success": true},
	},
}

func evaluate(t *testing.T, language Language, code string) Value {
	t.Helper()
	compiler, err := NewCompiler(language)
	require.NoError(t, err)
	s, err := compiler.Compile(context.Background(), code)
	require.NoError(t, err)
	v, err := s.Evaluate(context.Background(), testGlobals)
	require.NoError(t, err)
	return v
}

func TestParseLanguage(t *testing.T) {
	for input, want := range map[string]Language{
		"":           LanguageRisor,
		"Risor":      LanguageRisor,
		"js":         LanguageJavaScript,
		"javascript": LanguageJavaScript,
		"expr":       LanguageExpr,
	} {
		got, err := ParseLanguage(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseLanguage("cobol")
	require.Error(t, err)
	_, err = NewCompiler("cobol")
	require.Error(t, err)
}

func TestRisorScripts(t *testing.T) {
	v := evaluate(t, LanguageRisor, "variables.count + 1")
	require.EqualValues(t, 42, v.Value())
	require.Equal(t, "42", v.String())
	require.True(t, v.IsTruthy())

	v = evaluate(t, LanguageRisor, `{"greeting": "hi " + variables.name, "ok": steps.fetch.success}`)
	require.Equal(t, map[string]any{"greeting": "hi ada", "ok": true}, v.Value())

	v = evaluate(t, LanguageRisor, `[1, "two"]`)
	require.Equal(t, []any{int64(1), "two"}, v.Value())

	v = evaluate(t, LanguageRisor, `nil`)
	require.Nil(t, v.Value())
	require.False(t, v.IsTruthy())
}

func TestRisorExtraGlobals(t *testing.T) {
	compiler, err := NewCompiler(LanguageRisor, "item")
	require.NoError(t, err)
	s, err := compiler.Compile(context.Background(), `item * 2`)
	require.NoError(t, err)
	v, err := s.Evaluate(context.Background(), map[string]any{"item": 21})
	require.NoError(t, err)
	require.EqualValues(t, 42, v.Value())
}

func TestRisorUnsafeBuiltinsHidden(t *testing.T) {
	compiler, err := NewCompiler(LanguageRisor)
	require.NoError(t, err)
	_, err = compiler.Compile(context.Background(), `os.getenv("HOME")`)
	require.Error(t, err)
}

func TestJavaScriptScripts(t *testing.T) {
	v := evaluate(t, LanguageJavaScript, "variables.count + 1")
	require.EqualValues(t, 42, v.Value())

	v = evaluate(t, LanguageJavaScript, `({greeting: "hi " + variables.name, list: [1, 2], ok: steps.fetch.success})`)
	require.Equal(t, map[string]any{
		"greeting": "hi ada",
		"list":     []any{int64(1), int64(2)},
		"ok":       true,
	}, v.Value())

	v = evaluate(t, LanguageJavaScript, `var x = 1;`)
	require.Nil(t, v.Value())
	require.Equal(t, "", v.String())
}

func TestJavaScriptErrors(t *testing.T) {
	compiler := NewJavaScriptEngine()
	_, err := compiler.Compile(context.Background(), "function (")
	require.Error(t, err)

	s, err := compiler.Compile(context.Background(), `throw new Error("nope")`)
	require.NoError(t, err)
	_, err = s.Evaluate(context.Background(), nil)
	require.ErrorContains(t, err, "nope")
}

func TestJavaScriptHonorsContext(t *testing.T) {
	s, err := NewJavaScriptEngine().Compile(context.Background(), `while (true) {}`)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Evaluate(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExprScripts(t *testing.T) {
	v := evaluate(t, LanguageExpr, `variables.count > 40 && steps.fetch.output == "x"`)
	require.Equal(t, true, v.Value())
	require.True(t, v.IsTruthy())

	v = evaluate(t, LanguageExpr, `variables.missing`)
	require.Nil(t, v.Value())
	require.False(t, v.IsTruthy())

	_, err := NewExprEngine().Compile(context.Background(), `1 +`)
	require.Error(t, err)
}

func TestToBool(t *testing.T) {
	require.True(t, ToBool("yes"))
	require.False(t, ToBool("false"))
	require.False(t, ToBool(""))
	require.False(t, ToBool(0))
	require.True(t, ToBool(1.5))
	require.False(t, ToBool([]any{}))
	require.True(t, ToBool(map[string]any{"a": 1}))
	require.False(t, ToBool(nil))
}

func TestStateRoundTrip(t *testing.T) {
	for _, language := range []Language{LanguageRisor, LanguageJavaScript} {
		t.Run(string(language), func(t *testing.T) {
			compiler, err := NewCompiler(language)
			require.NoError(t, err)
			state, err := NewState(language, map[string]any{"count": 1})
			require.NoError(t, err)

			code := `state.count = state.count + 1; state.label = "done"`
			if language == LanguageRisor {
				code = "state.count = state.count + 1\nstate.label = \"done\""
			}
			s, err := compiler.Compile(context.Background(), code)
			require.NoError(t, err)
			_, err = s.Evaluate(context.Background(), map[string]any{"state": state})
			require.NoError(t, err)

			values := StateValues(state)
			require.EqualValues(t, 2, values["count"])
			require.Equal(t, "done", values["label"])
		})
	}
}

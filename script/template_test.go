package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:  "string with single template variable",
			input: "Hello ${variables.name}",
			globals: map[string]any{
				"variables": map[string]any{"name": "Alice"},
			},
			want: "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${variables.greeting} ${variables.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"variables": map[string]any{"greeting": "Hello", "name": "Bob"},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "string with nested expressions",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:  "adjacent expressions",
			input: "${1}${2}",
			want:  "12",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(NewRisorEngine(DefaultRisorGlobals()), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateWithExprEngine(t *testing.T) {
	s, err := NewTemplate(NewExprEngine(), "total: ${variables.a + variables.b}")
	require.NoError(t, err)
	got, err := s.Eval(context.Background(), map[string]any{
		"variables": map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	require.Equal(t, "total: 3", got)
}

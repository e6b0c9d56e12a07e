package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/flow/task"
	"github.com/oliveagle/jsonpath"
)

// TransformConfig is the config of the transform task.
type TransformConfig struct {
	// Operation is one of parse, stringify, query, merge or set.
	Operation string `json:"operation"`

	Data any `json:"data"`

	// Query is a JSONPath expression such as $.items[0].name.
	Query string `json:"query"`

	MergeWith any  `json:"merge_with"`
	Pretty    bool `json:"pretty"`

	// Values are published as execution variables by the set operation.
	Values map[string]any `json:"values"`
}

// Transform reshapes JSON data.
type Transform struct{}

func NewTransform() *Transform { return &Transform{} }

func (t *Transform) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "transform",
		DisplayName: "Transform",
		Description: "Parse, query, merge and reshape JSON data",
		Family:      task.FamilyControl,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"operation"},
			"properties": map[string]any{
				"operation":  map[string]any{"type": "string", "enum": []any{"parse", "stringify", "query", "merge", "set"}},
				"data":       map[string]any{},
				"query":      map[string]any{"type": "string"},
				"merge_with": map[string]any{},
				"pretty":     map[string]any{"type": "boolean"},
				"values":     map[string]any{"type": "object"},
			},
		},
	}
}

func (t *Transform) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	var params TransformConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	switch strings.ToLower(params.Operation) {
	case "parse":
		s, ok := params.Data.(string)
		if !ok {
			return task.Succeeded(params.Data), nil
		}
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil, fmt.Errorf("parse data: %w", err)
		}
		return task.Succeeded(result), nil

	case "stringify":
		var (
			data []byte
			err  error
		)
		if params.Pretty {
			data, err = json.MarshalIndent(params.Data, "", "  ")
		} else {
			data, err = json.Marshal(params.Data)
		}
		if err != nil {
			return nil, err
		}
		return task.Succeeded(string(data)), nil

	case "query":
		if params.Query == "" {
			return nil, fmt.Errorf("query cannot be empty for query operation")
		}
		data, err := structured(params.Data)
		if err != nil {
			return nil, err
		}
		query := params.Query
		if !strings.HasPrefix(query, "$") {
			query = "$." + strings.TrimPrefix(query, ".")
		}
		result, err := jsonpath.JsonPathLookup(data, query)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", params.Query, err)
		}
		return task.Succeeded(result), nil

	case "merge":
		base, err := structured(params.Data)
		if err != nil {
			return nil, err
		}
		other, err := structured(params.MergeWith)
		if err != nil {
			return nil, err
		}
		baseMap, ok1 := base.(map[string]any)
		otherMap, ok2 := other.(map[string]any)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("merge requires data and merge_with to be objects")
		}
		return task.Succeeded(mergeMaps(baseMap, otherMap)), nil

	case "set":
		if len(params.Values) == 0 {
			return nil, fmt.Errorf("values cannot be empty for set operation")
		}
		return &task.Result{Success: true, Output: params.Values, Variables: params.Values}, nil

	default:
		return nil, fmt.Errorf("unsupported operation: %s", params.Operation)
	}
}

// structured decodes JSON text and passes other values through.
func structured(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse data: %w", err)
	}
	return out, nil
}

// mergeMaps returns a deep merge of b into a. Nested objects are merged
// and every other value in b replaces the one in a.
func mergeMaps(a, b map[string]any) map[string]any {
	result := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		if existing, ok := result[k].(map[string]any); ok {
			if vm, ok := v.(map[string]any); ok {
				result[k] = mergeMaps(existing, vm)
				continue
			}
		}
		result[k] = v
	}
	return result
}

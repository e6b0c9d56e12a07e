package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flow/task"
)

// maxResponseBody caps how much of a response body is kept in the step output.
const maxResponseBody = 10 << 20

// HTTPConfig is the config of the http task.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`

	// Body is sent as is when it is a string and JSON encoded otherwise.
	Body any `json:"body"`

	// FollowRedirects defaults to true.
	FollowRedirects *bool `json:"follow_redirects"`

	// SuccessStatus lists the status codes that count as success. Any 2xx
	// status succeeds when it is empty.
	SuccessStatus []int `json:"success_status"`
}

// HTTP performs an HTTP request.
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

func (h *HTTP) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "http",
		DisplayName: "HTTP Request",
		Description: "Call an HTTP endpoint and capture the response",
		Family:      task.FamilyIntegration,
		Timeout:     30 * time.Second,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url":              map[string]any{"type": "string", "minLength": 1},
				"method":           map[string]any{"type": "string"},
				"headers":          map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"query":            map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"body":             map[string]any{},
				"follow_redirects": map[string]any{"type": "boolean"},
				"success_status":   map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			},
		},
	}
}

func (h *HTTP) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	var params HTTPConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}

	var body io.Reader
	isJSON := false
	switch b := params.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON body: %w", err)
		}
		body = bytes.NewReader(data)
		isJSON = true
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(params.Method), params.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range params.Headers {
		req.Header.Set(key, value)
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(params.Query) > 0 {
		q := req.URL.Query()
		for key, value := range params.Query {
			q.Set(key, value)
		}
		req.URL.RawQuery = q.Encode()
	}

	client := h.client
	if params.FollowRedirects != nil && !*params.FollowRedirects {
		c := *client
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &c
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	output := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"headers":     headers,
		"body":        string(respBody),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			output["json"] = decoded
		}
	}

	result := &task.Result{
		Success:  statusOK(resp.StatusCode, params.SuccessStatus),
		Output:   output,
		Metadata: map[string]any{"status_code": resp.StatusCode},
	}
	if !result.Success {
		result.Error = fmt.Sprintf("unexpected status %s", resp.Status)
	}
	return result, nil
}

func statusOK(code int, allowed []int) bool {
	if len(allowed) > 0 {
		return slices.Contains(allowed, code)
	}
	return code >= 200 && code < 300
}

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flow/task"
)

// AIOptions configures the ai_completion task. Any OpenAI compatible
// chat completions endpoint can be used.
type AIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
}

const (
	defaultAIBaseURL = "https://api.openai.com/v1"
	defaultAIModel   = "gpt-4o-mini"
)

// AICompletionConfig is the config of the ai_completion task.
type AICompletionConfig struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`

	// JSON asks for a JSON object response and decodes it into the output.
	JSON bool `json:"json"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// AICompletion sends a prompt to a language model.
type AICompletion struct {
	opts   AIOptions
	client *http.Client
}

func NewAICompletion(opts AIOptions, client *http.Client) *AICompletion {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAIBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultAIModel
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AICompletion{opts: opts, client: client}
}

func (a *AICompletion) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "ai_completion",
		DisplayName: "AI Completion",
		Description: "Generate text with a language model",
		Family:      task.FamilyAI,
		Timeout:     2 * time.Minute,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"prompt"},
			"properties": map[string]any{
				"prompt":      map[string]any{"type": "string", "minLength": 1},
				"system":      map[string]any{"type": "string"},
				"model":       map[string]any{"type": "string"},
				"temperature": map[string]any{"type": "number", "minimum": 0, "maximum": 2},
				"max_tokens":  map[string]any{"type": "integer", "minimum": 1},
				"json":        map[string]any{"type": "boolean"},
			},
		},
	}
}

func (a *AICompletion) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	var params AICompletionConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	if params.Prompt == "" {
		return nil, errors.New("prompt cannot be empty")
	}
	if a.opts.APIKey == "" {
		return nil, errors.New("no API key configured for ai_completion")
	}
	model := params.Model
	if model == "" {
		model = a.opts.Model
	}

	messages := make([]chatMessage, 0, 2)
	if params.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: params.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: params.Prompt})
	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if params.JSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(a.opts.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.opts.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if chat.Error != nil {
		return nil, fmt.Errorf("API error (%s): %s", chat.Error.Type, chat.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}
	if len(chat.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	choice := chat.Choices[0]
	output := map[string]any{
		"content":       choice.Message.Content,
		"model":         chat.Model,
		"finish_reason": choice.FinishReason,
		"usage": map[string]any{
			"prompt_tokens":     chat.Usage.PromptTokens,
			"completion_tokens": chat.Usage.CompletionTokens,
			"total_tokens":      chat.Usage.TotalTokens,
		},
	}
	if params.JSON {
		var decoded any
		if err := json.Unmarshal([]byte(choice.Message.Content), &decoded); err != nil {
			return &task.Result{Output: output, Error: fmt.Sprintf("model returned invalid JSON: %v", err)}, nil
		}
		output["json"] = decoded
	}
	return &task.Result{
		Success:  true,
		Output:   output,
		Metadata: map[string]any{"model": chat.Model, "total_tokens": chat.Usage.TotalTokens},
	}, nil
}

// Package tasks contains the built-in step types.
package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/deepnoodle-ai/flow/task"
)

// Options configures the built-in tasks.
type Options struct {
	// HTTPClient is used by the http and ai_completion tasks.
	HTTPClient *http.Client

	Logger *slog.Logger

	AI      AIOptions
	Browser BrowserOptions
	Shell   ShellOptions
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Builtins returns one instance of every built-in task.
func Builtins(opts Options) []task.Task {
	return []task.Task{
		NewDelay(),
		NewFail(),
		NewLog(opts.logger()),
		NewHTTP(opts.httpClient()),
		NewTransform(),
		NewScript(),
		NewShell(opts.Shell),
		NewAICompletion(opts.AI, opts.httpClient()),
		NewBrowser(opts.Browser),
	}
}

// NewRegistry returns a registry holding the built-in tasks plus extra.
func NewRegistry(opts Options, extra ...task.Task) (*task.Registry, error) {
	return task.NewRegistry(append(Builtins(opts), extra...)...)
}

// decodeConfig copies a step config into a typed struct.
func decodeConfig(config map[string]any, out any) error {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

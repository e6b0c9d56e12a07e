package tasks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/deepnoodle-ai/flow/task"
)

// BrowserOptions configures how the browser task reaches Chrome.
type BrowserOptions struct {
	// RemoteURL is the devtools websocket URL of a running browser. A local
	// browser is started for each step when it is empty.
	RemoteURL string

	// ExecPath overrides the Chrome binary of a local browser.
	ExecPath string

	// Headful shows the local browser window.
	Headful bool
}

// BrowserConfig is the config of the browser task.
type BrowserConfig struct {
	URL          string `json:"url"`
	WaitSelector string `json:"wait_selector"`

	// Extract maps output names to CSS selectors whose text is captured.
	Extract map[string]string `json:"extract"`

	// Evaluate is JavaScript run in the page after loading.
	Evaluate   string `json:"evaluate"`
	Screenshot bool   `json:"screenshot"`
}

// Browser loads a page in headless Chrome and extracts content from it.
type Browser struct {
	opts BrowserOptions
}

func NewBrowser(opts BrowserOptions) *Browser {
	return &Browser{opts: opts}
}

func (b *Browser) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "browser",
		DisplayName: "Browser",
		Description: "Load a web page and extract text, script results or a screenshot",
		Family:      task.FamilyBrowser,
		Timeout:     time.Minute,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url":           map[string]any{"type": "string", "minLength": 1},
				"wait_selector": map[string]any{"type": "string"},
				"extract":       map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"evaluate":      map[string]any{"type": "string"},
				"screenshot":    map[string]any{"type": "boolean"},
			},
		},
	}
}

func (b *Browser) allocator(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, b.opts.RemoteURL)
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if b.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ExecPath))
	}
	if b.opts.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return chromedp.NewExecAllocator(ctx, opts...)
}

func (b *Browser) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	var params BrowserConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	if params.URL == "" {
		return nil, errors.New("url cannot be empty")
	}

	allocCtx, cancelAlloc := b.allocator(ctx)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var (
		title, location string
		evaluated       any
		screenshot      []byte
	)
	actions := []chromedp.Action{chromedp.Navigate(params.URL)}
	if params.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(params.WaitSelector, chromedp.ByQuery))
	}
	actions = append(actions, chromedp.Title(&title), chromedp.Location(&location))

	names := make([]string, 0, len(params.Extract))
	for name := range params.Extract {
		names = append(names, name)
	}
	sort.Strings(names)
	texts := make([]string, len(names))
	for i, name := range names {
		actions = append(actions, chromedp.Text(params.Extract[name], &texts[i], chromedp.ByQuery))
	}
	if params.Evaluate != "" {
		actions = append(actions, chromedp.Evaluate(params.Evaluate, &evaluated))
	}
	if params.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&screenshot, 90))
	}

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}

	output := map[string]any{
		"url":   location,
		"title": title,
	}
	if len(names) > 0 {
		extracted := make(map[string]any, len(names))
		for i, name := range names {
			extracted[name] = texts[i]
		}
		output["extracted"] = extracted
	}
	if params.Evaluate != "" {
		output["evaluated"] = evaluated
	}
	if params.Screenshot {
		output["screenshot"] = base64.StdEncoding.EncodeToString(screenshot)
	}
	return task.Succeeded(output), nil
}

package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// APIPollConfig is the config of an api_poll trigger.
type APIPollConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	IntervalSeconds float64           `json:"interval_seconds"`

	// FireOn is "change" (the default) to fire when the response body
	// changes, or "always" to fire on every successful poll.
	FireOn string `json:"fire_on"`
}

func parsePollConfig(config map[string]any) (*APIPollConfig, error) {
	var cfg APIPollConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidConfig("url must be an absolute http(s) URL")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.IntervalSeconds == 0 {
		cfg.IntervalSeconds = 60
	}
	if cfg.IntervalSeconds < 0 {
		return nil, invalidConfig("interval_seconds must be positive")
	}
	switch cfg.FireOn {
	case "":
		cfg.FireOn = "change"
	case "change", "always":
	default:
		return nil, invalidConfig("fire_on must be change or always")
	}
	return &cfg, nil
}

func (c *APIPollConfig) interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// APIPollHandler polls HTTP endpoints and fires when the response changes.
type APIPollHandler struct {
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*poller
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAPIPollHandler(client *http.Client, logger *slog.Logger) *APIPollHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &APIPollHandler{client: client, logger: logger, active: map[string]*poller{}}
}

func (h *APIPollHandler) Type() Type { return TypeAPIPoll }

func (h *APIPollHandler) Test(ctx context.Context, config map[string]any) error {
	_, err := parsePollConfig(config)
	return err
}

func (h *APIPollHandler) Start(ctx context.Context, t *Trigger, fire FireFunc) error {
	cfg, err := parsePollConfig(t.Config)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[t.ID]; ok {
		return fmt.Errorf("trigger %s is already polling", t.ID)
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &poller{cancel: cancel, done: make(chan struct{})}
	h.active[t.ID] = p
	go h.run(pollCtx, t.ID, cfg, fire, p.done)
	return nil
}

func (h *APIPollHandler) run(ctx context.Context, triggerID string, cfg *APIPollConfig, fire FireFunc, done chan struct{}) {
	defer close(done)
	logger := h.logger.With("trigger_id", triggerID)
	ticker := time.NewTicker(cfg.interval())
	defer ticker.Stop()

	var lastHash string
	first := true
	for {
		status, body, err := h.poll(ctx, cfg)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn("poll failed", "url", cfg.URL, "error", err)
		default:
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])
			changed := !first && hash != lastHash
			if cfg.FireOn == "always" || changed {
				fire(ctx, map[string]any{
					"url":           cfg.URL,
					"status_code":   status,
					"body":          decodeBody(body),
					"hash":          hash,
					"previous_hash": lastHash,
				}, map[string]any{"source": "api_poll"})
			}
			lastHash = hash
			first = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *APIPollHandler) poll(ctx context.Context, cfg *APIPollConfig) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.StatusCode, body, nil
}

func decodeBody(body []byte) any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}

func (h *APIPollHandler) Stop(ctx context.Context, triggerID string) error {
	h.mu.Lock()
	p, ok := h.active[triggerID]
	delete(h.active, triggerID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *APIPollHandler) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make(activeSet, len(h.active))
	for id := range h.active {
		ids[id] = struct{}{}
	}
	return ids.ids()
}

package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"

	// DefaultTolerance bounds the clock skew between sender and receiver.
	DefaultTolerance = 300 * time.Second

	signaturePrefix = "sha256="
	maxWebhookBody  = 1 << 20
)

// WebhookConfig is the config of a webhook trigger.
type WebhookConfig struct {
	// Path defaults to the trigger id.
	Path    string   `json:"path"`
	Secret  string   `json:"secret"`
	Methods []string `json:"methods"`
}

func (c *WebhookConfig) validate() error {
	if strings.ContainsAny(c.Path, " ?#") {
		return invalidConfig("invalid webhook path %q", c.Path)
	}
	for _, m := range c.Methods {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return invalidConfig("unsupported webhook method %q", m)
		}
	}
	return nil
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature and its timestamp header against
// secret. Any malformed input is rejected.
func VerifySignature(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrTimestampOutOfRange
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("%w: missing %s prefix", ErrInvalidSignature, signaturePrefix)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}
	want, _ := hex.DecodeString(strings.TrimPrefix(Sign(secret, ts, body), signaturePrefix))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateSecret returns a random signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WebhookOptions configures a WebhookHandler.
type WebhookOptions struct {
	Tolerance time.Duration
	Now       func() time.Time
}

type webhookRoute struct {
	triggerID string
	secret    string
	methods   []string
	fire      FireFunc
}

// WebhookHandler maps inbound paths to triggers and verifies deliveries.
type WebhookHandler struct {
	mu        sync.RWMutex
	paths     map[string]*webhookRoute
	byTrigger map[string]string
	seen      *cache.Cache
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookHandler(opts WebhookOptions) *WebhookHandler {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WebhookHandler{
		paths:     map[string]*webhookRoute{},
		byTrigger: map[string]string{},
		seen:      cache.New(2*opts.Tolerance, time.Minute),
		tolerance: opts.Tolerance,
		now:       opts.Now,
	}
}

func (h *WebhookHandler) Type() Type { return TypeWebhook }

func normalizePath(p string) string {
	return strings.Trim(p, "/")
}

func (h *WebhookHandler) Test(ctx context.Context, config map[string]any) error {
	var cfg WebhookConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	return cfg.validate()
}

func (h *WebhookHandler) Start(ctx context.Context, t *Trigger, fire FireFunc) error {
	var cfg WebhookConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	path := normalizePath(cfg.Path)
	if path == "" {
		path = t.ID
	}
	if cfg.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate webhook secret: %w", err)
		}
		cfg.Secret = secret
	}
	methods := make([]string, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods = append(methods, strings.ToUpper(m))
	}
	if len(methods) == 0 {
		methods = []string{http.MethodPost}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.paths[path]; ok && existing.triggerID != t.ID {
		return invalidConfig("webhook path %q is already used by trigger %s", path, existing.triggerID)
	}
	if old, ok := h.byTrigger[t.ID]; ok {
		delete(h.paths, old)
	}
	h.paths[path] = &webhookRoute{triggerID: t.ID, secret: cfg.Secret, methods: methods, fire: fire}
	h.byTrigger[t.ID] = path

	if t.Config == nil {
		t.Config = map[string]any{}
	}
	t.Config["path"] = path
	t.Config["secret"] = cfg.Secret
	return nil
}

func (h *WebhookHandler) Stop(ctx context.Context, triggerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	path, ok := h.byTrigger[triggerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	delete(h.paths, path)
	delete(h.byTrigger, triggerID)
	return nil
}

func (h *WebhookHandler) Active() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make(activeSet, len(h.byTrigger))
	for id := range h.byTrigger {
		ids[id] = struct{}{}
	}
	return ids.ids()
}

// Deliver verifies an inbound request for path and fires its trigger.
// Errors wrap ErrNotFound, ErrMethodNotAllowed, ErrInvalidSignature,
// ErrTimestampOutOfRange or ErrReplay.
func (h *WebhookHandler) Deliver(ctx context.Context, path string, r *http.Request) (Result, error) {
	h.mu.RLock()
	route, ok := h.paths[normalizePath(path)]
	h.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: no webhook at %q", ErrNotFound, path)
	}
	if !slices.Contains(route.methods, r.Method) {
		return Result{}, fmt.Errorf("%w: %s", ErrMethodNotAllowed, r.Method)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return Result{}, fmt.Errorf("read webhook body: %w", err)
	}

	signature := r.Header.Get(SignatureHeader)
	if err := VerifySignature(route.secret, signature, r.Header.Get(TimestampHeader), body, h.now(), h.tolerance); err != nil {
		return Result{}, err
	}
	if err := h.seen.Add(route.triggerID+":"+signature, struct{}{}, cache.DefaultExpiration); err != nil {
		return Result{}, ErrReplay
	}

	payload := map[string]any{}
	if len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			if obj, ok := decoded.(map[string]any); ok {
				payload = obj
			} else {
				payload["body"] = decoded
			}
		} else {
			payload["body"] = string(body)
		}
	}
	if q := r.URL.Query(); len(q) > 0 {
		query := make(map[string]any, len(q))
		for k := range q {
			query[k] = q.Get(k)
		}
		payload["query"] = query
	}
	metadata := map[string]any{
		"source":       "webhook",
		"path":         normalizePath(path),
		"method":       r.Method,
		"remote_addr":  r.RemoteAddr,
		"content_type": r.Header.Get("Content-Type"),
	}
	return route.fire(ctx, payload, metadata), nil
}

package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileWatchConfig is the config of a file_watch trigger.
type FileWatchConfig struct {
	// Path is a file or directory. Directories are watched non-recursively.
	Path string `json:"path"`

	// Events filters by operation: create, write, remove, rename, chmod.
	// Defaults to create and write.
	Events []string `json:"events"`

	// Pattern is a filepath.Match pattern applied to the base name.
	Pattern string `json:"pattern"`
}

var fileOps = map[string]fsnotify.Op{
	"create": fsnotify.Create,
	"write":  fsnotify.Write,
	"remove": fsnotify.Remove,
	"rename": fsnotify.Rename,
	"chmod":  fsnotify.Chmod,
}

func parseFileWatchConfig(config map[string]any) (*FileWatchConfig, fsnotify.Op, error) {
	var cfg FileWatchConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, 0, err
	}
	if cfg.Path == "" {
		return nil, 0, invalidConfig("path is required")
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{"create", "write"}
	}
	var mask fsnotify.Op
	for _, name := range cfg.Events {
		op, ok := fileOps[strings.ToLower(name)]
		if !ok {
			return nil, 0, invalidConfig("unknown file event %q", name)
		}
		mask |= op
	}
	if cfg.Pattern != "" {
		if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
			return nil, 0, invalidConfig("invalid pattern %q", cfg.Pattern)
		}
	}
	return &cfg, mask, nil
}

// FileWatchHandler fires when watched files change.
type FileWatchHandler struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*fileWatch
}

type fileWatch struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileWatchHandler(logger *slog.Logger) *FileWatchHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileWatchHandler{logger: logger, active: map[string]*fileWatch{}}
}

func (h *FileWatchHandler) Type() Type { return TypeFileWatch }

func (h *FileWatchHandler) Test(ctx context.Context, config map[string]any) error {
	_, _, err := parseFileWatchConfig(config)
	return err
}

func (h *FileWatchHandler) Start(ctx context.Context, t *Trigger, fire FireFunc) error {
	cfg, mask, err := parseFileWatchConfig(t.Config)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(cfg.Path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", cfg.Path, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[t.ID]; ok {
		watcher.Close()
		return fmt.Errorf("trigger %s is already watching", t.ID)
	}
	w := &fileWatch{watcher: watcher, done: make(chan struct{})}
	h.active[t.ID] = w
	go h.run(context.WithoutCancel(ctx), t.ID, cfg, mask, w, fire)
	return nil
}

func (h *FileWatchHandler) run(ctx context.Context, triggerID string, cfg *FileWatchConfig, mask fsnotify.Op, w *fileWatch, fire FireFunc) {
	defer close(w.done)
	logger := h.logger.With("trigger_id", triggerID)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			op := matchOp(ev.Op, mask)
			if op == "" {
				continue
			}
			name := filepath.Base(ev.Name)
			if cfg.Pattern != "" {
				if matched, _ := filepath.Match(cfg.Pattern, name); !matched {
					continue
				}
			}
			fire(ctx, map[string]any{
				"path":  ev.Name,
				"name":  name,
				"event": op,
			}, map[string]any{"source": "file_watch", "watch": cfg.Path})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("file watch error", "error", err)
		}
	}
}

// matchOp returns the name of the first operation in op selected by mask.
func matchOp(op, mask fsnotify.Op) string {
	for _, name := range []string{"create", "write", "remove", "rename", "chmod"} {
		if f := fileOps[name]; op.Has(f) && mask.Has(f) {
			return name
		}
	}
	return ""
}

func (h *FileWatchHandler) Stop(ctx context.Context, triggerID string) error {
	h.mu.Lock()
	w, ok := h.active[triggerID]
	delete(h.active, triggerID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	err := w.watcher.Close()
	<-w.done
	return err
}

func (h *FileWatchHandler) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make(activeSet, len(h.active))
	for id := range h.active {
		ids[id] = struct{}{}
	}
	return ids.ids()
}

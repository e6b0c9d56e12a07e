package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StepLogEntry records one finished step invocation.
type StepLogEntry struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      string         `json:"step_id"`
	TaskType    string         `json:"task_type"`
	StepIndex   int            `json:"step_index"`
	Config      map[string]any `json:"config"`
	Success     bool           `json:"success"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartTime   time.Time      `json:"start_time"`
	Duration    float64        `json:"duration"`
}

// StepLogger keeps a per-execution history of step invocations.
type StepLogger interface {
	LogStep(ctx context.Context, entry *StepLogEntry) error
	StepHistory(ctx context.Context, executionID string) ([]*StepLogEntry, error)
}

// FileStepLogger writes one newline-delimited JSON file per execution.
type FileStepLogger struct {
	directory string
	mu        sync.Mutex
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) path(executionID string) (string, error) {
	if executionID == "" || strings.ContainsAny(executionID, `/\`) || strings.Contains(executionID, "..") {
		return "", fmt.Errorf("invalid execution id %q", executionID)
	}
	return filepath.Join(l.directory, executionID+".jsonl"), nil
}

func (l *FileStepLogger) StepHistory(ctx context.Context, executionID string) ([]*StepLogEntry, error) {
	path, err := l.path(executionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []*StepLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode step log of %s: %w", executionID, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	path, err := l.path(entry.ExecutionID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.directory, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// StepLogCallbacks feeds finished steps to a StepLogger. Write failures
// are logged and otherwise ignored.
type StepLogCallbacks struct {
	BaseExecutionCallbacks
	steps  StepLogger
	logger *slog.Logger
}

func NewStepLogCallbacks(steps StepLogger, logger *slog.Logger) *StepLogCallbacks {
	if logger == nil {
		logger = discardLogger()
	}
	return &StepLogCallbacks{steps: steps, logger: logger}
}

func (c *StepLogCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	entry := &StepLogEntry{
		ExecutionID: event.ExecutionID,
		WorkflowID:  event.WorkflowID,
		StepID:      event.StepID,
		TaskType:    event.TaskType,
		StepIndex:   event.StepIndex,
		Config:      event.Config,
		Attempts:    event.Attempts,
		StartTime:   event.StartTime,
		Duration:    event.Duration.Seconds(),
	}
	if r := event.Result; r != nil {
		entry.Success = r.Success
		entry.Output = r.Output
		entry.Error = r.Error
	}
	if err := c.steps.LogStep(ctx, entry); err != nil {
		c.logger.Warn("failed to write step log",
			"execution_id", event.ExecutionID,
			"step_id", event.StepID,
			"error", err)
	}
}

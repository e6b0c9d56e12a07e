package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flow/task"
)

// Delay pauses for a duration. A config without a duration completes
// immediately.
type Delay struct{}

func NewDelay() *Delay { return &Delay{} }

func (d *Delay) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "delay",
		DisplayName: "Delay",
		Description: "Wait for a fixed duration before continuing",
		Family:      task.FamilyControl,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"duration": map[string]any{"type": []any{"string", "number"}},
				"seconds":  map[string]any{"type": "number", "minimum": 0},
			},
		},
	}
}

func (d *Delay) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	duration, err := delayDuration(config)
	if err != nil {
		return nil, err
	}
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return task.Succeeded(map[string]any{"delayed_ms": duration.Milliseconds()}), nil
}

func delayDuration(config map[string]any) (time.Duration, error) {
	if v, ok := config["duration"]; ok && v != nil {
		switch v := v.(type) {
		case string:
			if v == "" {
				return 0, nil
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return 0, fmt.Errorf("invalid duration format: %w", err)
			}
			if d < 0 {
				return 0, errors.New("duration must not be negative")
			}
			return d, nil
		case float64:
			return secondsToDuration(v)
		case int:
			return secondsToDuration(float64(v))
		default:
			return 0, fmt.Errorf("duration must be a string or a number of seconds, got %T", v)
		}
	}
	if v, ok := config["seconds"]; ok && v != nil {
		switch v := v.(type) {
		case float64:
			return secondsToDuration(v)
		case int:
			return secondsToDuration(float64(v))
		default:
			return 0, fmt.Errorf("seconds must be a number, got %T", v)
		}
	}
	return 0, nil
}

func secondsToDuration(s float64) (time.Duration, error) {
	if s < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return time.Duration(s * float64(time.Second)), nil
}

// Fail always fails with the configured message. It is useful for
// exercising error handlers.
type Fail struct{}

func NewFail() *Fail { return &Fail{} }

func (f *Fail) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "fail",
		DisplayName: "Fail",
		Description: "Fail the step with a message",
		Family:      task.FamilyControl,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
		},
	}
}

func (f *Fail) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	message, _ := config["message"].(string)
	if message == "" {
		message = "step failed"
	}
	return &task.Result{Error: message}, nil
}

// Log writes a message to the process logger and passes it through as
// the step output.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "log",
		DisplayName: "Log",
		Description: "Write a message to the execution log",
		Family:      task.FamilyControl,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"message"},
			"properties": map[string]any{
				"message": map[string]any{},
				"level":   map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "error"}},
			},
		},
	}
}

func (l *Log) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	message := config["message"]
	level := slog.LevelInfo
	if s, ok := config["level"].(string); ok {
		if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
			return nil, fmt.Errorf("invalid level %q", s)
		}
	}
	l.logger.Log(ctx, level, fmt.Sprint(message),
		slog.String("execution_id", view.ExecutionID()),
		slog.String("step_id", view.StepID()))
	return task.Succeeded(message), nil
}

// Package store holds durable flow.Store backends.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/flow"
)

const (
	checkpointsFile = "checkpoints.jsonl"
	journalFile     = "journal.jsonl"
	stateFile       = "state.json"
)

// File persists executions under a data directory, one directory per
// execution. Checkpoints and journal entries are appended as
// newline-delimited JSON; the state is rewritten atomically.
type File struct {
	dataDir string
	mu      sync.Mutex
}

var _ flow.Store = (*File)(nil)

// NewFile creates a file store. An empty dataDir defaults to
// ~/.deepnoodle/flow/executions.
func NewFile(dataDir string) (*File, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "flow", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &File{dataDir: dataDir}, nil
}

func (f *File) executionDir(executionID string) (string, error) {
	if executionID == "" || executionID != filepath.Base(executionID) || executionID == "." || executionID == ".." {
		return "", fmt.Errorf("invalid execution id %q", executionID)
	}
	return filepath.Join(f.dataDir, executionID), nil
}

func (f *File) appendLine(executionID, name string, v any) error {
	dir, err := f.executionDir(executionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", name, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

// readLines decodes every line of an execution file. A truncated final
// line, left by a crash mid-write, is ignored.
func readLines[T any](path string) ([]*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	lines := bytes.Split(data, []byte("\n"))
	var out []*T
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("failed to decode %s line %d: %w", filepath.Base(path), i+1, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func (f *File) AppendCheckpoint(ctx context.Context, cp *flow.Checkpoint) error {
	return f.appendLine(cp.ExecutionID, checkpointsFile, cp)
}

func (f *File) ListCheckpoints(ctx context.Context, executionID string) ([]*flow.Checkpoint, error) {
	dir, err := f.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	cps, err := readLines[flow.Checkpoint](filepath.Join(dir, checkpointsFile))
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// Appends are retried blindly; the first copy of a checkpoint wins.
	seen := make(map[string]bool, len(cps))
	unique := cps[:0]
	for _, cp := range cps {
		if !seen[cp.ID] {
			seen[cp.ID] = true
			unique = append(unique, cp)
		}
	}
	sort.SliceStable(unique, func(i, j int) bool { return unique[i].Sequence < unique[j].Sequence })
	return unique, nil
}

func (f *File) LastCheckpointSequence(ctx context.Context, executionID string) (int64, error) {
	cps, err := f.ListCheckpoints(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if len(cps) == 0 {
		return 0, nil
	}
	return cps[len(cps)-1].Sequence, nil
}

func (f *File) AppendJournal(ctx context.Context, entry *flow.JournalEntry) error {
	return f.appendLine(entry.ExecutionID, journalFile, entry)
}

func (f *File) ListJournal(ctx context.Context, executionID string) ([]*flow.JournalEntry, error) {
	dir, err := f.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return readLines[flow.JournalEntry](filepath.Join(dir, journalFile))
}

func (f *File) SaveState(ctx context.Context, state *flow.ExecutionState) error {
	dir, err := f.executionDir(state.ExecutionID)
	if err != nil {
		return err
	}
	saved := *state
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(&saved, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, stateFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, stateFile))
}

func (f *File) LoadState(ctx context.Context, executionID string) (*flow.ExecutionState, error) {
	dir, err := f.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	f.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, flow.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read execution state: %w", err)
	}
	var state flow.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	return &state, nil
}

func (f *File) ListActiveExecutions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		state, err := f.LoadState(ctx, id)
		switch {
		case err == nil:
			if !state.Status.IsTerminal() {
				ids = append(ids, id)
			}
			continue
		case !errors.Is(err, flow.ErrNotFound):
			return nil, err
		}
		cps, err := f.ListCheckpoints(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(cps) > 0 && !cps[len(cps)-1].Type.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteExecution removes everything stored for an execution.
func (f *File) DeleteExecution(ctx context.Context, executionID string) error {
	dir, err := f.executionDir(executionID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

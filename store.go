package flow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CheckpointStore persists the append-only checkpoint stream.
type CheckpointStore interface {
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error

	// ListCheckpoints returns the stream of an execution ordered by sequence.
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)

	// LastCheckpointSequence returns the highest stored sequence, or 0.
	LastCheckpointSequence(ctx context.Context, executionID string) (int64, error)
}

// JournalStore persists journal entries.
type JournalStore interface {
	AppendJournal(ctx context.Context, entry *JournalEntry) error
	ListJournal(ctx context.Context, executionID string) ([]*JournalEntry, error)
}

// StateStore persists one overwritable ExecutionState per execution.
type StateStore interface {
	SaveState(ctx context.Context, state *ExecutionState) error

	// LoadState returns ErrNotFound when no row exists.
	LoadState(ctx context.Context, executionID string) (*ExecutionState, error)

	// ListActiveExecutions returns executions that may need recovery: state
	// rows with a non-terminal status, plus checkpoint streams without a
	// state row whose last checkpoint is not terminal.
	ListActiveExecutions(ctx context.Context) ([]string, error)
}

// Store is the persistence collaborator of the checkpoint manager.
type Store interface {
	CheckpointStore
	JournalStore
	StateStore
}

// MemoryStore keeps everything in process memory. Values are copied on the
// way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint
	journal     map[string][]*JournalEntry
	states      map[string]*ExecutionState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: map[string][]*Checkpoint{},
		journal:     map[string][]*JournalEntry{},
		states:      map[string]*ExecutionState{},
	}
}

func (s *MemoryStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints[cp.ExecutionID] {
		if existing.ID == cp.ID {
			return nil
		}
	}
	s.checkpoints[cp.ExecutionID] = append(s.checkpoints[cp.ExecutionID], cp.clone())
	return nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.checkpoints[executionID]
	out := make([]*Checkpoint, len(stored))
	for i, cp := range stored {
		out[i] = cp.clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) LastCheckpointSequence(ctx context.Context, executionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, cp := range s.checkpoints[executionID] {
		last = max(last, cp.Sequence)
	}
	return last, nil
}

func (s *MemoryStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal[entry.ExecutionID] = append(s.journal[entry.ExecutionID], entry.clone())
	return nil
}

func (s *MemoryStore) ListJournal(ctx context.Context, executionID string) ([]*JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.journal[executionID]
	out := make([]*JournalEntry, len(stored))
	for i, e := range stored {
		out[i] = e.clone()
	}
	return out, nil
}

func (s *MemoryStore) SaveState(ctx context.Context, state *ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := state.clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.states[state.ExecutionID] = c
	return nil
}

func (s *MemoryStore) LoadState(ctx context.Context, executionID string) (*ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return state.clone(), nil
}

func (s *MemoryStore) ListActiveExecutions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, state := range s.states {
		if !state.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	for id, cps := range s.checkpoints {
		if _, hasState := s.states[id]; hasState || len(cps) == 0 {
			continue
		}
		if !lastCheckpoint(cps).Type.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func lastCheckpoint(cps []*Checkpoint) *Checkpoint {
	last := cps[0]
	for _, cp := range cps[1:] {
		if cp.Sequence > last.Sequence {
			last = cp
		}
	}
	return last
}

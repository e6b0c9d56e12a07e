package task

import "context"

// ExecuteFunc is the signature of a task implemented as a plain function.
type ExecuteFunc func(ctx context.Context, config map[string]any, view ContextView) (*Result, error)

// Func adapts a function into a Task.
type Func struct {
	meta Metadata
	fn   ExecuteFunc
}

// NewFunc returns a Task with the given metadata backed by fn.
func NewFunc(meta Metadata, fn ExecuteFunc) *Func {
	return &Func{meta: meta, fn: fn}
}

func (f *Func) Metadata() Metadata {
	return f.meta
}

func (f *Func) Execute(ctx context.Context, config map[string]any, view ContextView) (*Result, error) {
	return f.fn(ctx, config, view)
}

package executor

import (
	"context"
	"fmt"

	"stageline/internal/domain"
)

// Registry dispatches each stage to the executor registered for its id.
type Registry struct {
	stages  map[string]Executor
	Default Executor
}

// NewRegistry returns an empty Registry that falls back to def (which may be nil).
func NewRegistry(def Executor) *Registry {
	return &Registry{stages: map[string]Executor{}, Default: def}
}

func (r *Registry) Register(stageID string, ex Executor) {
	if r.stages == nil {
		r.stages = map[string]Executor{}
	}
	r.stages[stageID] = ex
}

// Lookup returns the executor for stageID, or the default.
func (r *Registry) Lookup(stageID string) (Executor, bool) {
	if ex, ok := r.stages[stageID]; ok {
		return ex, true
	}
	if r.Default != nil {
		return r.Default, true
	}
	return nil, false
}

func (r *Registry) Execute(ctx context.Context, stageID string, st domain.PipelineState, ec ExecContext) (Result, error) {
	ex, ok := r.Lookup(stageID)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrNoExecutor, stageID)
	}
	return ex.Execute(ctx, stageID, st, ec)
}

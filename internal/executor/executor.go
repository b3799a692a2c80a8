package executor

import (
	"context"
	"errors"
	"sort"
	"strings"

	"stageline/internal/domain"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// ErrNoExecutor is returned by a Registry with no executor for a stage and no default.
var ErrNoExecutor = errors.New("no executor for stage")

// Artifact is a stage output before the engine stamps it into an ArtifactRecord.
type Artifact struct {
	Name    string
	Kind    string
	Content string
	URI     string
}

// Result is what a stage execution produced. A Status of StatusFailed is treated as a
// stage failure even when no error is returned.
type Result struct {
	Artifacts []Artifact
	Status    string
	Degraded  bool
	Notes     []string
}

// ExecContext carries the run identity and the parameters that apply to one stage.
type ExecContext struct {
	ProjectID string
	ThreadID  string
	Attempt   int
	Params    map[string]string
}

// Executor performs the business logic of a stage. The state it receives is a copy.
type Executor interface {
	Execute(ctx context.Context, stageID string, st domain.PipelineState, ec ExecContext) (Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, stageID string, st domain.PipelineState, ec ExecContext) (Result, error)

func (f Func) Execute(ctx context.Context, stageID string, st domain.PipelineState, ec ExecContext) (Result, error) {
	return f(ctx, stageID, st, ec)
}

// ParamsFor returns the parameters visible to stageID. Unscoped keys apply to every stage;
// a key written "<stage>:<name>" applies only to that stage and wins over an unscoped name.
func ParamsFor(params map[string]string, stageID string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if !strings.Contains(k, ":") {
			out[k] = v
		}
	}
	prefix := stageID + ":"
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, prefix); ok && name != "" {
			out[name] = v
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

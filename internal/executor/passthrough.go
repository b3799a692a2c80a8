package executor

import (
	"context"
	"strings"

	"stageline/internal/domain"
)

// Passthrough completes a stage by recording its parameters as one artifact.
type Passthrough struct{}

func (Passthrough) Execute(_ context.Context, stageID string, _ domain.PipelineState, ec ExecContext) (Result, error) {
	var b strings.Builder
	for _, k := range sortedKeys(ec.Params) {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(ec.Params[k])
		b.WriteString("\n")
	}
	return Result{
		Status: StatusOK,
		Artifacts: []Artifact{{
			Name:    stageID + ".params",
			Kind:    "parameters",
			Content: b.String(),
		}},
	}, nil
}

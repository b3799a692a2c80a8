package executor

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

// Fallback runs Primary and, when it fails, Secondary. A result produced by Secondary is
// tagged Degraded and carries the primary failure in Notes.
type Fallback struct {
	Primary   Executor
	Secondary Executor
}

func (f Fallback) Execute(ctx context.Context, stageID string, st domain.PipelineState, ec ExecContext) (Result, error) {
	res, err := f.Primary.Execute(ctx, stageID, st, ec)
	if err == nil && res.Status != StatusFailed {
		return res, nil
	}
	if err == nil {
		err = fmt.Errorf("primary reported status %s", res.Status)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, err
	}
	if f.Secondary == nil {
		return Result{}, err
	}
	alt, altErr := f.Secondary.Execute(ctx, stageID, st, ec)
	if altErr == nil && alt.Status == StatusFailed {
		altErr = fmt.Errorf("fallback reported status %s", alt.Status)
	}
	if altErr != nil {
		return Result{}, errors.Join(err, fmt.Errorf("fallback: %w", altErr))
	}
	alt.Degraded = true
	alt.Notes = append([]string{"primary failed: " + err.Error()}, alt.Notes...)
	return alt, nil
}

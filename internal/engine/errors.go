package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAwaitingApproval is returned by Approve when the run is not parked at a gate.
	ErrNotAwaitingApproval = errors.New("run is not awaiting approval")
	// ErrNothingToRetry is returned by Retry when the run has not failed.
	ErrNothingToRetry = errors.New("run has nothing to retry")
	// ErrRetryLimit is returned by Retry when the failed stage has used its attempts.
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrRunExists is returned by Initialize when the thread already has a run.
	ErrRunExists = errors.New("run already exists")
)

const (
	KindExecutor = "executor_error"
	KindPanic    = "panic"
	KindStatus   = "result_failed"
	KindCanceled = "canceled"
)

// StageExecutionError describes a failed stage. It is recorded into the run state and the
// event log and never returned from an Engine operation.
type StageExecutionError struct {
	Stage   string
	Attempt int
	Kind    string
	Err     error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

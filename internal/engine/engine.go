package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/executor"
	"stageline/internal/stack"
	"stageline/internal/state"
	"stageline/internal/telemetry"
)

const (
	DefaultMaxAttempts = 5
	DefaultLockTimeout = 10 * time.Second
)

// RunIndex receives a summary of the run after every persisted transition.
type RunIndex interface {
	Upsert(ctx context.Context, s domain.RunSummary) error
}

// Engine drives pipeline runs through their stages. All collaborators are injected;
// the zero values of Index, Metrics and Logger disable those concerns.
type Engine struct {
	Store       *state.Store
	Events      events.Writer
	Catalog     stack.Catalog
	Executor    executor.Executor
	Index       RunIndex
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	MaxAttempts int
	LockTimeout time.Duration
	Now         func() time.Time
}

// New returns an Engine rooted at root. A nil executor defaults to Passthrough.
func New(root string, ex executor.Executor) Engine {
	if ex == nil {
		ex = executor.Passthrough{}
	}
	return Engine{
		Store:       state.NewStore(root),
		Events:      events.Writer{Root: root},
		Catalog:     stack.Catalog{Dirs: []string{filepath.Join(root, "stacks")}},
		Executor:    ex,
		Logger:      zerolog.Nop(),
		Tracer:      telemetry.Tracer(),
		MaxAttempts: DefaultMaxAttempts,
		LockTimeout: DefaultLockTimeout,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return telemetry.Tracer()
}

// RunOptions select the stack for a new run and the parameters handed to its stages.
// Stack is a definition path or a name resolved through the Catalog. It is ignored when
// the run already exists; the persisted stack is authoritative.
type RunOptions struct {
	Stack      string
	Parameters map[string]string
}

func (e Engine) withLock(ctx context.Context, projectID, threadID string, fn func() (domain.PipelineState, error)) (domain.PipelineState, error) {
	timeout := e.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	lk, err := e.Store.Lock(ctx, projectID, threadID, timeout)
	if err != nil {
		return domain.PipelineState{}, err
	}
	defer func() {
		if err := lk.Unlock(); err != nil {
			e.Logger.Warn().Err(err).Str("project_id", projectID).Str("thread_id", threadID).Msg("unlock failed")
		}
	}()
	return fn()
}

// Initialize creates and persists a fresh run: every stage pending, the first stage current.
// A thread that already has a run is left untouched and ErrRunExists is returned.
func (e Engine) Initialize(ctx context.Context, projectID, threadID, stackName string, stageIDs []string) (domain.PipelineState, error) {
	return e.withLock(ctx, projectID, threadID, func() (domain.PipelineState, error) {
		st, err := e.newState(projectID, threadID, stackName, stageIDs)
		if err != nil {
			return domain.PipelineState{}, err
		}
		exists, err := e.Store.Exists(projectID, threadID)
		if err != nil {
			return domain.PipelineState{}, err
		}
		if exists {
			return domain.PipelineState{}, fmt.Errorf("%w: %s/%s", ErrRunExists, projectID, threadID)
		}
		if err := e.commit(ctx, &st, e.initializedEvent(st)); err != nil {
			return domain.PipelineState{}, err
		}
		return st, nil
	})
}

func (e Engine) newState(projectID, threadID, stackName string, stageIDs []string) (domain.PipelineState, error) {
	if err := state.ValidateIdentifier("project_id", projectID); err != nil {
		return domain.PipelineState{}, err
	}
	if err := state.ValidateIdentifier("thread_id", threadID); err != nil {
		return domain.PipelineState{}, err
	}
	if len(stageIDs) == 0 {
		return domain.PipelineState{}, fmt.Errorf("%w: stack %q has no stages", stack.ErrMalformedDefinition, stackName)
	}
	stages := make(map[string]domain.StageState, len(stageIDs))
	for _, id := range stageIDs {
		if strings.TrimSpace(id) == "" {
			return domain.PipelineState{}, fmt.Errorf("%w: empty stage id", stack.ErrMalformedDefinition)
		}
		if _, dup := stages[id]; dup {
			return domain.PipelineState{}, fmt.Errorf("%w: duplicate stage id %q", stack.ErrMalformedDefinition, id)
		}
		stages[id] = domain.StageState{Status: domain.StagePending}
	}
	first := stageIDs[0]
	now := e.stamp()
	return domain.PipelineState{
		ProjectID:    projectID,
		ThreadID:     threadID,
		Stack:        stackName,
		CurrentStage: &first,
		Status:       domain.RunRunning,
		Stages:       stages,
		Artifacts:    []domain.ArtifactRecord{},
		Errors:       []domain.ErrorRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// RunUntilGate loads the run (initializing it from opts.Stack when absent) and executes
// stages until the run reaches a gate, fails or completes. Stage failures are recorded
// in the returned state, not returned as errors. An error from appending an event can
// follow a transition that was already persisted; Status then shows the saved state.
func (e Engine) RunUntilGate(ctx context.Context, projectID, threadID string, opts RunOptions) (domain.PipelineState, error) {
	return e.withLock(ctx, projectID, threadID, func() (domain.PipelineState, error) {
		st, err := e.Store.Load(projectID, threadID)
		switch {
		case err == nil:
			if st.Status != domain.RunRunning {
				return st, nil
			}
			def, err := e.resolveStack(st)
			if err != nil {
				return domain.PipelineState{}, err
			}
			if len(opts.Parameters) > 0 {
				if st.Parameters == nil {
					st.Parameters = map[string]string{}
				}
				for k, v := range opts.Parameters {
					st.Parameters[k] = v
				}
			}
			return e.advance(ctx, def, st)
		case errors.Is(err, state.ErrStateNotFound):
			def, path, err := e.Catalog.Resolve(opts.Stack)
			if err != nil {
				return domain.PipelineState{}, err
			}
			st, err := e.newState(projectID, threadID, def.Name, def.StageIDs())
			if err != nil {
				return domain.PipelineState{}, err
			}
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			st.StackPath = path
			if len(opts.Parameters) > 0 {
				st.Parameters = make(map[string]string, len(opts.Parameters))
				for k, v := range opts.Parameters {
					st.Parameters[k] = v
				}
			}
			if err := e.commit(ctx, &st, e.initializedEvent(st)); err != nil {
				return domain.PipelineState{}, err
			}
			return e.advance(ctx, def, st)
		default:
			return domain.PipelineState{}, err
		}
	})
}

// Approve completes the gate the run is parked at, recording actor, and resumes execution.
// It fails with ErrNotAwaitingApproval, leaving the state untouched, unless the run is waiting.
// As with RunUntilGate, an event log error may be returned after the approval was persisted.
func (e Engine) Approve(ctx context.Context, projectID, threadID, actor string) (domain.PipelineState, error) {
	return e.withLock(ctx, projectID, threadID, func() (domain.PipelineState, error) {
		st, err := e.Store.Load(projectID, threadID)
		if err != nil {
			return domain.PipelineState{}, err
		}
		if st.Status != domain.RunWaitingApproval {
			return domain.PipelineState{}, fmt.Errorf("%w: %s/%s is %s", ErrNotAwaitingApproval, projectID, threadID, st.Status)
		}
		def, err := e.resolveStack(st)
		if err != nil {
			return domain.PipelineState{}, err
		}
		gate := st.Current()
		ss := st.Stages[gate]
		ss.Status = domain.StageCompleted
		ss.CompletedAt = e.stamp()
		ss.ApprovedBy = actor
		st.Stages[gate] = ss
		e.moveOn(def, &st, gate)

		evt := e.event(st, "stage.approved", gate, string(domain.StageCompleted), events.EventPayload{
			"attempt": ss.Attempts,
		})
		if actor != "" {
			evt.Fields["actor_id"] = actor
		}
		if err := e.commit(ctx, &st, evt); err != nil {
			return domain.PipelineState{}, err
		}
		e.Metrics.Approved(gate)
		e.stageLog(e.Logger.Info(), st, gate, ss).Str("actor_id", actor).Msg("gate approved")
		if st.Status == domain.RunCompleted {
			if err := e.finish(ctx, st); err != nil {
				return domain.PipelineState{}, err
			}
			return st, nil
		}
		return e.advance(ctx, def, st)
	})
}

// Retry resets the failed stage to pending, keeping its attempt count, and resumes execution.
// An event log error may be returned after the reset was persisted.
func (e Engine) Retry(ctx context.Context, projectID, threadID string) (domain.PipelineState, error) {
	return e.withLock(ctx, projectID, threadID, func() (domain.PipelineState, error) {
		st, err := e.Store.Load(projectID, threadID)
		if err != nil {
			return domain.PipelineState{}, err
		}
		if st.Status != domain.RunFailed {
			return domain.PipelineState{}, fmt.Errorf("%w: %s/%s is %s", ErrNothingToRetry, projectID, threadID, st.Status)
		}
		failed := st.Current()
		ss, ok := st.Stages[failed]
		if !ok || ss.Status != domain.StageFailed {
			return domain.PipelineState{}, fmt.Errorf("%w: current stage %q of failed run is not failed", state.ErrCorruptState, failed)
		}
		if e.MaxAttempts > 0 && ss.Attempts >= e.MaxAttempts {
			return domain.PipelineState{}, fmt.Errorf("%w: stage %s used %d of %d attempts", ErrRetryLimit, failed, ss.Attempts, e.MaxAttempts)
		}
		def, err := e.resolveStack(st)
		if err != nil {
			return domain.PipelineState{}, err
		}
		ss.Status = domain.StagePending
		st.Stages[failed] = ss
		st.Status = domain.RunRunning

		evt := e.event(st, "run.retried", failed, string(domain.StagePending), events.EventPayload{
			"attempt": ss.Attempts,
		})
		if err := e.commit(ctx, &st, evt); err != nil {
			return domain.PipelineState{}, err
		}
		e.Metrics.Retried(failed)
		e.stageLog(e.Logger.Info(), st, failed, ss).Msg("run retried")
		return e.advance(ctx, def, st)
	})
}

// Status returns the persisted run without taking the lock.
func (e Engine) Status(ctx context.Context, projectID, threadID string) (domain.PipelineState, error) {
	return e.Store.Load(projectID, threadID)
}

// advance is the execution loop shared by run, approve and retry.
func (e Engine) advance(ctx context.Context, def domain.StackDefinition, st domain.PipelineState) (domain.PipelineState, error) {
	for st.Status == domain.RunRunning {
		cur := st.Current()
		spec, ok := def.Spec(cur)
		if !ok {
			return st, fmt.Errorf("%w: current stage %q is not in stack %s", state.ErrCorruptState, cur, def.Name)
		}
		ss := st.Stages[cur]

		if ss.Status == domain.StageCompleted {
			e.moveOn(def, &st, cur)
			if err := e.persist(ctx, &st); err != nil {
				return domain.PipelineState{}, err
			}
			continue
		}

		if spec.ApprovalRequired {
			ss.Status = domain.StageWaitingApproval
			st.Stages[cur] = ss
			st.Status = domain.RunWaitingApproval
			evt := e.event(st, "stage.gated", cur, string(domain.StageWaitingApproval), events.EventPayload{
				"attempt": ss.Attempts,
			})
			if err := e.commit(ctx, &st, evt); err != nil {
				return domain.PipelineState{}, err
			}
			e.Metrics.GateReached(cur)
			e.stageLog(e.Logger.Info(), st, cur, ss).Msg("awaiting approval")
			return st, nil
		}

		var err error
		st, err = e.execute(ctx, def, st, cur)
		if err != nil {
			return domain.PipelineState{}, err
		}
	}
	if st.Status == domain.RunCompleted {
		if err := e.finish(ctx, st); err != nil {
			return domain.PipelineState{}, err
		}
	}
	return st, nil
}

// execute runs one stage and persists its outcome. The running status is never persisted.
func (e Engine) execute(ctx context.Context, def domain.StackDefinition, st domain.PipelineState, stageID string) (domain.PipelineState, error) {
	ss := st.Stages[stageID]
	ss.Status = domain.StageRunning
	ss.Attempts++
	ss.StartedAt = e.stamp()
	ss.CompletedAt = ""
	st.Stages[stageID] = ss

	ec := executor.ExecContext{
		ProjectID: st.ProjectID,
		ThreadID:  st.ThreadID,
		Attempt:   ss.Attempts,
		Params:    executor.ParamsFor(st.Parameters, stageID),
	}
	ctx, span := e.tracer().Start(ctx, "stage "+stageID, trace.WithAttributes(
		attribute.String("stageline.project_id", st.ProjectID),
		attribute.String("stageline.thread_id", st.ThreadID),
		attribute.String("stageline.stage", stageID),
		attribute.Int("stageline.attempt", ss.Attempts),
	))
	defer span.End()

	started := time.Now()
	res, execErr := e.invoke(ctx, stageID, st.Clone(), ec)
	elapsed := time.Since(started)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return e.fail(ctx, st, stageID, execErr, elapsed)
	}

	now := e.stamp()
	ss.Status = domain.StageCompleted
	ss.CompletedAt = now
	st.Stages[stageID] = ss
	for _, a := range res.Artifacts {
		st.Artifacts = append(st.Artifacts, domain.ArtifactRecord{
			ID:         uuid.NewString(),
			Stage:      stageID,
			Attempt:    ss.Attempts,
			Name:       a.Name,
			Kind:       a.Kind,
			Content:    a.Content,
			URI:        a.URI,
			Degraded:   res.Degraded,
			RecordedAt: now,
		})
	}
	e.moveOn(def, &st, stageID)

	fields := events.EventPayload{
		"attempt":     ss.Attempts,
		"artifacts":   len(res.Artifacts),
		"duration_ms": elapsed.Milliseconds(),
	}
	if res.Degraded {
		fields["degraded"] = true
	}
	if len(res.Notes) > 0 {
		fields["notes"] = res.Notes
	}
	if res.Status != "" {
		fields["result_status"] = res.Status
	}
	if err := e.commit(ctx, &st, e.event(st, "stage.completed", stageID, string(domain.StageCompleted), fields)); err != nil {
		return domain.PipelineState{}, err
	}

	outcome := "completed"
	if res.Degraded {
		outcome = "degraded"
		span.SetAttributes(attribute.Bool("stageline.degraded", true))
		e.stageLog(e.Logger.Warn(), st, stageID, ss).Strs("notes", res.Notes).Msg("stage completed degraded")
	} else {
		e.stageLog(e.Logger.Info(), st, stageID, ss).Dur("elapsed", elapsed).Msg("stage completed")
	}
	e.Metrics.StageExecuted(stageID, outcome, elapsed)
	return st, nil
}

func (e Engine) fail(ctx context.Context, st domain.PipelineState, stageID string, execErr error, elapsed time.Duration) (domain.PipelineState, error) {
	ss := st.Stages[stageID]
	ss.Status = domain.StageFailed
	st.Stages[stageID] = ss
	st.Status = domain.RunFailed

	kind := KindExecutor
	var se *StageExecutionError
	if errors.As(execErr, &se) {
		kind = se.Kind
	}
	msg := execErr.Error()
	if se != nil && se.Err != nil {
		msg = se.Err.Error()
	}
	st.Errors = append(st.Errors, domain.ErrorRecord{
		Stage:      stageID,
		Attempt:    ss.Attempts,
		Kind:       kind,
		Message:    msg,
		RecordedAt: e.stamp(),
	})
	evt := e.event(st, "stage.failed", stageID, string(domain.StageFailed), events.EventPayload{
		"attempt":     ss.Attempts,
		"error":       msg,
		"error_kind":  kind,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err := e.commit(ctx, &st, evt); err != nil {
		return domain.PipelineState{}, err
	}
	e.Metrics.StageExecuted(stageID, "failed", elapsed)
	e.Metrics.RunFinished(string(domain.RunFailed))
	e.stageLog(e.Logger.Error(), st, stageID, ss).Str("error_kind", kind).Str("error", msg).Msg("stage failed")
	return st, nil
}

// invoke calls the executor and converts every kind of failure, panics included, into a
// StageExecutionError.
func (e Engine) invoke(ctx context.Context, stageID string, snapshot domain.PipelineState, ec executor.ExecContext) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = executor.Result{}
			err = &StageExecutionError{Stage: stageID, Attempt: ec.Attempt, Kind: KindPanic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e.Executor == nil {
		return executor.Result{}, &StageExecutionError{Stage: stageID, Attempt: ec.Attempt, Kind: KindExecutor, Err: errors.New("no executor configured")}
	}
	res, err = e.Executor.Execute(ctx, stageID, snapshot, ec)
	if err != nil {
		kind := KindExecutor
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		return executor.Result{}, &StageExecutionError{Stage: stageID, Attempt: ec.Attempt, Kind: kind, Err: err}
	}
	if res.Status == executor.StatusFailed {
		msg := "executor reported failure"
		if len(res.Notes) > 0 {
			msg = strings.Join(res.Notes, "; ")
		}
		return executor.Result{}, &StageExecutionError{Stage: stageID, Attempt: ec.Attempt, Kind: KindStatus, Err: errors.New(msg)}
	}
	return res, nil
}

// moveOn points the run at the stage after done, completing the run when none remain.
func (e Engine) moveOn(def domain.StackDefinition, st *domain.PipelineState, done string) {
	next := def.Next(done)
	if next == "" {
		st.CurrentStage = nil
		st.Status = domain.RunCompleted
		return
	}
	st.CurrentStage = &next
	st.Status = domain.RunRunning
}

func (e Engine) finish(ctx context.Context, st domain.PipelineState) error {
	evt := e.event(st, "run.completed", "", string(domain.RunCompleted), events.EventPayload{
		"artifacts": len(st.Artifacts),
	})
	if _, err := e.Events.Append(st.ProjectID, st.ThreadID, evt); err != nil {
		return err
	}
	e.Metrics.RunFinished(string(domain.RunCompleted))
	e.Logger.Info().Str("project_id", st.ProjectID).Str("thread_id", st.ThreadID).Msg("run completed")
	return nil
}

// commit stamps, persists and indexes st, then appends evt. Persisting comes first so the
// log never describes a transition the snapshot does not hold.
func (e Engine) commit(ctx context.Context, st *domain.PipelineState, evt events.Event) error {
	if err := e.persist(ctx, st); err != nil {
		return err
	}
	if _, err := e.Events.Append(st.ProjectID, st.ThreadID, evt); err != nil {
		return err
	}
	return nil
}

// persist saves st and refreshes its index row. Index failures are logged only.
func (e Engine) persist(ctx context.Context, st *domain.PipelineState) error {
	st.UpdatedAt = e.stamp()
	if _, err := e.Store.Save(st.ProjectID, st.ThreadID, *st); err != nil {
		return err
	}
	if e.Index != nil {
		if err := e.Index.Upsert(ctx, domain.Summarize(*st)); err != nil {
			e.Logger.Warn().Err(err).Str("project_id", st.ProjectID).Str("thread_id", st.ThreadID).Msg("run index update failed")
		}
	}
	return nil
}

func (e Engine) initializedEvent(st domain.PipelineState) events.Event {
	return e.event(st, "run.initialized", st.Current(), string(domain.RunRunning), events.EventPayload{
		"stack":  st.Stack,
		"stages": len(st.Stages),
	})
}

func (e Engine) event(st domain.PipelineState, typ, stage, status string, fields events.EventPayload) events.Event {
	if fields == nil {
		fields = events.EventPayload{}
	}
	fields["event_id"] = uuid.NewString()
	fields["type"] = typ
	fields["project_id"] = st.ProjectID
	fields["thread_id"] = st.ThreadID
	return events.Event{
		Stage:     stage,
		Status:    status,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Fields:    fields,
	}
}

func (e Engine) stageLog(ev *zerolog.Event, st domain.PipelineState, stageID string, ss domain.StageState) *zerolog.Event {
	return ev.Str("project_id", st.ProjectID).
		Str("thread_id", st.ThreadID).
		Str("stage", stageID).
		Str("status", string(ss.Status)).
		Int("attempt", ss.Attempts)
}

// resolveStack loads the definition a persisted run was started with and checks that it
// still describes the same stages.
func (e Engine) resolveStack(st domain.PipelineState) (domain.StackDefinition, error) {
	var (
		def domain.StackDefinition
		err error
	)
	if st.StackPath != "" {
		def, err = stack.Load(st.StackPath)
	} else {
		def, _, err = e.Catalog.Resolve(st.Stack)
	}
	if err != nil {
		return domain.StackDefinition{}, err
	}
	if len(def.Sequence) != len(st.Stages) {
		return domain.StackDefinition{}, fmt.Errorf("%w: stack %s has %d stages, run has %d", state.ErrCorruptState, def.Name, len(def.Sequence), len(st.Stages))
	}
	for _, id := range def.StageIDs() {
		if _, ok := st.Stages[id]; !ok {
			return domain.StackDefinition{}, fmt.Errorf("%w: stage %q of stack %s missing from run", state.ErrCorruptState, id, def.Name)
		}
	}
	return def, nil
}

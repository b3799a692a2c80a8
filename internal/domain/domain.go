package domain

// RunStatus is the coarse state of a pipeline run.
type RunStatus string

const (
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunWaitingApproval, RunCompleted, RunFailed:
		return true
	}
	return false
}

// StageStatus is the state of a single stage within a run.
type StageStatus string

const (
	StagePending         StageStatus = "pending"
	StageRunning         StageStatus = "running"
	StageCompleted       StageStatus = "completed"
	StageFailed          StageStatus = "failed"
	StageWaitingApproval StageStatus = "waiting_approval"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageRunning, StageCompleted, StageFailed, StageWaitingApproval:
		return true
	}
	return false
}

type StageSpec struct {
	ID               string `json:"id" yaml:"id" validate:"required"`
	ApprovalRequired bool   `json:"approval_required" yaml:"approval_required"`
	Description      string `json:"description,omitempty" yaml:"description,omitempty"`
}

// StackDefinition is the ordered sequence of stages a run walks through.
type StackDefinition struct {
	Name     string      `json:"name" yaml:"name"`
	Sequence []StageSpec `json:"sequence" yaml:"sequence" validate:"required,min=1,dive"`
}

// StageIDs returns the stage ids in execution order.
func (d StackDefinition) StageIDs() []string {
	ids := make([]string, 0, len(d.Sequence))
	for _, s := range d.Sequence {
		ids = append(ids, s.ID)
	}
	return ids
}

// Spec returns the stage spec with the given id.
func (d StackDefinition) Spec(id string) (StageSpec, bool) {
	for _, s := range d.Sequence {
		if s.ID == id {
			return s, true
		}
	}
	return StageSpec{}, false
}

// Next returns the id of the stage following id, or "" when id is last or unknown.
func (d StackDefinition) Next(id string) string {
	for i, s := range d.Sequence {
		if s.ID == id {
			if i+1 < len(d.Sequence) {
				return d.Sequence[i+1].ID
			}
			return ""
		}
	}
	return ""
}

type StageState struct {
	Status      StageStatus `json:"status" enum:"pending,running,completed,failed,waiting_approval"`
	Attempts    int         `json:"attempts" minimum:"0"`
	StartedAt   string      `json:"started_at,omitempty" format:"date-time"`
	CompletedAt string      `json:"completed_at,omitempty" format:"date-time"`
	ApprovedBy  string      `json:"approved_by,omitempty"`
}

type ArtifactRecord struct {
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	Content    string `json:"content,omitempty"`
	URI        string `json:"uri,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type ErrorRecord struct {
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

// PipelineState is the persisted aggregate for one project/thread run.
type PipelineState struct {
	ProjectID    string                `json:"project_id"`
	ThreadID     string                `json:"thread_id"`
	Stack        string                `json:"stack"`
	StackPath    string                `json:"stack_path,omitempty"`
	Parameters   map[string]string     `json:"parameters"`
	CurrentStage *string               `json:"current_stage"`
	Status       RunStatus             `json:"status" enum:"running,waiting_approval,completed,failed"`
	Stages       map[string]StageState `json:"stages"`
	Artifacts    []ArtifactRecord      `json:"artifacts"`
	Errors       []ErrorRecord         `json:"errors"`
	CreatedAt    string                `json:"created_at" format:"date-time"`
	UpdatedAt    string                `json:"updated_at" format:"date-time"`
}

// Current returns the current stage id, or "" when the run has none.
func (s PipelineState) Current() string {
	if s.CurrentStage == nil {
		return ""
	}
	return *s.CurrentStage
}

// Clone returns a deep copy so callers can hand the state out without sharing maps or slices.
func (s PipelineState) Clone() PipelineState {
	out := s
	if s.CurrentStage != nil {
		cur := *s.CurrentStage
		out.CurrentStage = &cur
	}
	if s.Parameters != nil {
		out.Parameters = make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = v
		}
	}
	if s.Stages != nil {
		out.Stages = make(map[string]StageState, len(s.Stages))
		for k, v := range s.Stages {
			out.Stages[k] = v
		}
	}
	out.Artifacts = append([]ArtifactRecord{}, s.Artifacts...)
	out.Errors = append([]ErrorRecord{}, s.Errors...)
	return out
}

// RunSummary is the catalog row kept in the run index.
type RunSummary struct {
	ProjectID    string    `json:"project_id"`
	ThreadID     string    `json:"thread_id"`
	Stack        string    `json:"stack"`
	Status       RunStatus `json:"status" enum:"running,waiting_approval,completed,failed"`
	CurrentStage string    `json:"current_stage,omitempty"`
	Artifacts    int       `json:"artifacts"`
	Errors       int       `json:"errors"`
	UpdatedAt    string    `json:"updated_at" format:"date-time"`
}

// Summarize projects a state onto its index row.
func Summarize(s PipelineState) RunSummary {
	return RunSummary{
		ProjectID:    s.ProjectID,
		ThreadID:     s.ThreadID,
		Stack:        s.Stack,
		Status:       s.Status,
		CurrentStage: s.Current(),
		Artifacts:    len(s.Artifacts),
		Errors:       len(s.Errors),
		UpdatedAt:    s.UpdatedAt,
	}
}

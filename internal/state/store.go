package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"stageline/internal/domain"
)

var (
	// ErrStateNotFound is returned when no snapshot exists for a project/thread.
	ErrStateNotFound = errors.New("state not found")
	// ErrCorruptState is returned when a snapshot does not match the PipelineState shape or its invariants.
	ErrCorruptState = errors.New("corrupt state")
	// ErrInvalidIdentifier is returned for project or thread ids that cannot name a directory.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

const (
	stateFile = "state.json"
	logFile   = "log.jsonl"
	lockExt   = ".lock"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateIdentifier checks that id is safe to use as a single path segment.
func ValidateIdentifier(kind, id string) error {
	if !identifierRe.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, id)
	}
	return nil
}

// ThreadDir returns root/projects/{project}/threads/{thread}.
func ThreadDir(root, projectID, threadID string) string {
	return filepath.Join(root, "projects", projectID, "threads", threadID)
}

// Path returns the state snapshot location for a project/thread.
func Path(root, projectID, threadID string) string {
	return filepath.Join(ThreadDir(root, projectID, threadID), stateFile)
}

// LogPath returns the event log location for a project/thread.
func LogPath(root, projectID, threadID string) string {
	return filepath.Join(ThreadDir(root, projectID, threadID), logFile)
}

// LockPath returns the advisory lock file for a project/thread. Locks live under
// root/locks so that taking one never creates a thread directory.
func LockPath(root, projectID, threadID string) string {
	return filepath.Join(root, "locks", projectID, threadID+lockExt)
}

// Store persists PipelineState snapshots under a root directory.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

func checkIDs(projectID, threadID string) error {
	if err := ValidateIdentifier("project_id", projectID); err != nil {
		return err
	}
	return ValidateIdentifier("thread_id", threadID)
}

// Save writes st as the current snapshot and returns its location.
func (s *Store) Save(projectID, threadID string, st domain.PipelineState) (string, error) {
	if err := checkIDs(projectID, threadID); err != nil {
		return "", err
	}
	if st.ProjectID != projectID || st.ThreadID != threadID {
		return "", fmt.Errorf("state identity %s/%s does not match %s/%s", st.ProjectID, st.ThreadID, projectID, threadID)
	}
	data, err := encodeJSON(st)
	if err != nil {
		return "", err
	}
	path := Path(s.Root, projectID, threadID)
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	return path, nil
}

// Load reads and validates the snapshot for a project/thread.
func (s *Store) Load(projectID, threadID string) (domain.PipelineState, error) {
	if err := checkIDs(projectID, threadID); err != nil {
		return domain.PipelineState{}, err
	}
	path := Path(s.Root, projectID, threadID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.PipelineState{}, fmt.Errorf("%w: %s/%s", ErrStateNotFound, projectID, threadID)
		}
		return domain.PipelineState{}, fmt.Errorf("read state %s: %w", path, err)
	}
	st, err := Decode(data)
	if err != nil {
		return domain.PipelineState{}, fmt.Errorf("%s: %w", path, err)
	}
	if st.ProjectID != projectID || st.ThreadID != threadID {
		return domain.PipelineState{}, fmt.Errorf("%w: %s holds %s/%s", ErrCorruptState, path, st.ProjectID, st.ThreadID)
	}
	return st, nil
}

// Exists reports whether a snapshot is present.
func (s *Store) Exists(projectID, threadID string) (bool, error) {
	if err := checkIDs(projectID, threadID); err != nil {
		return false, err
	}
	_, err := os.Stat(Path(s.Root, projectID, threadID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Decode parses a snapshot, rejecting unknown fields and invariant violations. Decoding is
// the exact inverse of Save: null and empty collections are kept apart.
func Decode(data []byte) (domain.PipelineState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var st domain.PipelineState
	if err := dec.Decode(&st); err != nil {
		return domain.PipelineState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if dec.More() {
		return domain.PipelineState{}, fmt.Errorf("%w: trailing data after document", ErrCorruptState)
	}
	if err := Validate(st); err != nil {
		return domain.PipelineState{}, err
	}
	return st, nil
}

// Validate checks the PipelineState invariants.
func Validate(st domain.PipelineState) error {
	if st.ProjectID == "" || st.ThreadID == "" {
		return fmt.Errorf("%w: project_id and thread_id are required", ErrCorruptState)
	}
	if !st.Status.Valid() {
		return fmt.Errorf("%w: unknown run status %q", ErrCorruptState, st.Status)
	}
	if len(st.Stages) == 0 {
		return fmt.Errorf("%w: stages is empty", ErrCorruptState)
	}
	running := 0
	allCompleted := true
	for id, ss := range st.Stages {
		if !ss.Status.Valid() {
			return fmt.Errorf("%w: stage %s has unknown status %q", ErrCorruptState, id, ss.Status)
		}
		if ss.Attempts < 0 {
			return fmt.Errorf("%w: stage %s has negative attempts", ErrCorruptState, id)
		}
		if ss.Status == domain.StageRunning {
			running++
		}
		if ss.Status != domain.StageCompleted {
			allCompleted = false
		}
	}
	if running > 1 {
		return fmt.Errorf("%w: %d stages running", ErrCorruptState, running)
	}
	cur := st.Current()
	if st.CurrentStage != nil {
		if _, ok := st.Stages[cur]; !ok {
			return fmt.Errorf("%w: current_stage %q is not a stage", ErrCorruptState, cur)
		}
	}
	waiting := st.CurrentStage != nil && st.Stages[cur].Status == domain.StageWaitingApproval
	if (st.Status == domain.RunWaitingApproval) != waiting {
		return fmt.Errorf("%w: status %s disagrees with current stage", ErrCorruptState, st.Status)
	}
	if (st.Status == domain.RunCompleted) != allCompleted {
		return fmt.Errorf("%w: status %s disagrees with stage completion", ErrCorruptState, st.Status)
	}
	return nil
}

// Walk calls fn for every snapshot below root, ordered by project then thread.
// Snapshots that fail to decode are passed to fn with a non-nil error.
func (s *Store) Walk(fn func(st domain.PipelineState, err error) error) error {
	pattern := filepath.Join(s.Root, "projects", "*", "threads", "*", stateFile)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			if cbErr := fn(domain.PipelineState{}, fmt.Errorf("read %s: %w", path, err)); cbErr != nil {
				return cbErr
			}
			continue
		}
		st, err := Decode(data)
		if err != nil {
			err = fmt.Errorf("%s: %w", path, err)
		}
		if cbErr := fn(st, err); cbErr != nil {
			return cbErr
		}
	}
	return nil
}

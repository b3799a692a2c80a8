package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"stageline/internal/state"
)

// Writer appends events to the per-thread log.jsonl under Root.
type Writer struct {
	Root string
	Now  func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes evt as one JSON line and returns the log location.
// A missing Timestamp is filled from Now.
func (w Writer) Append(projectID, threadID string, evt Event) (string, error) {
	if err := state.ValidateIdentifier("project_id", projectID); err != nil {
		return "", err
	}
	if err := state.ValidateIdentifier("thread_id", threadID); err != nil {
		return "", err
	}
	if evt.Timestamp == "" {
		evt.Timestamp = w.now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	path := state.LogPath(w.Root, projectID, threadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return "", fmt.Errorf("append event: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close event log: %w", err)
	}
	return path, nil
}

// Filter narrows Read results. Zero values match everything; Limit keeps the newest N.
type Filter struct {
	Stage string
	Type  string
	Limit int
}

func (f Filter) match(e Event) bool {
	if f.Stage != "" && e.Stage != f.Stage {
		return false
	}
	if f.Type != "" && e.Type() != f.Type {
		return false
	}
	return true
}

// Read returns the events of a thread oldest first. A thread without a log yields no events.
func (w Writer) Read(projectID, threadID string, filter Filter) ([]Event, error) {
	if err := state.ValidateIdentifier("project_id", projectID); err != nil {
		return nil, err
	}
	if err := state.ValidateIdentifier("thread_id", threadID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(state.LogPath(w.Root, projectID, threadID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read event log: %w", err)
	}
	out := []Event{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("event log line %d: %w", lineNo, err)
		}
		if filter.match(evt) {
			out = append(out, evt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

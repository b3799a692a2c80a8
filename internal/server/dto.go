package server

import (
	"stageline/internal/domain"
	"stageline/internal/events"
)

// Request payloads

type RunRequest struct {
	Stack      string            `json:"stack,omitempty" doc:"Stack name or definition path; required for a new run"`
	Parameters map[string]string `json:"parameters,omitempty" validate:"omitempty,dive,keys,required,endkeys" doc:"Stage parameters; prefix a key with <stage>: to scope it"`
}

type ApproveRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"Approving actor when authentication is disabled"`
}

// Response payloads

type RunsResponse struct {
	Items []domain.RunSummary `json:"items"`
}

type EventsResponse struct {
	Items []map[string]any `json:"items"`
}

type WhoAmIResponse struct {
	ActorID       string   `json:"actor_id"`
	Permissions   []string `json:"permissions"`
	Authenticated bool     `json:"authenticated"`
}

func eventBody(e events.Event) map[string]any {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["stage"] = e.Stage
	out["status"] = e.Status
	out["timestamp"] = e.Timestamp
	return out
}

func mapEvents(items []events.Event) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, e := range items {
		out = append(out, eventBody(e))
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

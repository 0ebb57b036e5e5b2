package jobs

import (
	"encoding/json"
	"time"
)

// EventType identifies a job progress event.
type EventType string

const (
	// EventSnapshot carries the full job state; pushed to every subscriber
	// on registration so reconnecting observers need no history replay.
	EventSnapshot EventType = "job:snapshot"

	EventJobStarted    EventType = "job:started"
	EventStepProgress  EventType = "step:progress"
	EventStepCompleted EventType = "step:completed"
	EventStepError     EventType = "step:error"
	EventJobCompleted  EventType = "job:completed"
	EventJobError      EventType = "job:error"
	EventJobCancelled  EventType = "job:cancelled"
)

// Event is one named progress notification for a job.
type Event struct {
	Type      EventType       `json:"type"`
	JobID     string          `json:"job_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ProgressData is the payload of step:progress and step:completed events.
type ProgressData struct {
	Step      string `json:"step"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`

	// Percent is nil while the total is unknown. It is capped at 99 on
	// progress events; only the step:completed event reports 100.
	Percent *int `json:"percent"`
}

// StepErrorData is the payload of step:error events.
type StepErrorData struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// JobErrorData is the payload of job:error events.
type JobErrorData struct {
	Error string `json:"error"`
}

// newEvent marshals payload into a ready-to-broadcast event.
// Marshal failures cannot happen for the fixed payload types used here.
func newEvent(typ EventType, jobID string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{
		Type:      typ,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

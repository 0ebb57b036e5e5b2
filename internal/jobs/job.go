// Package jobs owns the lifecycle of multi-step import jobs: creation,
// progress tracking, persistence, crash recovery, and fan-out of progress
// events to subscribers.
package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// StepDef names one unit of work when creating a job.
type StepDef struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Step is one unit of work within a job, corresponding to one remote
// collection being fetched and persisted. Steps are mutated only through
// their owning job's orchestrator.
type Step struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Status    Status `json:"status"`
	Processed int    `json:"processed"`

	// Total is the collection size once known; 0 means unknown.
	Total int `json:"total"`

	Error string `json:"error,omitempty"`
}

// Job is one multi-step import run. Owned exclusively by the Orchestrator;
// the registry holds the canonical copy and all reads receive snapshots.
type Job struct {
	ID     string  `json:"id"`
	Domain string  `json:"domain"`
	Label  string  `json:"label"`
	Status Status  `json:"status"`
	Steps  []*Step `json:"steps"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewJob allocates a job with every step pending and zero counters.
func NewJob(domain, label string, defs []StepDef) *Job {
	now := time.Now().UTC()

	steps := make([]*Step, 0, len(defs))
	for _, def := range defs {
		steps = append(steps, &Step{
			Name:   def.Name,
			Label:  def.Label,
			Status: StatusPending,
		})
	}

	return &Job{
		ID:        uuid.NewString(),
		Domain:    domain,
		Label:     label,
		Status:    StatusPending,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FindStep returns the named step.
func (j *Job) FindStep(name string) (*Step, error) {
	for _, step := range j.Steps {
		if step.Name == name {
			return step, nil
		}
	}
	return nil, fmt.Errorf("job %s has no step %q", j.ID, name)
}

// AllStepsCompleted reports whether every step reached completed.
func (j *Job) AllStepsCompleted() bool {
	for _, step := range j.Steps {
		if step.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Snapshot returns a deep copy safe to hand outside the registry lock.
func (j *Job) Snapshot() *Job {
	cp := *j
	cp.Steps = make([]*Step, len(j.Steps))
	for i, step := range j.Steps {
		stepCopy := *step
		cp.Steps[i] = &stepCopy
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}

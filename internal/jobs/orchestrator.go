package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// RestartMessage is stamped on jobs found still running at startup.
// In-flight steps cannot be resumed mid-page, so recovery fails them closed.
const RestartMessage = "job interrupted by server restart"

// DefaultEvictDelay is how long a terminal job stays in the in-memory
// registry so late subscribers still receive the terminal event.
const DefaultEvictDelay = 30 * time.Second

// ErrUnknownJob is returned for job ids with no active or stored job.
var ErrUnknownJob = errors.New("unknown job")

// ErrJobNotActive is returned when a mutation targets a terminal job.
var ErrJobNotActive = errors.New("job is not active")

// Store persists job snapshots. Implemented by internal/store.
type Store interface {
	// SaveJob upserts the full job snapshot.
	SaveJob(ctx context.Context, job *Job) error

	// GetJob returns the stored job, or (nil, nil) if unknown.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns stored jobs, optionally filtered by status.
	ListJobs(ctx context.Context, statuses ...Status) ([]*Job, error)

	// FailRunning marks every stored running job as errored with the given
	// message and returns how many were affected.
	FailRunning(ctx context.Context, message string) (int, error)
}

// Config holds orchestrator construction parameters.
type Config struct {
	// EvictDelay overrides DefaultEvictDelay (useful in tests).
	EvictDelay time.Duration

	// Logger for lifecycle activity (default: stderr logger).
	Logger *log.Logger
}

// Orchestrator owns every active job: it is the only mutator of job state,
// persists a snapshot after each mutation, and broadcasts the matching event
// afterwards, so durable state is never behind what subscribers have seen.
type Orchestrator struct {
	store       Store
	broadcaster *Broadcaster
	logger      *log.Logger
	evictDelay  time.Duration

	mu     sync.Mutex
	active map[string]*Job
}

// NewOrchestrator creates an orchestrator over the given store.
func NewOrchestrator(store Store, config *Config) *Orchestrator {
	if config == nil {
		config = &Config{}
	}
	if config.EvictDelay <= 0 {
		config.EvictDelay = DefaultEvictDelay
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}

	return &Orchestrator{
		store:       store,
		broadcaster: NewBroadcaster(config.Logger),
		logger:      config.Logger,
		evictDelay:  config.EvictDelay,
		active:      make(map[string]*Job),
	}
}

// RecoverInterrupted fails every job the previous process left running.
// Must be called once at startup, before any new job is created.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	n, err := o.store.FailRunning(ctx, RestartMessage)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if n > 0 {
		o.logger.Printf("Marked %d interrupted job(s) as errored", n)
	}
	return nil
}

// CreateJob allocates a job with pending steps, persists it, and registers it
// in the active registry. The returned job is a snapshot.
func (o *Orchestrator) CreateJob(ctx context.Context, domain, label string, defs []StepDef) (*Job, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("job for domain %q needs at least one step", domain)
	}

	job := NewJob(domain, label, defs)

	if err := o.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	o.mu.Lock()
	o.active[job.ID] = job
	o.mu.Unlock()

	o.logger.Printf("Created job %s (%s, %d steps)", job.ID, domain, len(defs))
	return job.Snapshot(), nil
}

// StartJob transitions a pending job to running.
func (o *Orchestrator) StartJob(ctx context.Context, id string) error {
	return o.mutate(ctx, id, func(job *Job) (*Event, error) {
		if job.Status != StatusPending {
			return nil, fmt.Errorf("job %s is %s, cannot start", id, job.Status)
		}
		job.Status = StatusRunning

		event := newEvent(EventJobStarted, id, job.Snapshot())
		return &event, nil
	})
}

// UpdateStep records progress for one step. The first update moves the step
// from pending to running. Progress percentages are computed here, never
// trusted from callers, and capped at 99 so 100 is reserved for completion.
func (o *Orchestrator) UpdateStep(ctx context.Context, id, stepName string, processed, total int) error {
	return o.mutate(ctx, id, func(job *Job) (*Event, error) {
		step, err := job.FindStep(stepName)
		if err != nil {
			return nil, err
		}
		if step.Status == StatusPending {
			step.Status = StatusRunning
		}

		// Processed never exceeds a known total.
		if total > 0 && processed > total {
			processed = total
		}
		step.Processed = processed
		step.Total = total

		event := newEvent(EventStepProgress, id, ProgressData{
			Step:      stepName,
			Processed: step.Processed,
			Total:     step.Total,
			Percent:   progressPercent(step.Processed, step.Total),
		})
		return &event, nil
	})
}

// CompleteStep marks one step as completed and reports exactly 100 percent.
func (o *Orchestrator) CompleteStep(ctx context.Context, id, stepName string) error {
	return o.mutate(ctx, id, func(job *Job) (*Event, error) {
		step, err := job.FindStep(stepName)
		if err != nil {
			return nil, err
		}
		step.Status = StatusCompleted
		if step.Total == 0 {
			step.Total = step.Processed
		}
		step.Processed = step.Total

		hundred := 100
		event := newEvent(EventStepCompleted, id, ProgressData{
			Step:      stepName,
			Processed: step.Processed,
			Total:     step.Total,
			Percent:   &hundred,
		})
		return &event, nil
	})
}

// FailStep marks one step as errored. The job itself is failed separately
// via FailJob so the caller controls the triggering message.
func (o *Orchestrator) FailStep(ctx context.Context, id, stepName, message string) error {
	return o.mutate(ctx, id, func(job *Job) (*Event, error) {
		step, err := job.FindStep(stepName)
		if err != nil {
			return nil, err
		}
		step.Status = StatusError
		step.Error = message

		event := newEvent(EventStepError, id, StepErrorData{Step: stepName, Error: message})
		return &event, nil
	})
}

// CompleteJob transitions the job to completed. Every step must already be
// completed; a job is never completed with unfinished steps.
func (o *Orchestrator) CompleteJob(ctx context.Context, id string) error {
	err := o.mutate(ctx, id, func(job *Job) (*Event, error) {
		if !job.AllStepsCompleted() {
			return nil, fmt.Errorf("job %s has unfinished steps", id)
		}
		job.Status = StatusCompleted
		now := time.Now().UTC()
		job.CompletedAt = &now

		event := newEvent(EventJobCompleted, id, job.Snapshot())
		return &event, nil
	})
	if err != nil {
		return err
	}
	o.scheduleEviction(id)
	return nil
}

// FailJob transitions the job to error with a human-readable message.
func (o *Orchestrator) FailJob(ctx context.Context, id, message string) error {
	err := o.mutate(ctx, id, func(job *Job) (*Event, error) {
		job.Status = StatusError
		job.Error = message
		now := time.Now().UTC()
		job.CompletedAt = &now

		event := newEvent(EventJobError, id, JobErrorData{Error: message})
		return &event, nil
	})
	if err != nil {
		return err
	}
	o.scheduleEviction(id)
	return nil
}

// CancelJob marks a pending or running job cancelled. Cancellation is
// cooperative: already-issued remote calls finish, but the executor checks
// the status and stops scheduling further work. Cancelling a terminal job
// is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	err := o.mutate(ctx, id, func(job *Job) (*Event, error) {
		job.Status = StatusCancelled
		now := time.Now().UTC()
		job.CompletedAt = &now

		event := newEvent(EventJobCancelled, id, job.Snapshot())
		return &event, nil
	})
	if errors.Is(err, ErrJobNotActive) || errors.Is(err, ErrUnknownJob) {
		return nil
	}
	if err != nil {
		return err
	}
	o.scheduleEviction(id)
	return nil
}

// IsCancelled reports whether the job has been cancelled. Unknown jobs
// count as cancelled so orphaned executors stop.
func (o *Orchestrator) IsCancelled(ctx context.Context, id string) bool {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return true
	}
	return job.Status == StatusCancelled
}

// GetJob returns a snapshot of the job, from the active registry when
// present, falling back to durable history.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*Job, error) {
	o.mu.Lock()
	if job, ok := o.active[id]; ok {
		snap := job.Snapshot()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return nil, ErrUnknownJob
	}
	return job, nil
}

// ListActive returns all jobs with status pending or running.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*Job, error) {
	return o.store.ListJobs(ctx, StatusPending, StatusRunning)
}

// ListRecent returns all stored jobs regardless of status.
func (o *Orchestrator) ListRecent(ctx context.Context) ([]*Job, error) {
	return o.store.ListJobs(ctx)
}

// Subscribe registers a progress subscriber for a job. The current snapshot
// is delivered as the first event; subsequent events are incremental until a
// terminal event, after which the channel is eventually closed.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	// Snapshot and registration happen under the registry lock so no event
	// can slip between them.
	o.mu.Lock()
	job, ok := o.active[id]
	if ok {
		snapshot := newEvent(EventSnapshot, id, job.Snapshot())
		ch, cancel := o.broadcaster.SubscribeWithSnapshot(id, snapshot)
		o.mu.Unlock()
		return ch, cancel, nil
	}
	o.mu.Unlock()

	// Terminal jobs still serve a snapshot so reconnecting observers can
	// render the final state; the stream ends right after.
	stored, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if stored == nil {
		return nil, nil, ErrUnknownJob
	}

	ch := make(chan Event, 1)
	ch <- newEvent(EventSnapshot, id, stored)
	close(ch)
	return ch, func() {}, nil
}

// mutate applies fn to an active job, persists the snapshot, then broadcasts
// the produced event. Persistence happens before the broadcast so a
// subscriber reading durable storage never sees state ahead of the events it
// received.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*Job) (*Event, error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.active[id]
	if !ok {
		stored, err := o.store.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", id, err)
		}
		if stored == nil {
			return ErrUnknownJob
		}
		return fmt.Errorf("%w: job %s is %s", ErrJobNotActive, id, stored.Status)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotActive, id, job.Status)
	}

	event, err := fn(job)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()

	if err := o.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", id, err)
	}

	if event != nil {
		o.broadcaster.Publish(*event)
	}
	return nil
}

// scheduleEviction removes a terminal job from the registry after a grace
// delay, leaving durable history untouched.
func (o *Orchestrator) scheduleEviction(id string) {
	time.AfterFunc(o.evictDelay, func() {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
		o.broadcaster.CloseJob(id)
	})
}

// progressPercent computes floor(processed/total*100) capped at 99.
// Returns nil while the total is unknown.
func progressPercent(processed, total int) *int {
	if total <= 0 {
		return nil
	}
	p := processed * 100 / total
	if p > 99 {
		p = 99
	}
	return &p
}

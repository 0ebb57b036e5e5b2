package jobs

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (m *memStore) SaveJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Snapshot()
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Snapshot(), nil
}

func (m *memStore) ListJobs(_ context.Context, statuses ...Status) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Job
	for _, job := range m.jobs {
		if len(statuses) == 0 {
			result = append(result, job.Snapshot())
			continue
		}
		for _, status := range statuses {
			if job.Status == status {
				result = append(result, job.Snapshot())
				break
			}
		}
	}
	return result, nil
}

func (m *memStore) FailRunning(_ context.Context, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, job := range m.jobs {
		if job.Status == StatusRunning {
			job.Status = StatusError
			job.Error = message
			now := time.Now().UTC()
			job.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memStore) {
	t.Helper()

	store := newMemStore()
	orch := NewOrchestrator(store, &Config{
		EvictDelay: 10 * time.Millisecond,
		Logger:     log.New(os.Stderr, "[test] ", 0),
	})
	return orch, store
}

var testSteps = []StepDef{
	{Name: "categories", Label: "Categories"},
	{Name: "products", Label: "Products"},
	{Name: "prices", Label: "Prices"},
}

func TestCreateJobInitializesSteps(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	created, err := orch.CreateJob(ctx, "products", "Product import", testSteps)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job, err := orch.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}

	if job.Status != StatusPending {
		t.Errorf("new job should be pending, got %s", job.Status)
	}
	if len(job.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(job.Steps))
	}
	for _, step := range job.Steps {
		if step.Status != StatusPending || step.Processed != 0 || step.Total != 0 {
			t.Errorf("step %s should be pending/0/0, got %+v", step.Name, step)
		}
	}
}

func TestUpdateStepComputesPercent(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	if err := orch.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	events, cancel, err := orch.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	<-events // snapshot

	if err := orch.UpdateStep(ctx, job.ID, "categories", 50, 100); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}
	progress := decodeProgress(t, <-events)
	if progress.Percent == nil || *progress.Percent != 50 {
		t.Errorf("expected 50 percent, got %v", progress.Percent)
	}

	// Even at processed == total, progress events cap at 99.
	if err := orch.UpdateStep(ctx, job.ID, "categories", 100, 100); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}
	progress = decodeProgress(t, <-events)
	if progress.Percent == nil || *progress.Percent != 99 {
		t.Errorf("progress percent must cap at 99, got %v", progress.Percent)
	}

	// Only the completion event reports 100.
	if err := orch.CompleteStep(ctx, job.ID, "categories"); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	event := <-events
	if event.Type != EventStepCompleted {
		t.Fatalf("expected step:completed, got %s", event.Type)
	}
	progress = decodeProgress(t, event)
	if progress.Percent == nil || *progress.Percent != 100 {
		t.Errorf("completion percent must be exactly 100, got %v", progress.Percent)
	}
}

func TestUpdateStepUnknownTotal(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)

	events, cancel, _ := orch.Subscribe(ctx, job.ID)
	defer cancel()
	<-events

	if err := orch.UpdateStep(ctx, job.ID, "categories", 10, 0); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}
	progress := decodeProgress(t, <-events)
	if progress.Percent != nil {
		t.Errorf("percent must be nil while total is unknown, got %d", *progress.Percent)
	}
}

func TestProcessedClampedToTotal(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)

	if err := orch.UpdateStep(ctx, job.ID, "categories", 150, 100); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}

	got, _ := orch.GetJob(ctx, job.ID)
	step, _ := got.FindStep("categories")
	if step.Processed != 100 {
		t.Errorf("processed must never exceed a known total, got %d", step.Processed)
	}
}

func TestCompleteJobRequiresAllSteps(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)
	_ = orch.CompleteStep(ctx, job.ID, "categories")

	if err := orch.CompleteJob(ctx, job.ID); err == nil {
		t.Error("CompleteJob must fail while steps are unfinished")
	}

	_ = orch.CompleteStep(ctx, job.ID, "products")
	_ = orch.CompleteStep(ctx, job.ID, "prices")

	if err := orch.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	got, _ := orch.GetJob(ctx, job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("terminal job must carry a completion timestamp")
	}
}

func TestFailStepFailsJobAndSkipsRemaining(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)
	_ = orch.CompleteStep(ctx, job.ID, "categories")

	if err := orch.FailStep(ctx, job.ID, "products", "remote exploded"); err != nil {
		t.Fatalf("FailStep failed: %v", err)
	}
	if err := orch.FailJob(ctx, job.ID, "remote exploded"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	got, _ := orch.GetJob(ctx, job.ID)
	if got.Status != StatusError || got.Error != "remote exploded" {
		t.Errorf("expected errored job with message, got %s %q", got.Status, got.Error)
	}
	step3, _ := got.FindStep("prices")
	if step3.Status != StatusPending {
		t.Errorf("step after the failing one must never start, got %s", step3.Status)
	}

	// Further mutations are rejected.
	if err := orch.UpdateStep(ctx, job.ID, "prices", 1, 1); err == nil {
		t.Error("mutating a terminal job must fail")
	}
}

func TestCancelJobIdempotent(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)

	if err := orch.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if !orch.IsCancelled(ctx, job.ID) {
		t.Error("IsCancelled should report true")
	}
	// Second cancel is a no-op.
	if err := orch.CancelJob(ctx, job.ID); err != nil {
		t.Errorf("cancelling a terminal job must be a no-op, got %v", err)
	}
	// Unknown job is also a no-op.
	if err := orch.CancelJob(ctx, "no-such-job"); err != nil {
		t.Errorf("cancelling an unknown job must be a no-op, got %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)

	// Simulate a restart: fresh orchestrator over the same store.
	restarted := NewOrchestrator(store, &Config{
		EvictDelay: 10 * time.Millisecond,
		Logger:     log.New(os.Stderr, "[test] ", 0),
	})
	if err := restarted.RecoverInterrupted(ctx); err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}

	got, err := restarted.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("interrupted job must load as error, got %s", got.Status)
	}
	if got.Error != RestartMessage {
		t.Errorf("expected restart message, got %q", got.Error)
	}
}

func TestSubscribeReceivesSnapshotFirst(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)
	_ = orch.UpdateStep(ctx, job.ID, "categories", 10, 100)

	events, cancel, err := orch.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	first := <-events
	if first.Type != EventSnapshot {
		t.Fatalf("first event must be the snapshot, got %s", first.Type)
	}

	// Events after registration arrive in mutation order.
	_ = orch.UpdateStep(ctx, job.ID, "categories", 20, 100)
	_ = orch.CompleteStep(ctx, job.ID, "categories")

	if event := <-events; event.Type != EventStepProgress {
		t.Errorf("expected step:progress, got %s", event.Type)
	}
	if event := <-events; event.Type != EventStepCompleted {
		t.Errorf("expected step:completed, got %s", event.Type)
	}
}

func TestSubscribeSnapshotOnlyReachesNewSubscriber(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)

	first, cancelFirst, err := orch.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancelFirst()
	<-first // own snapshot

	// A second observer attaching must not echo its snapshot to the first.
	second, cancelSecond, err := orch.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancelSecond()

	select {
	case event := <-first:
		t.Errorf("existing subscriber received a spurious %s event", event.Type)
	default:
	}

	if event := <-second; event.Type != EventSnapshot {
		t.Fatalf("new subscriber's first event must be the snapshot, got %s", event.Type)
	}

	// Both streams still see subsequent mutations.
	_ = orch.UpdateStep(ctx, job.ID, "categories", 1, 10)
	if event := <-first; event.Type != EventStepProgress {
		t.Errorf("expected step:progress on first stream, got %s", event.Type)
	}
	if event := <-second; event.Type != EventStepProgress {
		t.Errorf("expected step:progress on second stream, got %s", event.Type)
	}
}

func TestSubscribeTerminalJobSnapshotOnly(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)
	_ = orch.FailJob(ctx, job.ID, "boom")

	// Wait past the eviction grace delay.
	time.Sleep(30 * time.Millisecond)

	events, cancel, err := orch.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe on evicted job failed: %v", err)
	}
	defer cancel()

	snapshot, ok := <-events
	if !ok || snapshot.Type != EventSnapshot {
		t.Fatalf("expected a snapshot event, got %v (ok=%v)", snapshot.Type, ok)
	}
	if _, open := <-events; open {
		t.Error("stream for a terminal job must end after the snapshot")
	}
}

func TestTerminalJobEvictedFromRegistryNotHistory(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	job, _ := orch.CreateJob(ctx, "products", "Product import", testSteps)
	_ = orch.StartJob(ctx, job.ID)
	_ = orch.CancelJob(ctx, job.ID)

	time.Sleep(30 * time.Millisecond)

	orch.mu.Lock()
	_, inRegistry := orch.active[job.ID]
	orch.mu.Unlock()
	if inRegistry {
		t.Error("terminal job should be evicted from the registry after the grace delay")
	}

	stored, _ := store.GetJob(ctx, job.ID)
	if stored == nil || stored.Status != StatusCancelled {
		t.Error("terminal job must remain in durable history")
	}
}

func decodeProgress(t *testing.T, event Event) ProgressData {
	t.Helper()

	var progress ProgressData
	if err := json.Unmarshal(event.Data, &progress); err != nil {
		t.Fatalf("failed to decode progress payload: %v", err)
	}
	return progress
}

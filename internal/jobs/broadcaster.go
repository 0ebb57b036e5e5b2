package jobs

import (
	"log"
	"sync"
)

// subscriberBuffer is the per-subscriber event channel capacity. A subscriber
// that falls this far behind is dropped rather than allowed to stall the job.
const subscriberBuffer = 64

// Broadcaster fans job events out to any number of per-job subscribers.
//
// Sending never blocks: a subscriber whose channel is full is removed from
// the set, so one slow or dead consumer cannot affect the others or the job
// itself.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	logger *log.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber for a job id and returns its event
// channel plus a cancel function. Cancel is idempotent and safe to call
// after the broadcaster already dropped or closed the subscriber.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(jobID, ch)
	}

	return ch, cancel
}

// SubscribeWithSnapshot registers a new subscriber whose channel already
// holds the given snapshot event. The snapshot reaches only the new
// subscriber, never the ones already attached.
func (b *Broadcaster) SubscribeWithSnapshot(jobID string, snapshot Event) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	ch <- snapshot

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(jobID, ch)
	}

	return ch, cancel
}

// Publish delivers an event to every live subscriber of the job.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			b.logger.Printf("Dropping slow subscriber of job %s", event.JobID)
			b.remove(event.JobID, ch)
		}
	}
}

// CloseJob closes every remaining subscriber channel for the job.
// Called after the eviction grace period following a terminal event.
func (b *Broadcaster) CloseJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}

// SubscriberCount returns the number of live subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// remove deletes and closes one subscriber. Caller holds the lock.
func (b *Broadcaster) remove(jobID string, ch chan Event) {
	set := b.subs[jobID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}

// Package importer runs import jobs: fixed sequences of steps that page
// entire collections out of the master-data API into the local cache,
// reporting progress through the job orchestrator.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/backsyncd/backsync/internal/jobs"
	"github.com/backsyncd/backsync/internal/remote"
	"github.com/backsyncd/backsync/internal/store"
)

// ErrUnknownDomain is returned when no step plan exists for a domain.
var ErrUnknownDomain = errors.New("unknown import domain")

// errCancelled aborts a step from inside a page handler.
var errCancelled = errors.New("job cancelled")

type stepMode int

const (
	// modePage walks a paginated collection endpoint.
	modePage stepMode = iota

	// modeChildren fetches a sub-resource once per cached parent id.
	modeChildren
)

// stepSpec binds a job step to the endpoint and collection it fills.
type stepSpec struct {
	Name       string
	Label      string
	Mode       stepMode
	Collection string

	// Endpoint is the collection path in page mode, or a format string with
	// one %s verb for the parent id in children mode.
	Endpoint string

	// ParentCollection supplies the ids iterated in children mode.
	ParentCollection string
}

// plans is the fixed routing table from import domain to its ordered steps.
// Order matters: later steps depend on the rows earlier steps cached.
var plans = map[string][]stepSpec{
	"products": {
		{Name: "categories", Label: "Categories", Mode: modePage, Collection: "categories", Endpoint: "/categories"},
		{Name: "units", Label: "Units", Mode: modePage, Collection: "units", Endpoint: "/units"},
		{Name: "products", Label: "Products", Mode: modePage, Collection: "products", Endpoint: "/products"},
		{Name: "product-prices", Label: "Product prices", Mode: modeChildren, Collection: "product_prices",
			Endpoint: "/products/%s/prices", ParentCollection: "products"},
	},
	"customers": {
		{Name: "customers", Label: "Customers", Mode: modePage, Collection: "customers", Endpoint: "/customers"},
		{Name: "customer-addresses", Label: "Customer addresses", Mode: modeChildren, Collection: "customer_addresses",
			Endpoint: "/customers/%s/addresses", ParentCollection: "customers"},
	},
	"financial": {
		{Name: "payment-methods", Label: "Payment methods", Mode: modePage, Collection: "payment_methods", Endpoint: "/payment-methods"},
		{Name: "price-tables", Label: "Price tables", Mode: modePage, Collection: "price_tables", Endpoint: "/price-tables"},
	},
}

// keyField is the id field of every remote document.
const keyField = "id"

// Domains returns the known import domains, sorted.
func Domains() []string {
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Steps returns the step definitions of a domain, for display.
func Steps(domain string) ([]jobs.StepDef, error) {
	plan, ok := plans[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	defs := make([]jobs.StepDef, len(plan))
	for i, step := range plan {
		defs[i] = jobs.StepDef{Name: step.Name, Label: step.Label}
	}
	return defs, nil
}

// Executor starts and drives import jobs. Steps run strictly in order; a step
// failure fails the job and the remaining steps never start.
type Executor struct {
	db           *store.DB
	client       *remote.Client
	orchestrator *jobs.Orchestrator
	logger       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor over the cache, the master-data client and
// the orchestrator.
func NewExecutor(db *store.DB, client *remote.Client, orchestrator *jobs.Orchestrator, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		db:           db,
		client:       client,
		orchestrator: orchestrator,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Stop cancels every running job executor and waits for them to return.
// In-flight remote calls finish; no further pages are scheduled.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Start creates a job for the domain and runs its steps in the background.
// The returned job snapshot already has every step pending.
func (e *Executor) Start(ctx context.Context, domain string) (*jobs.Job, error) {
	plan, ok := plans[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	defs, _ := Steps(domain)
	job, err := e.orchestrator.CreateJob(ctx, domain, fmt.Sprintf("Import %s", domain), defs)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(job.ID, plan)
	}()

	return job, nil
}

// run drives one job to a terminal state. Runs detached from the request
// context; only executor shutdown or job cancellation stops it.
func (e *Executor) run(jobID string, plan []stepSpec) {
	ctx := e.ctx

	if err := e.orchestrator.StartJob(ctx, jobID); err != nil {
		e.logger.Printf("Failed to start job %s: %v", jobID, err)
		return
	}

	for _, step := range plan {
		if e.cancelled(ctx, jobID) {
			e.logger.Printf("Job %s cancelled, skipping remaining steps", jobID)
			return
		}

		if err := e.runStep(ctx, jobID, step); err != nil {
			if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, jobs.ErrJobNotActive) {
				e.logger.Printf("Job %s cancelled during step %s", jobID, step.Name)
				return
			}
			e.logger.Printf("Job %s step %s failed: %v", jobID, step.Name, err)
			_ = e.orchestrator.FailStep(ctx, jobID, step.Name, err.Error())
			_ = e.orchestrator.FailJob(ctx, jobID, fmt.Sprintf("step %s failed: %v", step.Name, err))
			return
		}

		if err := e.orchestrator.CompleteStep(ctx, jobID, step.Name); err != nil {
			e.logger.Printf("Failed to complete step %s of job %s: %v", step.Name, jobID, err)
			return
		}
	}

	if err := e.orchestrator.CompleteJob(ctx, jobID); err != nil {
		e.logger.Printf("Failed to complete job %s: %v", jobID, err)
	}
}

func (e *Executor) runStep(ctx context.Context, jobID string, step stepSpec) error {
	switch step.Mode {
	case modeChildren:
		return e.runChildrenStep(ctx, jobID, step)
	default:
		return e.runPageStep(ctx, jobID, step)
	}
}

// runPageStep walks the collection page by page, persisting each page in one
// transaction before reporting progress, so reported progress is durable.
func (e *Executor) runPageStep(ctx context.Context, jobID string, step stepSpec) error {
	fetched, err := e.client.FetchAll(ctx, step.Endpoint, func(items []remote.Record, offset, total int) error {
		if e.cancelled(ctx, jobID) {
			return errCancelled
		}

		if _, err := e.db.UpsertRecords(ctx, step.Collection, keyField, items); err != nil {
			return err
		}
		return e.orchestrator.UpdateStep(ctx, jobID, step.Name, offset+len(items), total)
	})
	if err != nil {
		return err
	}

	e.logger.Printf("Job %s step %s: %d records", jobID, step.Name, fetched)
	return nil
}

// runChildrenStep fetches the sub-resource once per cached parent. A failed
// parent fetch is logged and counted but does not fail the step; progress is
// measured in parents, not children.
func (e *Executor) runChildrenStep(ctx context.Context, jobID string, step stepSpec) error {
	parents, err := e.db.ListIDs(ctx, step.ParentCollection)
	if err != nil {
		return err
	}

	total := len(parents)
	if err := e.orchestrator.UpdateStep(ctx, jobID, step.Name, 0, total); err != nil {
		return err
	}

	children := 0
	failures := 0
	for i, parentID := range parents {
		if e.cancelled(ctx, jobID) {
			return errCancelled
		}

		items, err := e.client.FetchChildren(ctx, fmt.Sprintf(step.Endpoint, parentID))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			e.logger.Printf("Job %s step %s: parent %s failed: %v", jobID, step.Name, parentID, err)
		} else if len(items) > 0 {
			written, err := e.db.UpsertRecords(ctx, step.Collection, keyField, items)
			if err != nil {
				return err
			}
			children += written
		}

		if err := e.orchestrator.UpdateStep(ctx, jobID, step.Name, i+1, total); err != nil {
			return err
		}
	}

	if failures > 0 && failures == total {
		return fmt.Errorf("all %d parent fetches failed", total)
	}

	e.logger.Printf("Job %s step %s: %d children across %d parents (%d parent failures)",
		jobID, step.Name, children, total, failures)
	return nil
}

func (e *Executor) cancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	return e.orchestrator.IsCancelled(ctx, jobID)
}

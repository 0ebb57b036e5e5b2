package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/backsyncd/backsync/internal/remote"
	"github.com/backsyncd/backsync/internal/store"
)

// ErrUnknownDomain is returned for a domain with no outbound target.
var ErrUnknownDomain = fmt.Errorf("unknown sync domain")

// Target maps a sync domain to its cached collection and the legacy endpoint
// its changes are pushed to.
type Target struct {
	Collection string
	Endpoint   string
}

// targets is the fixed outbound routing table. Child collections are pushed
// through their own domains so a batch stays bounded to one table.
var targets = map[string]Target{
	"products":           {Collection: "products", Endpoint: "/products"},
	"product-prices":     {Collection: "product_prices", Endpoint: "/product-prices"},
	"customers":          {Collection: "customers", Endpoint: "/customers"},
	"customer-addresses": {Collection: "customer_addresses", Endpoint: "/customer-addresses"},
	"payment-methods":    {Collection: "payment_methods", Endpoint: "/payment-methods"},
}

// Domains returns the known sync domains, sorted.
func Domains() []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// controlFields are local bookkeeping keys that must never reach the legacy
// system if a cached document happens to carry them.
var controlFields = []string{"syncStatus", "syncError", "sync_status", "sync_error"}

// Result summarizes one outbound batch.
type Result struct {
	Domain  string
	Created int
	Updated int
	Deleted int
	Errors  int
	Total   int
}

// Syncer pushes pending rows of a domain to the legacy system.
type Syncer struct {
	db     *store.DB
	client *remote.Client
	logger *log.Logger
}

// New creates a Syncer over the cache and the legacy API client.
func New(db *store.DB, client *remote.Client, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{db: db, client: client, logger: logger}
}

// Sync pushes every pending row of the domain, one record at a time. A failed
// row is tagged with its error and the batch moves on; only infrastructure
// errors (cache unavailable, context cancelled) abort the batch. The batch
// result is appended to history regardless of outcome.
func (s *Syncer) Sync(ctx context.Context, domain string) (*Result, error) {
	target, ok := targets[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	rows, err := s.db.ListPending(ctx, target.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending rows for %s: %w", domain, err)
	}

	start := time.Now()
	result := &Result{Domain: domain, Total: len(rows)}

	var runErr error
	for _, row := range rows {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		if runErr = s.syncRow(ctx, target, row, result); runErr != nil {
			break
		}
	}

	result.logSummary(s.logger)

	// Even an aborted batch leaves a history row with the partial counters,
	// so append past the cancelled context.
	if err := s.appendHistory(context.WithoutCancel(ctx), result, time.Since(start)); err != nil {
		s.logger.Printf("Failed to record sync history for %s: %v", domain, err)
	}

	return result, runErr
}

// Reprocess re-stages a single errored row as a pending update and pushes it
// immediately.
func (s *Syncer) Reprocess(ctx context.Context, domain, id string) error {
	target, ok := targets[domain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	row, err := s.db.GetRecord(ctx, target.Collection, id)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("record %s/%s not found", target.Collection, id)
	}
	if Status(row.SyncStatus) != StatusError {
		return fmt.Errorf("record %s/%s is not in error state (status %s)", target.Collection, id, row.SyncStatus)
	}

	if err := s.db.SetSyncStatus(ctx, target.Collection, id, string(StatusUpdate), ""); err != nil {
		return err
	}
	row.SyncStatus = string(StatusUpdate)

	var result Result
	if err := s.syncRow(ctx, target, row, &result); err != nil {
		return err
	}
	if result.Errors > 0 {
		row, _ = s.db.GetRecord(ctx, target.Collection, id)
		if row != nil && row.SyncError != "" {
			return fmt.Errorf("reprocess failed: %s", row.SyncError)
		}
		return fmt.Errorf("reprocess failed for %s/%s", target.Collection, id)
	}
	return nil
}

// syncRow pushes one row. A remote failure is absorbed into the row's status;
// only cache errors propagate.
func (s *Syncer) syncRow(ctx context.Context, target Target, row *store.Row, result *Result) error {
	status, err := ParseStatus(row.SyncStatus)
	if err != nil || !status.Pending() {
		return nil
	}

	payload := outboundPayload(row.Data)

	var callErr error
	switch status {
	case StatusCreate:
		callErr = s.client.Create(ctx, target.Endpoint, payload)
	case StatusUpdate:
		callErr = s.client.Update(ctx, target.Endpoint, row.ID, payload)
	case StatusDelete:
		callErr = s.client.Delete(ctx, target.Endpoint, row.ID)
	}
	// A call that failed because the batch was cancelled aborts instead of
	// tagging the row errored. The outcome of a call that already reached
	// the legacy system is always recorded, cancelled context or not.
	if callErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	wctx := context.WithoutCancel(ctx)

	if next := Apply(status, callErr); next == StatusError {
		result.Errors++
		s.logger.Printf("Failed to sync %s/%s (%s): %v", target.Collection, row.ID, status, callErr)
		return s.db.SetSyncStatus(wctx, target.Collection, row.ID, string(StatusError), callErr.Error())
	}

	switch status {
	case StatusCreate:
		result.Created++
	case StatusUpdate:
		result.Updated++
	case StatusDelete:
		result.Deleted++
		// A confirmed remote delete leaves nothing to cache.
		return s.db.DeleteRecord(wctx, target.Collection, row.ID)
	}
	return s.db.SetSyncStatus(wctx, target.Collection, row.ID, string(StatusSynced), "")
}

// outboundPayload copies the document without local control fields.
func outboundPayload(data map[string]any) map[string]any {
	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[k] = v
	}
	for _, field := range controlFields {
		delete(payload, field)
	}
	return payload
}

func (s *Syncer) appendHistory(ctx context.Context, r *Result, elapsed time.Duration) error {
	return s.db.AppendSyncHistory(ctx, &store.SyncHistory{
		Domain:   r.Domain,
		Created:  r.Created,
		Updated:  r.Updated,
		Deleted:  r.Deleted,
		Errors:   r.Errors,
		Total:    r.Total,
		Duration: elapsed,
	})
}

func (r *Result) logSummary(logger *log.Logger) {
	logger.Printf("Sync %s: %d pending, %d created, %d updated, %d deleted, %d errors",
		r.Domain, r.Total, r.Created, r.Updated, r.Deleted, r.Errors)
}

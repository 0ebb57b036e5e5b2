// Package syncer pushes locally staged changes to the legacy system, one
// record at a time, driving each row's lifecycle through its status tag.
package syncer

import "fmt"

// Status is the per-row synchronization lifecycle tag persisted in the
// sync_status column.
type Status string

const (
	// StatusCreate marks a row that must be created remotely.
	StatusCreate Status = "C"

	// StatusUpdate marks a row that must be updated remotely.
	StatusUpdate Status = "U"

	// StatusDelete marks a row that must be deleted remotely.
	StatusDelete Status = "D"

	// StatusSynced marks a row with nothing left to leave this node.
	StatusSynced Status = "S"

	// StatusError marks a row whose last remote call failed; the error text
	// is stored alongside. Error rows are eligible for manual reprocessing.
	StatusError Status = "E"
)

// ParseStatus validates a stored tag.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreate, StatusUpdate, StatusDelete, StatusSynced, StatusError:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid sync status %q", s)
}

// Pending reports whether the tag means the row still needs a remote call.
func (s Status) Pending() bool {
	return s == StatusCreate || s == StatusUpdate || s == StatusDelete
}

// Apply computes the next tag after a remote call outcome. Pending tags move
// to Synced on success and Error on failure; terminal tags are unchanged by
// outcomes (only Reprocess re-enters the pipeline, as Update).
func Apply(s Status, callErr error) Status {
	if !s.Pending() {
		return s
	}
	if callErr != nil {
		return StatusError
	}
	return StatusSynced
}

package syncengine

import (
	"fmt"
	"time"
)

// Error contexts reported in SyncResult.Errors.
const (
	ContextAuth      = "auth"
	ContextDeletions = "deletions"
	ContextLists     = "lists"
	ContextItems     = "items"
)

// ProcessedCount tallies the mutations a run performed per phase.
type ProcessedCount struct {
	Lists     int
	Items     int
	Deletions int
}

// SyncError describes a phase that could not complete.
type SyncError struct {
	Context string
	Message string
	Err     error
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Context, e.Message)
}

func (e SyncError) Unwrap() error {
	return e.Err
}

// SyncResult is produced fresh by every run and never persisted.
type SyncResult struct {
	Success   bool
	Timestamp time.Time
	Processed ProcessedCount
	Errors    []SyncError
}

// phaseResult is what each phase hands back to the orchestrator: a count, or
// the error that stopped it early alongside whatever it managed to count.
type phaseResult struct {
	count int
	err   error
}

func newSyncError(context string, err error) SyncError {
	return SyncError{Context: context, Message: err.Error(), Err: err}
}

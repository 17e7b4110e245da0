package rows

import "time"

// acceptUpdate applies last-write-wins on updated_at. An incoming row older
// than the stored one is rejected; equal timestamps are accepted so a client
// re-pushing unchanged state converges.
func acceptUpdate(stored, incoming time.Time) bool {
	switch {
	case incoming.After(stored):
		return true
	case incoming.Before(stored):
		return false
	default:
		return true
	}
}

// listModifiedAt mirrors remote.ListRecord.ModifiedAt for the stale check.
func listModifiedAt(updatedAt *time.Time, createdAt time.Time) time.Time {
	if updatedAt != nil {
		return *updatedAt
	}
	return createdAt
}

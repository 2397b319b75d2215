package persistence

import (
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// Store is implemented by every backend: it is both the idempotency store
// and the dead letter queue.
type Store interface {
	api.IdempotencyStore
	api.DeadLetterQueue
}

// ArchiveStore is a Store that can also archive terminal instances.
type ArchiveStore interface {
	Store
	api.InstanceArchive
}

const (
	stateInFlight  = "in_flight"
	stateCompleted = "completed"
)

// claimRetries bounds how often TryClaim re-reads a key that changed state
// between its conditional write and the follow-up read.
const claimRetries = 5

func validateLease(lease time.Duration) error {
	if lease <= 0 {
		return errLeaseTTL
	}
	return nil
}

func applyLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// unixNano returns 0 for the zero time so it round-trips through fromUnixNano.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

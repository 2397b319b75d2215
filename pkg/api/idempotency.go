package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(IdempotencyRecord{})
}

// Outcome is the terminal result stored in an idempotency record.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// Status maps the outcome onto the instance status adopted by duplicates.
func (o Outcome) Status() Status {
	if o == OutcomeSucceeded {
		return StatusSucceeded
	}
	return StatusFailed
}

// IdempotencyRecord is the completed result for an idempotency key. At most
// one record is ever written per key.
type IdempotencyRecord struct {
	Key     string
	Outcome Outcome

	// Result is the final step output for successful runs. It must be
	// gob-encodable when a durable store is used.
	Result any

	// Error is the terminal failure message for failed runs.
	Error string

	InstanceID   string
	WorkflowName string
	CompletedAt  time.Time
}

// ClaimStatus is the outcome of IdempotencyStore.TryClaim.
type ClaimStatus int

const (
	// ClaimAcquired means the caller now owns the in-flight marker.
	ClaimAcquired ClaimStatus = iota + 1
	// ClaimAlreadyCompleted means a record exists; Claim.Record holds it.
	ClaimAlreadyCompleted
	// ClaimInFlight means another owner holds an unexpired marker.
	ClaimInFlight
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimAcquired:
		return "claimed"
	case ClaimAlreadyCompleted:
		return "already_completed"
	case ClaimInFlight:
		return "in_flight"
	}
	return "unknown"
}

// Claim is returned by TryClaim.
type Claim struct {
	Status ClaimStatus

	// Record is set when Status is ClaimAlreadyCompleted.
	Record *IdempotencyRecord

	// Owner and LeaseExpiresAt describe the current holder of the in-flight
	// marker when Status is ClaimAcquired or ClaimInFlight.
	Owner          string
	LeaseExpiresAt time.Time
}

// IdempotencyStore maps idempotency keys to completed-result records and
// arbitrates concurrent claims on a key.
type IdempotencyStore interface {
	// TryClaim atomically writes an in-flight marker for key owned by owner.
	// Across concurrent callers at most one observes ClaimAcquired. A marker
	// whose lease expired is treated as absent. Claiming a key already held
	// by the same owner is re-entrant.
	TryClaim(ctx context.Context, key, owner string, lease time.Duration) (Claim, error)

	// RenewClaim extends owner's lease. Returns ErrClaimLost when owner no
	// longer holds the marker.
	RenewClaim(ctx context.Context, key, owner string, lease time.Duration) error

	// ReleaseClaim drops owner's in-flight marker without writing a record.
	// It is a no-op when owner does not hold the marker.
	ReleaseClaim(ctx context.Context, key, owner string) error

	// Complete replaces owner's in-flight marker with rec. Returns
	// ErrClaimLost when owner no longer holds the marker.
	Complete(ctx context.Context, key, owner string, rec IdempotencyRecord) error

	// Get returns the completed record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
}

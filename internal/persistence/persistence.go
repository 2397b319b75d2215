// Package persistence provides the idempotency store, dead letter queue and
// instance archive backends: in-memory, SQLite, PostgreSQL, Redis and
// MongoDB.
package persistence

import (
	"errors"

	"github.com/petrijr/conduit/pkg/api"
)

var errLeaseTTL = errors.New("lease ttl must be > 0")

// Persistence bundles the stores the engine depends on so a backend can be
// handed around as a single value.
type Persistence struct {
	Idempotency api.IdempotencyStore
	DeadLetters api.DeadLetterQueue

	// Archive is nil when the backend cannot archive instances.
	Archive api.InstanceArchive

	closer func() error
}

// FromStore wraps s. closer, if non-nil, is called by Close.
func FromStore(s Store, closer func() error) Persistence {
	p := Persistence{Idempotency: s, DeadLetters: s, closer: closer}
	if a, ok := s.(api.InstanceArchive); ok {
		p.Archive = a
	}
	return p
}

// Close releases the backend's connections.
func (p Persistence) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

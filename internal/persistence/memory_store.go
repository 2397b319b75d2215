package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

type memoryKey struct {
	state          string
	owner          string
	leaseExpiresAt time.Time
	record         api.IdempotencyRecord
}

// InMemoryStore is a simple, goroutine-safe implementation of Store and
// api.InstanceArchive backed by maps. Nothing survives a restart.
type InMemoryStore struct {
	mu sync.RWMutex

	keys map[string]*memoryKey

	deadLetters map[string]api.DeadLetterEntry
	dlqOrder    []string

	instances map[string]*api.WorkflowInstance
	instOrder []string

	now func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys:        make(map[string]*memoryKey),
		deadLetters: make(map[string]api.DeadLetterEntry),
		instances:   make(map[string]*api.WorkflowInstance),
		now:         time.Now,
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ ArchiveStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) TryClaim(ctx context.Context, key, owner string, lease time.Duration) (api.Claim, error) {
	if err := validateLease(lease); err != nil {
		return api.Claim{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k, ok := s.keys[key]
	switch {
	case ok && k.state == stateCompleted:
		rec := k.record
		return api.Claim{Status: api.ClaimAlreadyCompleted, Record: &rec}, nil
	case ok && k.owner != owner && k.leaseExpiresAt.After(now):
		return api.Claim{Status: api.ClaimInFlight, Owner: k.owner, LeaseExpiresAt: k.leaseExpiresAt}, nil
	}

	expires := now.Add(lease)
	s.keys[key] = &memoryKey{state: stateInFlight, owner: owner, leaseExpiresAt: expires}
	return api.Claim{Status: api.ClaimAcquired, Owner: owner, LeaseExpiresAt: expires}, nil
}

func (s *InMemoryStore) RenewClaim(ctx context.Context, key, owner string, lease time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok || k.state != stateInFlight || k.owner != owner {
		return api.ErrClaimLost
	}
	k.leaseExpiresAt = s.now().Add(lease)
	return nil
}

func (s *InMemoryStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[key]; ok && k.state == stateInFlight && k.owner == owner {
		delete(s.keys, key)
	}
	return nil
}

func (s *InMemoryStore) Complete(ctx context.Context, key, owner string, rec api.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok || k.state != stateInFlight || k.owner != owner {
		return api.ErrClaimLost
	}
	rec.Key = key
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.now().UTC()
	}
	s.keys[key] = &memoryKey{state: stateCompleted, record: rec}
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (api.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[key]
	if !ok || k.state != stateCompleted {
		return api.IdempotencyRecord{}, api.ErrRecordNotFound
	}
	return k.record, nil
}

func (s *InMemoryStore) Enqueue(ctx context.Context, entry api.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deadLetters[entry.InstanceID]; ok {
		return nil
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = s.now().UTC()
	}
	s.deadLetters[entry.InstanceID] = entry
	s.dlqOrder = append(s.dlqOrder, entry.InstanceID)
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, filter api.DeadLetterFilter) ([]api.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.DeadLetterEntry
	for _, id := range s.dlqOrder {
		e := s.deadLetters[id]
		if !filter.Matches(e) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *InMemoryStore) GetEntry(ctx context.Context, instanceID string) (api.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.deadLetters[instanceID]
	if !ok {
		return api.DeadLetterEntry{}, api.ErrEntryNotFound
	}
	return e, nil
}

func (s *InMemoryStore) Ack(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deadLetters[instanceID]; !ok {
		return api.ErrEntryNotFound
	}
	delete(s.deadLetters, instanceID)
	s.dlqOrder = slices.DeleteFunc(s.dlqOrder, func(id string) bool { return id == instanceID })
	return nil
}

func (s *InMemoryStore) Depth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

func (s *InMemoryStore) Archive(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	if _, ok := s.instances[inst.ID]; !ok {
		s.instOrder = append(s.instOrder, inst.ID)
	}
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, id := range s.instOrder {
		inst := s.instances[id]
		if filter.WorkflowName != "" && inst.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}
	return applyLimit(result, filter.Limit), nil
}

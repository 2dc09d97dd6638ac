package usage

import (
	"context"
	"sync"
	"time"

	"storegate/internal/types"
)

type rowKey struct {
	subscriptionID string
	feature        string
}

type opKey struct {
	storeID string
	key     string
}

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[rowKey]*types.SubscriptionUsage
	ops  map[opKey]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[rowKey]*types.SubscriptionUsage),
		ops:  make(map[opKey]time.Time),
	}
}

func copyRow(u *types.SubscriptionUsage) *types.SubscriptionUsage {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func (s *MemoryStore) Get(_ context.Context, subscriptionID, feature string) (*types.SubscriptionUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRow(s.rows[rowKey{subscriptionID, feature}]), nil
}

func (s *MemoryStore) Increment(_ context.Context, op IncrementOp) (*types.SubscriptionUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := opKey{op.Seed.StoreID, op.IdempotencyKey}
	if _, seen := s.ops[ok]; seen {
		return nil, DuplicateOperation(op.IdempotencyKey)
	}

	k := rowKey{op.Seed.SubscriptionID, op.Seed.Feature}
	next, err := Apply(s.rows[k], op)
	if err != nil {
		return nil, err
	}
	s.rows[k] = next
	s.ops[ok] = op.Now
	return copyRow(next), nil
}

func (s *MemoryStore) Rollover(_ context.Context, seed types.SubscriptionUsage, now time.Time) (*types.SubscriptionUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey{seed.SubscriptionID, seed.Feature}
	row := s.rows[k]
	if row == nil {
		return nil, nil
	}
	next, moved := Rolled(row, seed, now)
	if moved {
		s.rows[k] = next
	}
	return copyRow(next), nil
}

func (s *MemoryStore) MarkSoftCap(_ context.Context, subscriptionID, feature string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.rows[rowKey{subscriptionID, feature}]
	if row == nil || row.SoftCapTriggered || row.WindowStale(at) {
		return false, nil
	}
	row.SoftCapTriggered = true
	row.SoftCapTriggeredAt = &at
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, seed types.SubscriptionUsage, value int64, now time.Time) (*types.SubscriptionUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey{seed.SubscriptionID, seed.Feature}
	next := copyRow(&seed)
	if row := s.rows[k]; row != nil {
		next, _ = Rolled(row, seed, now)
	}
	next.CurrentUsage = value
	s.rows[k] = next
	return copyRow(next), nil
}

// PruneOperations forgets idempotency keys recorded before cutoff.
func (s *MemoryStore) PruneOperations(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, at := range s.ops {
		if at.Before(cutoff) {
			delete(s.ops, k)
			n++
		}
	}
	return n, nil
}

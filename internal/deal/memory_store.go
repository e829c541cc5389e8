package deal

import (
	"context"
	"sort"
	"sync"

	"github.com/collabpay/collabpay/internal/pagination"
)

// MemoryStore is an in-memory deal store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	deals   map[string]*Deal
	byOffer map[string]string // offerID -> dealID
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:   make(map[string]*Deal),
		byOffer: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOffer[d.OfferID]; ok {
		return ErrDealExists
	}
	m.deals[d.ID] = d.Clone()
	m.byOffer[d.OfferID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetByOffer(ctx context.Context, offerID string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOffer[offerID]
	if !ok {
		return nil, ErrDealNotFound
	}
	return m.deals[id].Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Deal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := d.Clone()
	cp.Version = expectedVersion + 1
	m.deals[d.ID] = cp
	d.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Deal
	for _, d := range m.deals {
		if !d.Participant(userID) {
			continue
		}
		if cursor != nil && !cursor.After(d.CreatedAt, d.ID) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListWithEscrowedMilestones(ctx context.Context, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Deal
	for _, d := range m.deals {
		for i := range d.Milestones {
			st := d.Milestones[i].Status
			if st == MilestoneEscrowed || st == MilestoneEligible {
				out = append(out, d.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

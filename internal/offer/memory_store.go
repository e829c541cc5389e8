package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/collabpay/collabpay/internal/pagination"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*Offer),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.offers[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Offer, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := o.Clone()
	cp.Version = expectedVersion + 1
	m.offers[o.ID] = cp
	o.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.MarketerID != userID && o.CreatorID != userID {
			continue
		}
		if cursor != nil && !cursor.After(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if !o.IsTerminal() && o.ExpiresAt != nil && o.ExpiresAt.Before(before) {
			result = append(result, o.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryTransactionStore is an in-memory append-only ledger for
// development and tests.
type MemoryTransactionStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
	seq []string // append order
}

// NewMemoryTransactionStore creates a new in-memory transaction store.
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryTransactionStore) Append(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.txs[tx.ID] = &cp
	m.seq = append(m.seq, tx.ID)
	return nil
}

func (m *MemoryTransactionStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryTransactionStore) ListByDeal(ctx context.Context, dealID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, id := range m.seq {
		if tx := m.txs[id]; tx.DealID == dealID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTransactionStore) ListByMilestone(ctx context.Context, milestoneID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, id := range m.seq {
		if tx := m.txs[id]; tx.MilestoneID == milestoneID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

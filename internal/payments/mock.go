package payments

import (
	"context"
	"sync"
	"time"

	"github.com/collabpay/collabpay/internal/idgen"
)

// MockGateway is an in-memory gateway for development mode and tests.
// Operations succeed unless a failure is injected.
type MockGateway struct {
	mu        sync.Mutex
	charges   []ChargeRequest
	transfers []TransferRequest
	refunds   []RefundRequest

	ChargeErr   error
	TransferErr error
	RefundErr   error
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ChargeErr != nil {
		return nil, m.ChargeErr
	}
	m.charges = append(m.charges, req)
	return &Result{ProviderRef: idgen.WithPrefix("pi_mock_"), ProcessedAt: time.Now()}, nil
}

func (m *MockGateway) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TransferErr != nil {
		return nil, m.TransferErr
	}
	m.transfers = append(m.transfers, req)
	return &Result{ProviderRef: idgen.WithPrefix("tr_mock_"), ProcessedAt: time.Now()}, nil
}

func (m *MockGateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefundErr != nil {
		return nil, m.RefundErr
	}
	m.refunds = append(m.refunds, req)
	return &Result{ProviderRef: idgen.WithPrefix("re_mock_"), ProcessedAt: time.Now()}, nil
}

// Charges returns a copy of recorded charges.
func (m *MockGateway) Charges() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChargeRequest, len(m.charges))
	copy(out, m.charges)
	return out
}

// Transfers returns a copy of recorded transfers.
func (m *MockGateway) Transfers() []TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransferRequest, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Refunds returns a copy of recorded refunds.
func (m *MockGateway) Refunds() []RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RefundRequest, len(m.refunds))
	copy(out, m.refunds)
	return out
}

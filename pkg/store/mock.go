package store

import (
	"sync"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

// interface guard ensures Mock implements pay.Store
var _ pay.Store = &Mock{}

type Mock struct {
	mu          sync.Mutex
	payments    map[pay.PaymentID]pay.PaymentRequest
	transitions map[pay.PaymentID][]pay.JournalEntry
}

// NewMock returns a pay.Store that keeps the journal in memory
func NewMock() *Mock {
	return &Mock{
		payments:    make(map[pay.PaymentID]pay.PaymentRequest, 10),
		transitions: make(map[pay.PaymentID][]pay.JournalEntry, 10),
	}
}

func (m *Mock) SavePayment(p pay.PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *Mock) GetPayment(id pay.PaymentID) (pay.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return pay.PaymentRequest{}, pay.NewErr(pay.NotFound, "payment not found: %v", id)
	}
	return p, nil
}

func (m *Mock) RecordTransition(t pay.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := t.Payment.ID
	m.transitions[id] = append(m.transitions[id], pay.JournalEntry{
		PaymentID:     id,
		Seq:           len(m.transitions[id]) + 1,
		From:          t.From,
		To:            t.To,
		Confirmations: t.Confirmations,
		TxHash:        t.Payment.TxHash,
		Source:        t.Source,
		RecordedAt:    time.Now().UTC(),
	})
	return nil
}

func (m *Mock) ListTransitions(id pay.PaymentID) ([]pay.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pay.JournalEntry(nil), m.transitions[id]...), nil
}

func (m *Mock) Close() {}

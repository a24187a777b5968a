package store

import (
	"testing"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journals(t *testing.T) map[string]pay.Store {
	sq, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(sq.Close)
	return map[string]pay.Store{
		"sqlite": sq,
		"mock":   NewMock(),
	}
}

func testPayment() pay.PaymentRequest {
	return pay.PaymentRequest{
		ID:                    "pay_1",
		AmountFiat:            decimal.NewFromInt(25),
		AmountCrypto:          decimal.RequireFromString("0.000416"),
		Currency:              "BTC",
		Network:               "bitcoin",
		Address:               "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
		Status:                pay.StatusPending,
		RequiredConfirmations: 2,
	}
}

func TestSavePayment(t *testing.T) {
	for name, s := range journals(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetPayment("pay_1")
			if !pay.IsNotFoundError(err) {
				t.Fatalf("expected not-found for an unsaved payment, got %v", err)
			}

			p := testPayment()
			require.NoError(t, s.SavePayment(p))
			p.Status = pay.StatusConfirming
			p.Confirmations = 1
			p.TxHash = "abc123"
			require.NoError(t, s.SavePayment(p), "second save upserts")

			got, err := s.GetPayment("pay_1")
			require.NoError(t, err)
			assert.Equal(t, pay.StatusConfirming, got.Status)
			assert.Equal(t, 1, got.Confirmations)
			assert.Equal(t, "abc123", got.TxHash)
			assert.True(t, got.AmountCrypto.Equal(p.AmountCrypto))
		})
	}
}

func TestTransitionJournal(t *testing.T) {
	for name, s := range journals(t) {
		t.Run(name, func(t *testing.T) {
			p := testPayment()
			p.Status = pay.StatusConfirming
			p.Confirmations = 1
			p.TxHash = "abc123"
			require.NoError(t, s.RecordTransition(pay.Transition{
				Payment: p, From: pay.StatusPending, To: pay.StatusConfirming,
				Confirmations: 1, StatusChanged: true, Source: pay.SourceStream,
			}))
			p.Status = pay.StatusConfirmed
			p.Confirmations = 2
			require.NoError(t, s.RecordTransition(pay.Transition{
				Payment: p, From: pay.StatusConfirming, To: pay.StatusConfirmed,
				Confirmations: 2, StatusChanged: true, Source: pay.SourcePoll,
			}))
			other := testPayment()
			other.ID = "pay_2"
			require.NoError(t, s.RecordTransition(pay.Transition{
				Payment: other, From: pay.StatusPending, To: pay.StatusExpired, Source: pay.SourceClock,
			}))

			entries, err := s.ListTransitions("pay_1")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, 1, entries[0].Seq)
			assert.Equal(t, 2, entries[1].Seq)
			assert.Equal(t, pay.StatusPending, entries[0].From)
			assert.Equal(t, pay.StatusConfirmed, entries[1].To)
			assert.Equal(t, pay.SourcePoll, entries[1].Source)
			assert.Equal(t, "abc123", entries[1].TxHash)
			assert.False(t, entries[1].RecordedAt.IsZero())

			entries, err = s.ListTransitions("pay_3")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestRebind(t *testing.T) {
	s := sqlStore{numbered: true}
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d = $2", s.q("SELECT a FROM b WHERE c = ? AND d = ?"))
	s.numbered = false
	assert.Equal(t, "x = ?", s.q("x = ?"))
}

func TestOpen(t *testing.T) {
	conf := pay.TestConfig()
	conf.Store.DBFile = ""
	s, err := Open(conf)
	require.NoError(t, err)
	assert.Nil(t, s)

	conf.Store.DBFile = "mock"
	s, err = Open(conf)
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, s)

	conf.Store.DBFile = ":memory:"
	s, err = Open(conf)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, SQLite{}, s)
}

package pay_test

import (
	"context"
	"testing"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func donation(currency, network string) pay.CreatePaymentRequest {
	return pay.CreatePaymentRequest{AmountFiat: decimal.NewFromInt(10), Currency: currency, Network: network, Purpose: "donation"}
}

func TestCheckoutLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	c := r.api.NewCheckout()

	if _, err := c.ForceCheck(ctx); !pay.IsNotFoundError(err) {
		t.Fatalf("ForceCheck with no payment: %v", err)
	}
	if _, err := c.Verify(ctx, "abc"); !pay.IsNotFoundError(err) {
		t.Fatalf("Verify with no payment: %v", err)
	}

	got := make(chan pay.Transition, 16)
	res, err := c.Begin(ctx, donation("BTC", "bitcoin"), func(tr pay.Transition) { got <- tr })
	require.NoError(t, err)
	first := res.PaymentRequest.ID
	assert.Equal(t, first, c.ID())
	require.Eventually(t, func() bool { return r.srv.Streams(first) == 1 }, 5*time.Second, time.Millisecond)

	r.srv.Advance(first, pay.StatusConfirming, 1, "abc")
	assert.Equal(t, pay.StatusConfirming, next(t, got).To)

	// a second Begin tears the first payment down before creating another
	res, err = c.Begin(ctx, donation("DOGE", "dogecoin"), func(tr pay.Transition) { got <- tr })
	require.NoError(t, err)
	second := res.PaymentRequest.ID
	assert.NotEqual(t, first, second)
	assert.Equal(t, 0, r.streams.Subscribers(first))
	_, ok := r.api.Payment(first)
	assert.False(t, ok)

	snap, ok := c.Payment()
	require.True(t, ok)
	assert.Equal(t, second, snap.ID)

	c.Reset()
	assert.Equal(t, pay.PaymentID(""), c.ID())
	assert.Equal(t, 0, r.streams.Subscribers(second))
	c.Reset()
}

func TestCheckoutValidationFailureKeepsNothing(t *testing.T) {
	r := newRig(t)
	c := r.api.NewCheckout()
	_, err := c.Begin(context.Background(), donation("SOL", "ethereum"), func(pay.Transition) {})
	if !pay.IsError(err, pay.InvalidCurrencyNetwork) {
		t.Fatalf("expected invalid-currency-network, got %v", err)
	}
	assert.Equal(t, pay.PaymentID(""), c.ID())
	assert.Equal(t, int32(0), r.srv.Creates.Load())
}

func TestCheckoutResetFromCallback(t *testing.T) {
	r := newRig(t)
	c := r.api.NewCheckout()
	done := make(chan pay.Transition, 1)
	res, err := c.Begin(context.Background(), donation("ETH", "ethereum"), func(tr pay.Transition) {
		if tr.To.IsSuccess() {
			c.Reset()
			done <- tr
		}
	})
	require.NoError(t, err)
	id := res.PaymentRequest.ID
	require.Eventually(t, func() bool { return r.srv.Streams(id) == 1 }, 5*time.Second, time.Millisecond)

	r.srv.Advance(id, pay.StatusConfirmed, 12, "0xabc")
	select {
	case tr := <-done:
		assert.Equal(t, pay.StatusConfirmed, tr.To)
	case <-time.After(5 * time.Second):
		t.Fatalf("no confirmation")
	}
	assert.Equal(t, pay.PaymentID(""), c.ID())
	require.Eventually(t, func() bool { return r.srv.Streams(id) == 0 }, 5*time.Second, time.Millisecond)
}

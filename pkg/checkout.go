package pay

import (
	"context"
	"sync"
)

// Checkout is a caller-side handle for one payment attempt at a time, the
// way a payment screen holds "the current payment". Begin on a handle
// that already has a payment resets it first, so the previous payment is
// fully torn down before a new one is created.
type Checkout struct {
	api *API

	begin sync.Mutex // serialises Begin

	mu   sync.Mutex
	id   PaymentID
	stop func()
}

func (a *API) NewCheckout() *Checkout {
	return &Checkout{api: a}
}

// Begin creates a payment and observes it, sending every reconciled
// transition to onChange until Reset.
func (c *Checkout) Begin(ctx context.Context, req CreatePaymentRequest, onChange func(Transition)) (CreatePaymentResponse, error) {
	c.begin.Lock()
	defer c.begin.Unlock()

	c.Reset()

	res, err := c.api.CreatePayment(ctx, req)
	if err != nil {
		return res, err
	}
	id := res.PaymentRequest.ID
	stop, err := c.api.Observe(ctx, id, onChange)
	if err != nil {
		c.api.Reset(id)
		return CreatePaymentResponse{}, err
	}

	c.mu.Lock()
	c.id, c.stop = id, stop
	c.mu.Unlock()
	return res, nil
}

// ID of the current payment, empty after Reset.
func (c *Checkout) ID() PaymentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Checkout) Payment() (PaymentRequest, bool) {
	id := c.ID()
	if id == "" {
		return PaymentRequest{}, false
	}
	return c.api.Payment(id)
}

func (c *Checkout) ForceCheck(ctx context.Context) (PaymentRequest, error) {
	id := c.ID()
	if id == "" {
		return PaymentRequest{}, NewErr(NotFound, "no payment in progress")
	}
	return c.api.ForceCheck(ctx, id)
}

func (c *Checkout) Verify(ctx context.Context, txHash string) (PaymentRequest, error) {
	id := c.ID()
	if id == "" {
		return PaymentRequest{}, NewErr(NotFound, "no payment in progress")
	}
	return c.api.VerifyManually(ctx, id, txHash)
}

// Reset detaches from the current payment and tears down its stream and
// poller. It is safe to call from inside onChange.
func (c *Checkout) Reset() {
	c.mu.Lock()
	id, stop := c.id, c.stop
	c.id, c.stop = "", nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	c.api.Reset(id)
}

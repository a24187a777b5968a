package pay

import "context"

// Backend is the payment request store: the system of record for a
// payment's amount, address, status and confirmation count.
// It also serves display-only exchange rates.
type Backend interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResponse, error)
	// GetPayment may return a cached snapshot.
	GetPayment(ctx context.Context, id PaymentID) (PaymentRequest, error)
	// CheckStatus forces an on-chain verification before answering.
	CheckStatus(ctx context.Context, id PaymentID) (PaymentRequest, error)
	VerifyByHash(ctx context.Context, id PaymentID, txHash string) (PaymentRequest, error)
	GetRate(ctx context.Context, currency string) (Rate, error)
}

// EventSource is the push channel: a best-effort live feed of
// observations for one payment. Subscribers to the same ID share a
// connection.
type EventSource interface {
	Subscribe(id PaymentID, onEvent func(Observation)) (unsubscribe func())
}

// StatusPoller is the pull channel, asking the Backend on a schedule.
type StatusPoller interface {
	Start(id PaymentID, deliver func(Observation)) PollHandle
}

type PollHandle interface {
	// Stop halts the schedule; it returns once no tick is running.
	Stop()
	// ForceCheck does one immediate check-status fetch and delivers the
	// result through the same path as scheduled ticks.
	ForceCheck(ctx context.Context) error
	// SetStatus tells the poller the reconciled status so the interval
	// follows it.
	SetStatus(s Status)
}

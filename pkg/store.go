package pay

import "time"

// Store is the optional transition journal. Nothing here is read back
// for reconciliation: the backend stays authoritative.
type Store interface {
	// SavePayment upserts the latest known snapshot of a payment.
	SavePayment(p PaymentRequest) error
	// GetPayment returns the last saved snapshot.
	GetPayment(id PaymentID) (PaymentRequest, error)
	// RecordTransition appends an accepted transition to the journal.
	RecordTransition(t Transition) error
	// ListTransitions returns the journal for a payment, oldest first.
	ListTransitions(id PaymentID) ([]JournalEntry, error)
	Close()
}

type JournalEntry struct {
	PaymentID     PaymentID `json:"paymentId"`
	Seq           int       `json:"seq"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Confirmations int       `json:"confirmations"`
	TxHash        string    `json:"transactionHash,omitempty"`
	Source        Source    `json:"source"`
	RecordedAt    time.Time `json:"recordedAt"`
}

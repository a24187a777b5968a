package pay

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentID string

type Money = decimal.Decimal

var ZeroMoney = decimal.NewFromInt(0)

// PaymentRequest is a request for an on-chain payment, created by the
// backend and tracked here until it reaches a terminal status.
type PaymentRequest struct {
	ID PaymentID `json:"id"`

	// commercial terms, fixed by the backend at creation
	AmountFiat   Money  `json:"amountFiat"`
	AmountCrypto Money  `json:"amountCrypto"`
	Currency     string `json:"currency"`
	Network      string `json:"network"`
	ExchangeRate Money  `json:"exchangeRate"`
	Purpose      string `json:"purpose,omitempty"`
	Plan         string `json:"plan,omitempty"`

	// settlement target
	Address    string `json:"address"`
	PaymentURI string `json:"paymentUri"`

	Status                Status `json:"status"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"requiredConfirmations"`
	TxHash                string `json:"transactionHash,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Expired reports whether 'now' is past the deadline.
func (p PaymentRequest) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Observation returns the snapshot as a status report from 'source'.
func (p PaymentRequest) Observation(source Source, at time.Time) Observation {
	return Observation{
		Status:        p.Status,
		Confirmations: p.Confirmations,
		TxHash:        p.TxHash,
		ObservedAt:    at,
		Source:        source,
	}
}

// Source tags where an Observation came from. It is diagnostic only and
// never changes how an observation is reconciled.
type Source string

const (
	SourceStream Source = "stream"
	SourcePoll   Source = "poll"
	SourceForce  Source = "force"
	SourceVerify Source = "verify"
	SourceClock  Source = "clock"
)

// Observation is a single, unreconciled status report.
type Observation struct {
	Status        Status    `json:"status"`
	Confirmations int       `json:"confirmations"`
	TxHash        string    `json:"transactionHash,omitempty"`
	ObservedAt    time.Time `json:"observedAt"`
	Source        Source    `json:"source"`
}

// Transition is emitted once for every change the reconciler accepts.
type Transition struct {
	Payment       PaymentRequest `json:"payment"`
	From          Status         `json:"from"`
	To            Status         `json:"to"`
	Confirmations int            `json:"confirmations"`
	StatusChanged bool           `json:"statusChanged"`
	Source        Source         `json:"source"`
}

type CreatePaymentRequest struct {
	AmountFiat Money  `json:"amountFiat"`
	Currency   string `json:"currency"`
	Network    string `json:"network"`
	Purpose    string `json:"purpose"`
	Plan       string `json:"plan,omitempty"`
}

type CreatePaymentResponse struct {
	PaymentRequest PaymentRequest `json:"paymentRequest"`
	Message        string         `json:"message"`
}

// Rate is for display only; the backend fixes AmountCrypto at creation.
type Rate struct {
	Currency    string    `json:"currency"`
	USDRate     Money     `json:"usdRate"`
	LastUpdated time.Time `json:"lastUpdated"`
}

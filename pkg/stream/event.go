package stream

import (
	"encoding/json"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

// EventPaymentStatus is the only event type that carries an observation.
// Everything else on the stream (connected, heartbeat) is ignored.
const EventPaymentStatus = "payment_status"

// Event is one discrete message from the backend's event stream.
type Event struct {
	Type            string        `json:"type"`
	PaymentID       pay.PaymentID `json:"paymentId"`
	Status          string        `json:"status"`
	Confirmations   int           `json:"confirmations"`
	TransactionHash string        `json:"transactionHash"`
	Timestamp       *time.Time    `json:"timestamp"`
}

// ParseEvent decodes one raw event. A payment_status event with an
// unknown status is an error; other event types are returned as-is for
// the caller to skip.
func ParseEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	if e.Type == EventPaymentStatus {
		if _, ok := pay.ParseStatus(e.Status); !ok {
			return Event{}, pay.NewErr(pay.BadRequest, "unknown payment status: %q", e.Status)
		}
		if e.Confirmations < 0 {
			return Event{}, pay.NewErr(pay.BadRequest, "negative confirmations: %d", e.Confirmations)
		}
	}
	return e, nil
}

// IsStatus reports whether e carries a status observation.
func (e Event) IsStatus() bool {
	return e.Type == EventPaymentStatus
}

// Observation converts a payment_status event. 'now' is used when the
// event carries no timestamp.
func (e Event) Observation(now time.Time) pay.Observation {
	s, _ := pay.ParseStatus(e.Status)
	at := now
	if e.Timestamp != nil {
		at = *e.Timestamp
	}
	return pay.Observation{
		Status:        s,
		Confirmations: e.Confirmations,
		TxHash:        e.TransactionHash,
		ObservedAt:    at,
		Source:        pay.SourceStream,
	}
}

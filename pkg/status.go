package pay

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle state of a PaymentRequest.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// failureRank outranks every non-terminal status.
const failureRank = 4

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusConfirming: 1,
	StatusConfirmed:  2,
	StatusCompleted:  3,
	StatusExpired:    failureRank,
	StatusCancelled:  failureRank,
	StatusFailed:     failureRank,
}

// AllStatuses in precedence order.
var AllStatuses = []Status{
	StatusPending,
	StatusConfirming,
	StatusConfirmed,
	StatusCompleted,
	StatusExpired,
	StatusCancelled,
	StatusFailed,
}

// Precedence returns the rank used to discard stale observations.
// Unknown statuses rank below pending so they can never advance a payment.
func (s Status) Precedence() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsFailure is true for the three terminal failure branches.
func (s Status) IsFailure() bool {
	return s == StatusExpired || s == StatusCancelled || s == StatusFailed
}

// IsSuccess is true for confirmed and completed, both of which let a caller
// release the user.
func (s Status) IsSuccess() bool {
	return s == StatusConfirmed || s == StatusCompleted
}

// IsTerminal reports whether no further status can follow s.
// confirmed is not terminal here: it may still be upgraded to completed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s.IsFailure()
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus accepts any casing; the backend has been seen sending both.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, ok := ParseStatus(v)
	if !ok {
		return NewErr(BadRequest, "unknown payment status: %q", v)
	}
	*s = parsed
	return nil
}

package pay

import "time"

// Rules is the payment state machine. It is a pure function of the current
// PaymentRequest, an Observation and the wall-clock time; the Tracker is the
// only caller that keeps the result.
//
//	pending -> confirming -> confirmed -> completed
//	pending | confirming -> expired | cancelled | failed
//
// An observation whose status ranks below the current one is stale and is
// discarded, as is everything once the payment is closed.
type Rules struct {
	// ConfirmedIsFinal closes the payment at confirmed instead of waiting
	// for the backend's settlement step to report completed.
	ConfirmedIsFinal bool
}

// Closed reports whether a payment in status s accepts no further changes.
func (r Rules) Closed(s Status) bool {
	return s.IsTerminal() || (r.ConfirmedIsFinal && s == StatusConfirmed)
}

// Expirable is true while the deadline still applies.
func (r Rules) Expirable(s Status) bool {
	return s == StatusPending || s == StatusConfirming
}

// Expire moves an open payment to expired once now has reached ExpiresAt.
func (r Rules) Expire(p PaymentRequest, now time.Time) (PaymentRequest, Transition, bool) {
	if !r.Expirable(p.Status) || !p.Expired(now) {
		return p, Transition{}, false
	}
	from := p.Status
	p.Status = StatusExpired
	return p, Transition{
		Payment:       p,
		From:          from,
		To:            StatusExpired,
		Confirmations: p.Confirmations,
		StatusChanged: true,
		Source:        SourceClock,
	}, true
}

// Apply reconciles one observation. The deadline is checked first, so an
// observation arriving after ExpiresAt yields the expiry transition instead
// and is itself discarded.
func (r Rules) Apply(p PaymentRequest, obs Observation, now time.Time) (PaymentRequest, Transition, bool) {
	if r.Closed(p.Status) {
		return p, Transition{}, false
	}
	if next, t, ok := r.Expire(p, now); ok {
		return next, t, true
	}
	if !obs.Status.Valid() {
		return p, Transition{}, false
	}

	from := p.Status
	statusUp := obs.Status.Precedence() > p.Status.Precedence()
	if p.Status == StatusConfirmed {
		// the only way out of confirmed is the settlement step
		statusUp = obs.Status == StatusCompleted
	}
	confsUp := obs.Confirmations > p.Confirmations && !obs.Status.IsFailure() && (p.Status != StatusConfirmed || statusUp)
	txFound := p.TxHash == "" && obs.TxHash != ""

	if !statusUp && !confsUp && !txFound {
		return p, Transition{}, false
	}

	if statusUp {
		p.Status = obs.Status
		switch p.Status {
		case StatusConfirmed:
			p.ConfirmedAt = stamp(now)
		case StatusCompleted:
			if p.ConfirmedAt == nil {
				p.ConfirmedAt = stamp(now)
			}
			p.CompletedAt = stamp(now)
		}
	}
	if confsUp {
		p.Confirmations = obs.Confirmations
	}
	if txFound {
		p.TxHash = obs.TxHash
	}
	return p, Transition{
		Payment:       p,
		From:          from,
		To:            p.Status,
		Confirmations: p.Confirmations,
		StatusChanged: statusUp,
		Source:        obs.Source,
	}, true
}

func stamp(t time.Time) *time.Time {
	return &t
}

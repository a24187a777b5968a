package poller

import (
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

// Schedule maps the current known status to a polling interval.
// Zero means do not poll.
type Schedule struct {
	Pending    time.Duration
	Confirming time.Duration
	Confirmed  time.Duration // final verification while waiting for completed
}

func DefaultSchedule() Schedule {
	return Schedule{
		Pending:    10 * time.Second,
		Confirming: 15 * time.Second,
		Confirmed:  5 * time.Second,
	}
}

func ScheduleFromConfig(config pay.Config) Schedule {
	s := DefaultSchedule()
	if config.Poller.PendingSec > 0 {
		s.Pending = time.Duration(config.Poller.PendingSec) * time.Second
	}
	if config.Poller.ConfirmingSec > 0 {
		s.Confirming = time.Duration(config.Poller.ConfirmingSec) * time.Second
	}
	if config.Poller.ConfirmedSec > 0 {
		s.Confirmed = time.Duration(config.Poller.ConfirmedSec) * time.Second
	}
	return s
}

func (s Schedule) Interval(status pay.Status) time.Duration {
	switch status {
	case pay.StatusPending:
		return s.Pending
	case pay.StatusConfirming:
		return s.Confirming
	case pay.StatusConfirmed:
		return s.Confirmed
	}
	return 0
}

// IntervalFor is the default schedule's interval for status.
func IntervalFor(status pay.Status) time.Duration {
	return DefaultSchedule().Interval(status)
}

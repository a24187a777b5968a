package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pay "github.com/birdhouse-social/birdpay/pkg"
)

// interface guards
var _ pay.StatusPoller = &Poller{}
var _ pay.PollHandle = &Handle{}

// Fetcher is the part of pay.Backend the poller uses.
type Fetcher interface {
	GetPayment(ctx context.Context, id pay.PaymentID) (pay.PaymentRequest, error)
	CheckStatus(ctx context.Context, id pay.PaymentID) (pay.PaymentRequest, error)
}

// Poller asks the backend for a payment's status on a schedule that
// follows the payment's status. It is the fallback of last resort, so a
// failed fetch is logged and the schedule simply continues.
type Poller struct {
	backend  Fetcher
	schedule Schedule
	timeout  time.Duration
	clock    clock.Clock
}

func New(backend Fetcher, config pay.Config, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	timeout := time.Duration(config.Poller.FetchTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Poller{
		backend:  backend,
		schedule: ScheduleFromConfig(config),
		timeout:  timeout,
		clock:    clk,
	}
}

// Start polls id, assuming it is pending until told otherwise with
// SetStatus. Every fetched snapshot goes to deliver.
func (p *Poller) Start(id pay.PaymentID, deliver func(pay.Observation)) pay.PollHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		p:       p,
		id:      id,
		deliver: deliver,
		ctx:     ctx,
		cancel:  cancel,
		status:  pay.StatusPending,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

type Handle struct {
	p       *Poller
	id      pay.PaymentID
	deliver func(pay.Observation)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu     sync.Mutex
	status pay.Status
}

// Status the schedule is currently following.
func (h *Handle) Status() pay.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus never blocks. A change of status restarts the wait with the
// new interval.
func (h *Handle) SetStatus(s pay.Status) {
	h.mu.Lock()
	changed := h.status != s
	h.status = s
	h.mu.Unlock()
	if changed {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

// Stop halts the schedule and waits for a running tick to finish.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// ForceCheck fetches through the check-status call, which makes the
// backend verify on-chain before answering.
func (h *Handle) ForceCheck(ctx context.Context) error {
	if h.ctx.Err() != nil {
		return pay.NewErr(pay.NotAvailable, "poller for %s is stopped", h.id)
	}
	ctx, cancel := context.WithTimeout(ctx, h.p.timeout)
	defer cancel()
	pr, err := h.p.backend.CheckStatus(ctx, h.id)
	if err != nil {
		log.Printf("Poller: %s check-status failed: %v\n", h.id, err)
		return err
	}
	if h.ctx.Err() != nil {
		return nil
	}
	h.deliver(pr.Observation(pay.SourceForce, h.p.clock.Now()))
	return nil
}

func (h *Handle) run() {
	defer close(h.done)
	for {
		d := h.p.schedule.Interval(h.Status())
		if d == 0 {
			select {
			case <-h.ctx.Done():
				return
			case <-h.wake:
				continue
			}
		}
		t := h.p.clock.Timer(d)
		select {
		case <-h.ctx.Done():
			t.Stop()
			return
		case <-h.wake:
			t.Stop()
		case <-t.C:
			h.tick()
		}
	}
}

func (h *Handle) tick() {
	ctx, cancel := context.WithTimeout(h.ctx, h.p.timeout)
	defer cancel()
	pr, err := h.p.backend.GetPayment(ctx, h.id)
	if err != nil {
		if h.ctx.Err() == nil {
			log.Printf("Poller: %s fetch failed: %v\n", h.id, err)
		}
		return
	}
	if h.ctx.Err() != nil {
		return
	}
	h.deliver(pr.Observation(pay.SourcePoll, h.p.clock.Now()))
}

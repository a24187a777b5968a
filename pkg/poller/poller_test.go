package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	clock  clock.Clock
	fails  atomic.Int32 // GetPayment fails while > 0
	gets   atomic.Int32
	checks atomic.Int32

	mu      sync.Mutex
	payment pay.PaymentRequest
	fetched []time.Time
}

func (b *fakeBackend) GetPayment(ctx context.Context, id pay.PaymentID) (pay.PaymentRequest, error) {
	b.gets.Add(1)
	if b.fails.Add(-1) >= 0 {
		return pay.PaymentRequest{}, pay.NewErr(pay.TransportError, "backend unavailable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetched = append(b.fetched, b.clock.Now())
	return b.payment, nil
}

func (b *fakeBackend) CheckStatus(ctx context.Context, id pay.PaymentID) (pay.PaymentRequest, error) {
	b.checks.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.payment
	p.Status = pay.StatusConfirming
	p.Confirmations = 7
	return p, nil
}

func (b *fakeBackend) fetchTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.fetched...)
}

func newRig() (*clock.Mock, *fakeBackend, *Poller) {
	mock := clock.NewMock()
	b := &fakeBackend{clock: mock, payment: pay.PaymentRequest{ID: "pay_1", Status: pay.StatusPending}}
	return mock, b, New(b, pay.TestConfig(), mock)
}

// advance moves the mock clock a second at a time until cond holds.
func advance(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(time.Second)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestIntervalFor(t *testing.T) {
	cases := map[pay.Status]time.Duration{
		pay.StatusPending:    10 * time.Second,
		pay.StatusConfirming: 15 * time.Second,
		pay.StatusConfirmed:  5 * time.Second,
		pay.StatusCompleted:  0,
		pay.StatusExpired:    0,
		pay.StatusCancelled:  0,
		pay.StatusFailed:     0,
		pay.Status("bogus"):  0,
	}
	for s, want := range cases {
		if got := IntervalFor(s); got != want {
			t.Fatalf("IntervalFor(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestScheduleFromConfig(t *testing.T) {
	conf := pay.TestConfig()
	conf.Poller.PendingSec = 3
	conf.Poller.ConfirmingSec = 0
	s := ScheduleFromConfig(conf)
	assert.Equal(t, 3*time.Second, s.Pending)
	assert.Equal(t, 15*time.Second, s.Confirming, "zero falls back to the default")
}

func TestPollsOnStatusSchedule(t *testing.T) {
	mock, b, p := newRig()
	var delivered atomic.Int32
	h := p.Start("pay_1", func(o pay.Observation) {
		assert.Equal(t, pay.SourcePoll, o.Source)
		delivered.Add(1)
	})
	defer h.Stop()

	advance(t, mock, func() bool { return len(b.fetchTimes()) >= 3 })
	times := b.fetchTimes()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 10*time.Second {
			t.Fatalf("pending poll came after %v, want at least 10s", gap)
		}
	}
	require.Eventually(t, func() bool { return delivered.Load() >= 3 }, time.Second, time.Millisecond)

	// confirmed polls faster than pending
	h.SetStatus(pay.StatusConfirmed)
	n := len(b.fetchTimes())
	advance(t, mock, func() bool { return len(b.fetchTimes()) >= n+2 })
	times = b.fetchTimes()
	if gap := times[n+1].Sub(times[n]); gap < 5*time.Second || gap >= 10*time.Second {
		t.Fatalf("confirmed poll gap %v, want 5s..10s", gap)
	}
}

func TestTerminalStatusStopsPolling(t *testing.T) {
	mock, b, p := newRig()
	h := p.Start("pay_1", func(pay.Observation) {})
	defer h.Stop()

	h.SetStatus(pay.StatusCompleted)
	assert.Equal(t, pay.StatusCompleted, h.(*Handle).Status())
	before := b.gets.Load()
	for i := 0; i < 60; i++ {
		mock.Add(time.Second)
	}
	assert.LessOrEqual(t, b.gets.Load(), before+1)
}

func TestFetchFailureKeepsSchedule(t *testing.T) {
	mock, b, p := newRig()
	b.fails.Store(2)
	got := make(chan pay.Observation, 10)
	h := p.Start("pay_1", func(o pay.Observation) { got <- o })
	defer h.Stop()

	advance(t, mock, func() bool { return len(got) > 0 })
	assert.GreaterOrEqual(t, b.gets.Load(), int32(3))
	o := <-got
	assert.Equal(t, pay.StatusPending, o.Status)
}

func TestForceCheck(t *testing.T) {
	_, b, p := newRig()
	got := make(chan pay.Observation, 1)
	h := p.Start("pay_1", func(o pay.Observation) { got <- o })

	if err := h.ForceCheck(context.Background()); err != nil {
		t.Fatalf("ForceCheck: %v", err)
	}
	o := <-got
	assert.Equal(t, pay.SourceForce, o.Source)
	assert.Equal(t, pay.StatusConfirming, o.Status)
	assert.Equal(t, 7, o.Confirmations)
	assert.Equal(t, int32(1), b.checks.Load())
	assert.Equal(t, int32(0), b.gets.Load(), "ForceCheck must use check-status")

	h.Stop()
	err := h.ForceCheck(context.Background())
	var info *pay.ErrorInfo
	if !errors.As(err, &info) || info.Code != pay.NotAvailable {
		t.Fatalf("ForceCheck after Stop: %v", err)
	}
}

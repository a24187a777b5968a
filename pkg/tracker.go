package pay

import (
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

/*
 * Tracker is the single writer for one PaymentRequest.
 *
 * The stream and the poller are producers: they Submit observations and
 * never touch the payment. One goroutine (run) owns the payment, applies
 * Rules, runs the expiry timer and calls the internal hooks. Accepted
 * Transitions are then queued for a second goroutine (notify) that calls
 * listeners in order. run never waits on a listener, so a listener may
 * call back into the tracker (Sync, Snapshot, Submit, Stop).
 *
 * Stop is synchronous: once it returns every hook has finished and no
 * listener is called again. A listener that is already running when Stop
 * is called is allowed to finish.
 */
type Tracker struct {
	rules Rules
	clock clock.Clock

	in       chan trackerMsg
	stop     chan struct{}
	done     chan struct{} // run has exited
	notified chan struct{} // notify has exited

	mu        sync.Mutex // guards payment, listeners
	payment   PaymentRequest
	listeners map[int]*listener
	nextID    int
	hooks     []func(Transition)

	qmu   sync.Mutex // guards queue
	queue []notice
	ready chan struct{}

	calling  atomic.Bool // notify is inside a listener
	started  atomic.Bool
	stopOnce sync.Once
}

type trackerMsg struct {
	obs     Observation
	barrier chan struct{}
	drain   bool // release barrier from notify, after listeners
}

type notice struct {
	tr      Transition
	barrier chan struct{}
}

type listener struct {
	mu     sync.Mutex
	active atomic.Bool
	fn     func(Transition)
}

// NewTracker takes ownership of p. Call Start to begin reconciling.
func NewTracker(p PaymentRequest, rules Rules, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		rules:     rules,
		clock:     clk,
		in:        make(chan trackerMsg, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		notified:  make(chan struct{}),
		ready:     make(chan struct{}, 1),
		payment:   p,
		listeners: map[int]*listener{},
	}
}

// OnTransition registers an internal hook. Hooks run on the reconciling
// goroutine before the transition is queued for listeners, and must not
// call back into the tracker. Must be called before Start.
func (t *Tracker) OnTransition(hook func(Transition)) {
	t.hooks = append(t.hooks, hook)
}

// Listen adds a listener and returns the function that removes it.
func (t *Tracker) Listen(fn func(Transition)) (remove func()) {
	l := &listener{fn: fn}
	l.active.Store(true)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
		if l.mu.TryLock() {
			l.active.Store(false)
			l.mu.Unlock()
		} else {
			// the listener is running right now, possibly calling us
			l.active.Store(false)
		}
	}
}

// Listeners is the number of attached listeners.
func (t *Tracker) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *Tracker) Start() {
	if t.started.CompareAndSwap(false, true) {
		go t.run()
		go t.notify()
	}
}

// Submit hands an observation to the reconciler. It never blocks past Stop.
func (t *Tracker) Submit(obs Observation) {
	select {
	case t.in <- trackerMsg{obs: obs}:
	case <-t.stop:
	}
}

// Sync waits until every observation submitted before it has been
// reconciled, its hooks have run and the deadline has been checked.
// It is safe to call from a listener.
func (t *Tracker) Sync() {
	t.barrier(false)
}

// Drain is Sync plus delivery: it also waits until listeners have been
// called with every transition accepted so far. Calling Drain from a
// listener deadlocks.
func (t *Tracker) Drain() {
	t.barrier(true)
}

func (t *Tracker) barrier(drain bool) {
	if !t.started.Load() {
		return
	}
	b := make(chan struct{})
	select {
	case t.in <- trackerMsg{barrier: b, drain: drain}:
	case <-t.stop:
		return
	}
	exited := t.done
	if drain {
		exited = t.notified
	}
	select {
	case <-b:
	case <-exited:
	}
}

// Snapshot returns the current reconciled payment.
func (t *Tracker) Snapshot() PaymentRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payment
}

// Closed reports whether the payment accepts no further changes.
func (t *Tracker) Closed() bool {
	return t.rules.Closed(t.Snapshot().Status)
}

// Stop may be called from a listener, but not from a hook.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	if !t.started.Load() {
		return
	}
	<-t.done
	if !t.calling.Load() {
		<-t.notified
	}
	// else: a listener is running, maybe this one; notify exits when it returns.
}

func (t *Tracker) run() {
	defer close(t.done)

	timer := t.armExpiry()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		var expiry <-chan time.Time
		if timer != nil {
			expiry = timer.C
		}
		select {
		case <-t.stop:
			return
		case <-expiry:
			t.checkExpiry()
			timer = t.armExpiry()
		case m := <-t.in:
			if m.barrier != nil {
				t.checkExpiry()
				if m.drain {
					t.post(notice{barrier: m.barrier})
				} else {
					close(m.barrier)
				}
				continue
			}
			t.apply(m.obs)
		}
	}
}

// armExpiry returns a timer that fires just past the deadline, or nil
// when the payment can no longer expire.
func (t *Tracker) armExpiry() *clock.Timer {
	p := t.Snapshot()
	if p.ExpiresAt.IsZero() || !t.rules.Expirable(p.Status) {
		return nil
	}
	d := p.ExpiresAt.Sub(t.clock.Now()) + time.Nanosecond
	if d < 0 {
		d = 0
	}
	return t.clock.Timer(d)
}

func (t *Tracker) checkExpiry() {
	t.mu.Lock()
	next, tr, ok := t.rules.Expire(t.payment, t.clock.Now())
	if ok {
		t.payment = next
	}
	t.mu.Unlock()
	if ok {
		log.Printf("Tracker: payment %s expired at %s\n", next.ID, next.ExpiresAt.Format(time.RFC3339))
		t.deliver(tr)
	}
}

func (t *Tracker) apply(obs Observation) {
	t.mu.Lock()
	next, tr, ok := t.rules.Apply(t.payment, obs, t.clock.Now())
	if ok {
		t.payment = next
	}
	t.mu.Unlock()
	if ok {
		t.deliver(tr)
	}
}

// deliver runs the hooks and queues tr for listeners.
func (t *Tracker) deliver(tr Transition) {
	for _, hook := range t.hooks {
		hook(tr)
	}
	t.post(notice{tr: tr})
}

func (t *Tracker) post(n notice) {
	t.qmu.Lock()
	t.queue = append(t.queue, n)
	t.qmu.Unlock()
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *Tracker) take() (notice, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if len(t.queue) == 0 {
		return notice{}, false
	}
	n := t.queue[0]
	t.queue[0] = notice{}
	t.queue = t.queue[1:]
	return n, true
}

func (t *Tracker) notify() {
	defer close(t.notified)
	for {
		select {
		case <-t.stop:
			return
		case <-t.ready:
		}
		for {
			n, ok := t.take()
			if !ok {
				break
			}
			if n.barrier != nil {
				close(n.barrier)
				continue
			}
			if !t.callListeners(n.tr) {
				return
			}
		}
	}
}

// callListeners reports false once the tracker is stopped.
func (t *Tracker) callListeners(tr Transition) bool {
	t.mu.Lock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		t.mu.Lock()
		l := t.listeners[id]
		t.mu.Unlock()
		if l == nil {
			continue
		}
		select {
		case <-t.stop:
			return false
		default:
		}
		l.mu.Lock()
		if l.active.Load() {
			t.calling.Store(true)
			l.fn(tr)
			t.calling.Store(false)
		}
		l.mu.Unlock()
	}
	return true
}

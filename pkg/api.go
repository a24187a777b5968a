package pay

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// API is the boundary the rest of the application talks to: create a
// payment, observe reconciled transitions, force a check, verify by hash.
//
// Streams may be nil, in which case payments are tracked by the poller
// alone.
type API struct {
	Backend Backend
	Streams EventSource
	Poller  StatusPoller
	Store   Store
	Bus     MessageBus

	config          Config
	rules           Rules
	clock           clock.Clock
	validateAddress func(network, address string) error

	mu      sync.Mutex // guards known, watches
	known   map[PaymentID]PaymentRequest
	watches map[PaymentID]*watch
}

// watch is one observed payment: its tracker and both channels.
type watch struct {
	tracker *Tracker
	refs    int // guarded by API.mu

	mu          sync.Mutex
	opened      bool
	closed      bool
	unsubscribe func()
	poll        PollHandle
}

// open starts the channels and the tracker, once, unless already closed.
func (w *watch) open(a *API, id PaymentID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opened || w.closed {
		return
	}
	w.opened = true
	if !a.rules.Closed(w.tracker.Snapshot().Status) {
		if a.Poller != nil {
			w.poll = a.Poller.Start(id, w.tracker.Submit)
			w.poll.SetStatus(w.tracker.Snapshot().Status)
		}
		if a.Streams != nil && !a.config.Stream.PollOnly {
			w.unsubscribe = a.Streams.Subscribe(id, w.tracker.Submit)
		}
	}
	w.tracker.Start()
}

func (w *watch) closeChannels() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsubscribe, poll := w.unsubscribe, w.poll
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if poll != nil {
		poll.Stop()
	}
}

func (w *watch) pollHandle() PollHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.poll
}

func (w *watch) teardown() {
	w.tracker.Stop()
	w.closeChannels()
}

// WithClock replaces the wall clock (tests use a mock).
func WithClock(c clock.Clock) func(*API) {
	return func(a *API) {
		a.clock = c
	}
}

// WithAddressValidator checks the receiving address the backend hands out.
func WithAddressValidator(fn func(network, address string) error) func(*API) {
	return func(a *API) {
		a.validateAddress = fn
	}
}

func NewAPI(backend Backend, streams EventSource, poller StatusPoller, store Store, bus MessageBus, config Config, opts ...func(*API)) *API {
	a := &API{
		Backend: backend,
		Streams: streams,
		Poller:  poller,
		Store:   store,
		Bus:     bus,
		config:  config,
		rules:   config.Rules(),
		clock:   clock.New(),
		known:   map[PaymentID]PaymentRequest{},
		watches: map[PaymentID]*watch{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreatePayment validates locally, then makes exactly one backend call.
// Validation failures never reach the network.
func (a *API) CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResponse, error) {
	if err := req.Validate(a.config.MinimumFiat()); err != nil {
		return CreatePaymentResponse{}, err
	}
	res, err := a.Backend.CreatePayment(ctx, req)
	if err != nil {
		return CreatePaymentResponse{}, err
	}
	p := res.PaymentRequest
	if p.ID == "" {
		return CreatePaymentResponse{}, NewErr(UnknownError, "backend returned a payment without an id")
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.RequiredConfirmations == 0 {
		p.RequiredConfirmations = RequiredConfirmations(p.Network)
	}
	if a.validateAddress != nil {
		if err := a.validateAddress(p.Network, p.Address); err != nil {
			return CreatePaymentResponse{}, NewErr(UnknownError, "backend returned an unusable %s address for %s: %v", p.Network, p.ID, err)
		}
	}
	res.PaymentRequest = p

	a.mu.Lock()
	a.known[p.ID] = p
	a.mu.Unlock()

	a.savePayment(p)
	a.Bus.Send(PAY_CREATED, p)
	return res, nil
}

// Observe starts the event stream and the poller for a payment, feeding
// both into one Tracker, and forwards reconciled transitions to onChange.
// Observers of the same payment share the tracker and channels; the last
// stop tears them down. After stop returns onChange is not called again.
func (a *API) Observe(ctx context.Context, id PaymentID, onChange func(Transition)) (stop func(), err error) {
	w, err := a.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	remove := w.tracker.Listen(onChange)
	w.open(a, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			a.release(id, w)
		})
	}, nil
}

// acquire returns the watch for id with a reference held, creating it
// (but not starting it) if needed.
func (a *API) acquire(ctx context.Context, id PaymentID) (*watch, error) {
	a.mu.Lock()
	if w, ok := a.watches[id]; ok {
		w.refs++
		a.mu.Unlock()
		return w, nil
	}
	p, known := a.known[id]
	a.mu.Unlock()

	if !known {
		// rehydrate: the backend is authoritative
		var err error
		p, err = a.Backend.GetPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.RequiredConfirmations == 0 {
			p.RequiredConfirmations = RequiredConfirmations(p.Network)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.watches[id]; ok {
		// lost a race with another Observe
		w.refs++
		return w, nil
	}
	a.known[id] = p
	w := &watch{tracker: NewTracker(p, a.rules, a.clock), refs: 1}
	w.tracker.OnTransition(a.transitionHook(w))
	a.watches[id] = w
	return w, nil
}

func (a *API) release(id PaymentID, w *watch) {
	a.mu.Lock()
	w.refs--
	last := w.refs <= 0
	if last && a.watches[id] == w {
		delete(a.watches, id)
	}
	a.mu.Unlock()
	if last {
		w.teardown()
	}
}

// transitionHook runs on the tracker goroutine before listeners see t.
func (a *API) transitionHook(w *watch) func(Transition) {
	return func(t Transition) {
		// poll is set before the tracker starts and never changes
		if w.poll != nil {
			w.poll.SetStatus(t.To)
		}
		a.mu.Lock()
		a.known[t.Payment.ID] = t.Payment
		a.mu.Unlock()
		a.savePayment(t.Payment)
		a.recordTransition(t)
		if t.StatusChanged {
			a.Bus.Send(PAY_STATUS, t)
		} else {
			a.Bus.Send(PAY_CONFIRMATIONS, t)
		}
		if a.rules.Closed(t.To) {
			log.Printf("API: payment %s closed as %s, releasing channels\n", t.Payment.ID, t.To)
			go w.closeChannels()
		}
	}
}

func (a *API) watching(id PaymentID) *watch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watches[id]
}

// ForceCheck asks the backend to verify on-chain right now. The result is
// reconciled like any scheduled poll; the reconciled snapshot is returned.
// Like VerifyManually and Payment it may be called from onChange.
func (a *API) ForceCheck(ctx context.Context, id PaymentID) (PaymentRequest, error) {
	w := a.watching(id)
	if w == nil {
		return PaymentRequest{}, NewErr(NotFound, "payment %s is not being observed", id)
	}
	if w.tracker.Closed() {
		return w.tracker.Snapshot(), nil
	}
	if poll := w.pollHandle(); poll != nil {
		if err := poll.ForceCheck(ctx); err != nil {
			return w.tracker.Snapshot(), err
		}
	} else {
		p, err := a.Backend.CheckStatus(ctx, id)
		if err != nil {
			return w.tracker.Snapshot(), err
		}
		w.tracker.Submit(p.Observation(SourceForce, a.clock.Now()))
	}
	w.tracker.Sync()
	return w.tracker.Snapshot(), nil
}

// VerifyManually asserts a transaction hash for a payment. The backend's
// answer goes through reconciliation with no special precedence.
func (a *API) VerifyManually(ctx context.Context, id PaymentID, txHash string) (PaymentRequest, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return PaymentRequest{}, NewErr(BadRequest, "a transaction hash is required")
	}
	a.Bus.Send(PAY_VERIFY, map[string]string{"paymentId": string(id), "transactionHash": txHash})
	p, err := a.Backend.VerifyByHash(ctx, id, txHash)
	if err != nil {
		return PaymentRequest{}, err
	}
	w := a.watching(id)
	if w == nil {
		return p, nil
	}
	w.tracker.Submit(p.Observation(SourceVerify, a.clock.Now()))
	w.tracker.Sync()
	return w.tracker.Snapshot(), nil
}

// Payment returns the reconciled snapshot of a payment this API knows.
// A payment nobody observes has no expiry timer, so its deadline is
// checked here. Safe to call from an onChange callback.
func (a *API) Payment(id PaymentID) (PaymentRequest, bool) {
	if w := a.watching(id); w != nil {
		w.tracker.Sync()
		return w.tracker.Snapshot(), true
	}
	a.mu.Lock()
	p, ok := a.known[id]
	if !ok {
		a.mu.Unlock()
		return p, false
	}
	next, t, expired := a.rules.Expire(p, a.clock.Now())
	if expired {
		a.known[id] = next
	}
	a.mu.Unlock()

	if expired {
		log.Printf("API: payment %s expired at %s while unobserved\n", id, next.ExpiresAt.Format(time.RFC3339))
		a.savePayment(next)
		a.recordTransition(t)
		a.Bus.Send(PAY_STATUS, t)
	}
	return next, true
}

// Reset abandons a payment: every observer is detached and both channels
// are torn down before Reset returns.
func (a *API) Reset(id PaymentID) {
	a.mu.Lock()
	w := a.watches[id]
	delete(a.watches, id)
	delete(a.known, id)
	a.mu.Unlock()
	if w != nil {
		w.teardown()
	}
}

// Rate is a display-only conversion rate for a supported currency.
func (a *API) Rate(ctx context.Context, currency string) (Rate, error) {
	currency = normCurrency(currency)
	if len(NetworksFor(currency)) == 0 {
		return Rate{}, NewErr(InvalidCurrencyNetwork, "unsupported currency: %s", currency)
	}
	return a.Backend.GetRate(ctx, currency)
}

// Closed reports whether a payment in status s has finished for good.
func (a *API) Closed(s Status) bool {
	return a.rules.Closed(s)
}

// History is the journal of accepted transitions, if a Store is set.
func (a *API) History(id PaymentID) ([]JournalEntry, error) {
	if a.Store == nil {
		return nil, NewErr(NotAvailable, "no transition journal configured")
	}
	return a.Store.ListTransitions(id)
}

// Close tears down every observation.
func (a *API) Close() {
	a.mu.Lock()
	ws := make([]*watch, 0, len(a.watches))
	for id, w := range a.watches {
		ws = append(ws, w)
		delete(a.watches, id)
	}
	a.mu.Unlock()
	for _, w := range ws {
		w.teardown()
	}
}

func (a *API) savePayment(p PaymentRequest) {
	if a.Store == nil {
		return
	}
	if err := a.Store.SavePayment(p); err != nil {
		log.Printf("API: journal SavePayment %s: %v\n", p.ID, err)
	}
}

func (a *API) recordTransition(t Transition) {
	if a.Store == nil {
		return
	}
	if err := a.Store.RecordTransition(t); err != nil {
		log.Printf("API: journal RecordTransition %s: %v\n", t.Payment.ID, err)
	}
}

// Package backendtest is an in-process payment request store: the HTTP
// endpoints and SSE event stream pkg/backend and pkg/stream talk to, with
// knobs for tests to drive payments through their lifecycle.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/gin-contrib/sse"
	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"
)

var rates = map[string]decimal.Decimal{
	"BTC":  decimal.NewFromInt(60000),
	"ETH":  decimal.NewFromInt(3000),
	"SOL":  decimal.NewFromInt(150),
	"DOGE": decimal.RequireFromString("0.15"),
	"USDC": decimal.NewFromInt(1),
	"USDT": decimal.NewFromInt(1),
}

var addresses = map[string]string{
	pay.NetworkBitcoin:  "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
	pay.NetworkEthereum: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
	pay.NetworkPolygon:  "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
	pay.NetworkSolana:   "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV",
	pay.NetworkTron:     "TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7",
	pay.NetworkDogecoin: "D9YL12TaaLJKuUe2aYoGKGAuDnU9RN22Mc",
}

// Event is what the server sends on a payment's event stream.
type Event struct {
	Type            string        `json:"type"`
	PaymentID       pay.PaymentID `json:"paymentId"`
	Status          pay.Status    `json:"status,omitempty"`
	Confirmations   int           `json:"confirmations"`
	TransactionHash string        `json:"transactionHash,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

type Server struct {
	Router *httprouter.Router
	Clock  clock.Clock
	TTL    time.Duration // payment lifetime
	Token  string        // required bearer token, if set

	// call counters
	Creates  atomic.Int32
	Gets     atomic.Int32
	Checks   atomic.Int32
	Verifies atomic.Int32

	// fault injection
	StreamDown atomic.Bool // events endpoint answers 503
	GetsFail   atomic.Bool // GET and check answer 500

	// OnCheck, if set, rewrites the stored payment when check-status is
	// called, as an on-chain verification would.
	OnCheck func(p *pay.PaymentRequest)

	mu       sync.Mutex
	next     int
	payments map[pay.PaymentID]*pay.PaymentRequest
	idem     map[string]pay.PaymentID
	streams  map[pay.PaymentID]map[chan Event]bool

	http *httptest.Server
}

func New(clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		Router:   httprouter.New(),
		Clock:    clk,
		TTL:      15 * time.Minute,
		payments: map[pay.PaymentID]*pay.PaymentRequest{},
		idem:     map[string]pay.PaymentID{},
		streams:  map[pay.PaymentID]map[chan Event]bool{},
	}
	s.Router.POST("/payments", s.auth(s.create))
	s.Router.GET("/payments/:id", s.auth(s.get))
	s.Router.POST("/payments/:id/check", s.auth(s.check))
	s.Router.POST("/payments/:id/verify", s.auth(s.verify))
	s.Router.GET("/payments/:id/events", s.auth(s.events))
	s.Router.GET("/rates/:currency", s.auth(s.rate))
	return s
}

// Start serves on an httptest listener; Close shuts it down.
func Start(clk clock.Clock) *Server {
	s := New(clk)
	s.http = httptest.NewServer(s.Router)
	return s
}

func (s *Server) URL() string {
	return s.http.URL
}

func (s *Server) Close() {
	s.DropStreams("")
	if s.http != nil {
		s.http.Close()
	}
}

// Payment returns a copy of the stored payment.
func (s *Server) Payment(id pay.PaymentID) (pay.PaymentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return pay.PaymentRequest{}, false
	}
	return *p, true
}

// Put stores p as-is, replacing any payment with the same ID.
func (s *Server) Put(p pay.PaymentRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = &p
}

// Update changes the authoritative state without telling the stream.
func (s *Server) Update(id pay.PaymentID, status pay.Status, confirmations int, txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok {
		p.Status = status
		p.Confirmations = confirmations
		if txHash != "" {
			p.TxHash = txHash
		}
	}
}

// Advance updates the payment and announces it on the stream.
func (s *Server) Advance(id pay.PaymentID, status pay.Status, confirmations int, txHash string) {
	s.Update(id, status, confirmations, txHash)
	s.Emit(id, status, confirmations, txHash)
}

// Emit sends a payment_status event without touching the stored payment,
// which is how tests replay stale or out-of-order events.
func (s *Server) Emit(id pay.PaymentID, status pay.Status, confirmations int, txHash string) {
	s.Publish(Event{
		Type:            "payment_status",
		PaymentID:       id,
		Status:          status,
		Confirmations:   confirmations,
		TransactionHash: txHash,
		Timestamp:       s.Clock.Now(),
	})
}

func (s *Server) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams[e.PaymentID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Streams counts open event streams for id.
func (s *Server) Streams(id pay.PaymentID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[id])
}

// DropStreams disconnects every event stream for id, or all of them.
func (s *Server) DropStreams(id pay.PaymentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, chans := range s.streams {
		if id != "" && pid != id {
			continue
		}
		for ch := range chans {
			close(ch)
		}
		delete(s.streams, pid)
	}
}

func (s *Server) auth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			sendError(w, http.StatusUnauthorized, pay.Unauthorized, "invalid or missing bearer token")
			return
		}
		h(w, r, p)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.Creates.Add(1)
	var req pay.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, pay.BadRequest, "bad request body: "+err.Error())
		return
	}
	if err := req.Validate(pay.DefaultMinimumFiat); err != nil {
		info := err.(*pay.ErrorInfo)
		sendError(w, http.StatusUnprocessableEntity, info.Code, info.Message)
		return
	}

	s.mu.Lock()
	key := r.Header.Get("Idempotency-Key")
	if id, ok := s.idem[key]; ok && key != "" {
		p := *s.payments[id]
		s.mu.Unlock()
		sendJSON(w, http.StatusOK, pay.CreatePaymentResponse{PaymentRequest: p, Message: "payment already created"})
		return
	}
	s.next++
	now := s.Clock.Now().UTC()
	rate := rates[req.Currency]
	crypto := req.AmountFiat.DivRound(rate, 8)
	addr := addresses[req.Network]
	p := pay.PaymentRequest{
		ID:                    pay.PaymentID(fmt.Sprintf("pay_%d", s.next)),
		AmountFiat:            req.AmountFiat,
		AmountCrypto:          crypto,
		Currency:              req.Currency,
		Network:               req.Network,
		ExchangeRate:          rate,
		Purpose:               req.Purpose,
		Plan:                  req.Plan,
		Address:               addr,
		PaymentURI:            fmt.Sprintf("%s:%s?amount=%s", req.Network, addr, crypto.String()),
		Status:                pay.StatusPending,
		RequiredConfirmations: pay.RequiredConfirmations(req.Network),
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.TTL),
	}
	s.payments[p.ID] = &p
	if key != "" {
		s.idem[key] = p.ID
	}
	s.mu.Unlock()

	sendJSON(w, http.StatusCreated, pay.CreatePaymentResponse{
		PaymentRequest: p,
		Message:        fmt.Sprintf("send %s %s to %s", crypto.String(), req.Currency, addr),
	})
}

func (s *Server) lookup(w http.ResponseWriter, p httprouter.Params) (pay.PaymentRequest, bool) {
	pr, ok := s.Payment(pay.PaymentID(p.ByName("id")))
	if !ok {
		sendError(w, http.StatusNotFound, pay.NotFound, "payment not found: "+p.ByName("id"))
	}
	return pr, ok
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.Gets.Add(1)
	if s.GetsFail.Load() {
		sendError(w, http.StatusInternalServerError, pay.UnknownError, "database unavailable")
		return
	}
	if pr, ok := s.lookup(w, p); ok {
		sendJSON(w, http.StatusOK, pr)
	}
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.Checks.Add(1)
	if s.GetsFail.Load() {
		sendError(w, http.StatusBadGateway, pay.UnknownError, "chain node unavailable")
		return
	}
	id := pay.PaymentID(p.ByName("id"))
	s.mu.Lock()
	if pr, ok := s.payments[id]; ok && s.OnCheck != nil {
		s.OnCheck(pr)
	}
	s.mu.Unlock()
	if pr, ok := s.lookup(w, p); ok {
		sendJSON(w, http.StatusOK, pr)
	}
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.Verifies.Add(1)
	var req struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionHash == "" {
		sendError(w, http.StatusBadRequest, pay.BadRequest, "transactionHash is required")
		return
	}
	id := pay.PaymentID(p.ByName("id"))
	s.mu.Lock()
	if pr, ok := s.payments[id]; ok {
		pr.TxHash = req.TransactionHash
		if pr.Status == pay.StatusPending {
			pr.Status = pay.StatusConfirming
		}
	}
	s.mu.Unlock()
	if pr, ok := s.lookup(w, p); ok {
		sendJSON(w, http.StatusOK, pr)
	}
}

func (s *Server) rate(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	cur := strings.ToUpper(p.ByName("currency"))
	rate, ok := rates[cur]
	if !ok {
		sendError(w, http.StatusNotFound, pay.NotFound, "no rate for "+cur)
		return
	}
	sendJSON(w, http.StatusOK, pay.Rate{Currency: cur, USDRate: rate, LastUpdated: s.Clock.Now().UTC()})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.StreamDown.Load() {
		sendError(w, http.StatusServiceUnavailable, pay.NotAvailable, "event stream unavailable")
		return
	}
	pr, ok := s.lookup(w, p)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, pay.UnknownError, "streaming unsupported")
		return
	}

	ch := make(chan Event, 32)
	s.mu.Lock()
	if s.streams[pr.ID] == nil {
		s.streams[pr.ID] = map[chan Event]bool{}
	}
	s.streams[pr.ID][ch] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.streams[pr.ID][ch] {
			delete(s.streams[pr.ID], ch)
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sse.Encode(w, sse.Event{Event: "connected", Data: Event{Type: "connected", PaymentID: pr.ID, Timestamp: s.Clock.Now()}})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			sse.Encode(w, sse.Event{Event: e.Type, Data: e})
			flusher.Flush()
		}
	}
}

func sendJSON(w http.ResponseWriter, status int, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		sendError(w, http.StatusInternalServerError, pay.UnknownError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func sendError(w http.ResponseWriter, status int, code pay.ErrorCode, message string) {
	payload := fmt.Sprintf("{\"error\":{\"code\":%q,\"message\":%q}}", code, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(payload))
}

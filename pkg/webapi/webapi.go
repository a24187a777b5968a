package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/gin-contrib/sse"
	"github.com/julienschmidt/httprouter"
	"github.com/tjstebbing/conductor"
)

const keepAliveInterval = 15 * time.Second

// WebAPI implements conductor.Service
type WebAPI struct {
	api      *pay.API
	config   pay.Config
	shutdown chan struct{} // closed on stop, ends open event streams
}

// interface guard ensures WebAPI implements conductor.Service
var _ conductor.Service = WebAPI{}

func NewWebAPI(config pay.Config, api *pay.API) WebAPI {
	return WebAPI{api: api, config: config, shutdown: make(chan struct{})}
}

func (t WebAPI) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		server := &http.Server{Addr: t.config.WebAPI.Bind + ":" + t.config.WebAPI.Port, Handler: t.createRouter()}
		fmt.Printf("\nPayment API listening on %s:%s", t.config.WebAPI.Bind, t.config.WebAPI.Port)
		go func() {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				log.Fatalf("HTTP server ListenAndServe: %v", err)
			}
		}()

		started <- true
		ctx := <-stop
		close(t.shutdown)
		server.Shutdown(ctx)
		t.api.Close()
		stopped <- true
	}()
	return nil
}

func (t WebAPI) createRouter() *httprouter.Router {
	mux := httprouter.New()

	// POST { amountFiat, currency, network, purpose, plan } /payment -> { paymentRequest, message }
	mux.POST("/payment", t.createPayment)

	// GET /payment/:id -> { payment } the reconciled payment
	mux.GET("/payment/:id", t.getPayment)

	// POST /payment/:id/check -> { payment } ask the backend to verify on-chain now
	mux.POST("/payment/:id/check", t.checkPayment)

	// POST { transactionHash } /payment/:id/verify -> { payment } verify by transaction hash
	mux.POST("/payment/:id/verify", t.verifyPayment)

	// DELETE /payment/:id -> stop tracking a payment
	mux.DELETE("/payment/:id", t.resetPayment)

	// GET /payment/:id/events -> text/event-stream of reconciled transitions
	mux.GET("/payment/:id/events", t.paymentEvents)

	// GET /payment/:id/history -> [ {...}, ..] the transition journal
	mux.GET("/payment/:id/history", t.paymentHistory)

	mux.GET("/payment/:id/qr.png", t.paymentQR)

	// GET /currencies -> { "USDC": ["ethereum", ...], ... }
	mux.GET("/currencies", t.currencies)

	// GET /rate/:currency -> { rate } display-only USD rate
	mux.GET("/rate/:currency", t.getRate)

	return mux
}

func (t WebAPI) createPayment(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req pay.CreatePaymentRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	res, err := t.api.CreatePayment(r.Context(), req)
	if err != nil {
		sendError(w, "CreatePayment", err)
		return
	}
	sendResponse(w, res)
}

func (t WebAPI) getPayment(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	payment, ok := t.api.Payment(id)
	if !ok {
		sendErrorResponse(w, http.StatusNotFound, pay.NotFound, "no such payment")
		return
	}
	sendResponse(w, payment)
}

// checkPayment forces a check. A payment nobody is watching is observed
// just long enough to reconcile the answer.
func (t WebAPI) checkPayment(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	payment, err := t.api.ForceCheck(r.Context(), id)
	if pay.IsNotFoundError(err) {
		var stop func()
		stop, err = t.api.Observe(r.Context(), id, func(pay.Transition) {})
		if err != nil {
			sendError(w, "ForceCheck", err)
			return
		}
		defer stop()
		payment, err = t.api.ForceCheck(r.Context(), id)
	}
	if err != nil {
		sendError(w, "ForceCheck", err)
		return
	}
	sendResponse(w, payment)
}

type VerifyRequest struct {
	TransactionHash string `json:"transactionHash"`
}

func (t WebAPI) verifyPayment(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	var req VerifyRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(w, fmt.Sprintf("bad request body: %v", err))
		return
	}
	payment, err := t.api.VerifyManually(r.Context(), id, req.TransactionHash)
	if err != nil {
		sendError(w, "VerifyManually", err)
		return
	}
	sendResponse(w, payment)
}

func (t WebAPI) resetPayment(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	t.api.Reset(id)
	sendResponse(w, map[string]string{"id": string(id), "status": "reset"})
}

// paymentEvents streams the current payment, then every reconciled
// transition, until the payment closes or the client goes away.
func (t WebAPI) paymentEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendErrorResponse(w, http.StatusInternalServerError, pay.UnknownError, "streaming unsupported")
		return
	}

	feed := newEventFeed(eventBufferSize)
	stop, err := t.api.Observe(r.Context(), id, func(tr pay.Transition) {
		if !feed.push(tr) {
			log.Printf("WebAPI: event stream for %s is not keeping up, resending the payment\n", id)
		}
	})
	if err != nil {
		sendError(w, "Observe", err)
		return
	}
	defer stop()

	payment, _ := t.api.Payment(id)
	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sse.Encode(w, sse.Event{Event: "payment", Data: payment})
	flusher.Flush()
	if t.api.Closed(payment.Status) {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	seq := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.shutdown:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case tr := <-feed.events:
			seq++
			sse.Encode(w, sse.Event{Id: strconv.Itoa(seq), Event: "transition", Data: tr})
			flusher.Flush()
			if t.api.Closed(tr.To) {
				return
			}
		case <-feed.lagged:
			// transitions were dropped; the snapshot supersedes the backlog
			feed.discard()
			payment, _ := t.api.Payment(id)
			sse.Encode(w, sse.Event{Event: "payment", Data: payment})
			flusher.Flush()
			if t.api.Closed(payment.Status) {
				return
			}
		}
	}
}

// eventBufferSize is how many transitions an SSE client may fall behind.
var eventBufferSize = 64

// eventFeed hands transitions from a tracker listener to one SSE client.
type eventFeed struct {
	events chan pay.Transition
	lagged chan struct{}
}

func newEventFeed(size int) *eventFeed {
	return &eventFeed{
		events: make(chan pay.Transition, size),
		lagged: make(chan struct{}, 1),
	}
}

// push never blocks. It reports false when tr was dropped and the client
// has been flagged to resync.
func (f *eventFeed) push(tr pay.Transition) bool {
	select {
	case f.events <- tr:
		return true
	default:
	}
	select {
	case f.lagged <- struct{}{}:
	default:
	}
	return false
}

func (f *eventFeed) discard() {
	for {
		select {
		case <-f.events:
		default:
			return
		}
	}
}

func (t WebAPI) paymentHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	history, err := t.api.History(id)
	if err != nil {
		sendError(w, "History", err)
		return
	}
	if history == nil {
		history = []pay.JournalEntry{}
	}
	sendResponse(w, history)
}

func (t WebAPI) paymentQR(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := pay.PaymentID(p.ByName("id"))
	payment, ok := t.api.Payment(id)
	if !ok {
		sendErrorResponse(w, http.StatusNotFound, pay.NotFound, "no such payment")
		return
	}
	content := payment.PaymentURI
	if content == "" {
		content = payment.Address
	}
	if content == "" {
		sendErrorResponse(w, http.StatusNotFound, pay.NotFound, "payment has no address")
		return
	}

	qs := r.URL.Query()
	size := 512
	if s := qs.Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 64 || n > 2048 {
			sendBadRequest(w, "size must be between 64 and 2048")
			return
		}
		size = n
	}
	qr, err := GenerateQRCodePNG(content, size, qs.Get("fg"), qs.Get("bg"))
	if err != nil {
		sendBadRequest(w, fmt.Sprintf("cannot render QR code: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// the address and amount never change for a payment
	w.Header().Set("Cache-Control", "max-age=900, immutable")
	w.Write(qr)
}

func (t WebAPI) currencies(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	sendResponse(w, pay.SupportedCurrencies())
}

func (t WebAPI) getRate(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rate, err := t.api.Rate(r.Context(), p.ByName("currency"))
	if err != nil {
		sendError(w, "Rate", err)
		return
	}
	sendResponse(w, rate)
}

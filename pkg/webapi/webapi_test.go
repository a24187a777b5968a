package webapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/birdhouse-social/birdpay/pkg/backend"
	"github.com/birdhouse-social/birdpay/pkg/backend/backendtest"
	"github.com/birdhouse-social/birdpay/pkg/chain"
	"github.com/birdhouse-social/birdpay/pkg/poller"
	"github.com/birdhouse-social/birdpay/pkg/store"
	"github.com/birdhouse-social/birdpay/pkg/stream"
	"github.com/julienschmidt/httprouter"
)

func TestWebAPI(t *testing.T) {
	mux, srv := newTestRig(t)

	// Create a USDC payment on solana
	var created pay.CreatePaymentResponse
	request(t, mux, "POST", "/payment", `{"amountFiat":"25","currency":"USDC","network":"solana","purpose":"donation"}`, 200, &created)
	p := created.PaymentRequest
	if p.ID == "" || p.Status != pay.StatusPending || p.Network != pay.NetworkSolana {
		t.Fatalf("Create Payment returned %+v", p)
	}

	// Get it back
	var got pay.PaymentRequest
	request(t, mux, "GET", "/payment/"+string(p.ID), "", 200, &got)
	if got.ID != p.ID || !got.AmountCrypto.Equal(p.AmountCrypto) {
		t.Fatalf("Get Payment did not round-trip: %+v vs %+v", got, p)
	}

	// Force a check; nobody is observing, so the handler observes briefly
	srv.OnCheck = func(pr *pay.PaymentRequest) {
		pr.Status = pay.StatusConfirming
		pr.Confirmations = 3
		pr.TxHash = "5xSig"
	}
	request(t, mux, "POST", "/payment/"+string(p.ID)+"/check", "", 200, &got)
	if got.Status != pay.StatusConfirming || got.Confirmations != 3 {
		t.Fatalf("Check Payment returned %+v", got)
	}

	// Verify by hash
	request(t, mux, "POST", "/payment/"+string(p.ID)+"/verify", `{"transactionHash":"5xSig"}`, 200, &got)
	if got.TxHash != "5xSig" {
		t.Fatalf("Verify Payment returned %+v", got)
	}

	// The journal recorded the check
	var history []pay.JournalEntry
	request(t, mux, "GET", "/payment/"+string(p.ID)+"/history", "", 200, &history)
	if len(history) != 1 || history[0].To != pay.StatusConfirming || history[0].Source != pay.SourceForce {
		t.Fatalf("History returned %+v", history)
	}

	// Rates and currencies
	var rate pay.Rate
	request(t, mux, "GET", "/rate/sol", "", 200, &rate)
	if rate.Currency != "SOL" || rate.USDRate.IsZero() {
		t.Fatalf("Rate returned %+v", rate)
	}
	var currencies map[string][]string
	request(t, mux, "GET", "/currencies", "", 200, &currencies)
	if len(currencies["USDT"]) != 3 {
		t.Fatalf("Currencies returned %v", currencies)
	}

	// Reset forgets the payment
	request(t, mux, "DELETE", "/payment/"+string(p.ID), "", 200, nil)
	request(t, mux, "GET", "/payment/"+string(p.ID), "", 404, nil)
}

func TestWebAPIErrors(t *testing.T) {
	mux, srv := newTestRig(t)

	var res struct {
		Error struct {
			Code    pay.ErrorCode `json:"code"`
			Message string        `json:"message"`
		} `json:"error"`
	}
	request(t, mux, "POST", "/payment", `{"amountFiat":"25","currency":"BTC","network":"solana","purpose":"tip"}`, 422, &res)
	if res.Error.Code != pay.InvalidCurrencyNetwork {
		t.Fatalf("expected invalid-currency-network, got %+v", res.Error)
	}
	request(t, mux, "POST", "/payment", `{"amountFiat":"0.25","currency":"BTC","network":"bitcoin","purpose":"tip"}`, 422, &res)
	if res.Error.Code != pay.AmountTooLow {
		t.Fatalf("expected amount-too-low, got %+v", res.Error)
	}
	request(t, mux, "POST", "/payment", `{not json`, 400, nil)
	if srv.Creates.Load() != 0 {
		t.Fatalf("invalid requests reached the backend")
	}

	request(t, mux, "GET", "/rate/XRP", "", 422, nil)
	request(t, mux, "GET", "/payment/pay_nope", "", 404, nil)
	request(t, mux, "POST", "/payment/pay_nope/check", "", 404, nil)
	request(t, mux, "POST", "/payment/pay_nope/verify", `{"transactionHash":""}`, 400, nil)

	srv.Token = "secret"
	request(t, mux, "POST", "/payment", `{"amountFiat":"5","currency":"BTC","network":"bitcoin","purpose":"tip"}`, 401, nil)
}

func TestPaymentQR(t *testing.T) {
	mux, _ := newTestRig(t)
	var created pay.CreatePaymentResponse
	request(t, mux, "POST", "/payment", `{"amountFiat":"10","currency":"DOGE","network":"dogecoin","purpose":"tip"}`, 200, &created)

	req := httptest.NewRequest("GET", "/payment/"+string(created.PaymentRequest.ID)+"/qr.png?size=256&fg=123&bg=fafafa", nil)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	if res.Code != 200 || res.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("QR request failed: %v %s", res.Code, res.Body)
	}
	img, err := png.Decode(bytes.NewReader(res.Body.Bytes()))
	if err != nil {
		t.Fatalf("QR is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 256 {
		t.Fatalf("QR is %dpx wide, want 256", img.Bounds().Dx())
	}

	request(t, mux, "GET", "/payment/"+string(created.PaymentRequest.ID)+"/qr.png?size=5", "", 400, nil)
	request(t, mux, "GET", "/payment/"+string(created.PaymentRequest.ID)+"/qr.png?fg=zzz", "", 400, nil)
}

func TestPaymentEvents(t *testing.T) {
	mux, srv := newTestRig(t)
	var created pay.CreatePaymentResponse
	request(t, mux, "POST", "/payment", `{"amountFiat":"25","currency":"ETH","network":"ethereum","purpose":"donation"}`, 200, &created)
	id := created.PaymentRequest.ID

	web := httptest.NewServer(mux)
	defer web.Close()
	resp, err := http.Get(web.URL + "/payment/" + string(id) + "/events")
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	events := sseEvents(resp.Body)
	nextEvent := func() (string, string) {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event stream ended")
			}
			return e[0], e[1]
		case <-time.After(5 * time.Second):
			t.Fatalf("no event arrived")
		}
		return "", ""
	}

	name, data := nextEvent()
	var snap pay.PaymentRequest
	if name != "payment" || json.Unmarshal([]byte(data), &snap) != nil || snap.ID != id {
		t.Fatalf("first event was %s %s", name, data)
	}

	// wait for the backend event stream before advancing
	deadline := time.Now().Add(5 * time.Second)
	for srv.Streams(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("backend stream never opened")
		}
		time.Sleep(time.Millisecond)
	}

	srv.Advance(id, pay.StatusConfirming, 2, "0xabc")
	srv.Advance(id, pay.StatusCompleted, 12, "")
	for _, want := range []pay.Status{pay.StatusConfirming, pay.StatusCompleted} {
		name, data = nextEvent()
		var tr pay.Transition
		if name != "transition" || json.Unmarshal([]byte(data), &tr) != nil || tr.To != want {
			t.Fatalf("expected a transition to %s, got %s %s", want, name, data)
		}
	}
	// the stream ends once the payment is closed
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("unexpected event after completion")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("event stream did not end after completion")
	}
}

func TestHttpStatusForError(t *testing.T) {
	if HttpStatusForError(pay.TransportError) != 502 || HttpStatusForError("nope") != 500 {
		t.Fatalf("unexpected status mapping")
	}
}

// Helpers.

func request(t *testing.T, mux *httprouter.Router, method, path string, body string, status int, out any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	if res.Code != status {
		t.Fatalf("%s %s: expected %d, got %d %s", method, path, status, res.Code, res.Body)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("%s bad json: %v", path, res.Body)
	}
}

func newTestRig(t *testing.T) (*httprouter.Router, *backendtest.Server) {
	srv := backendtest.Start(nil)
	t.Cleanup(srv.Close)

	config := pay.TestConfig()
	config.Backend.BaseURL = srv.URL()
	journal, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("Cannot create in-memory database: %v", err)
	}
	t.Cleanup(journal.Close)
	bus := pay.NewMessageBus()
	b := backend.NewClient(config, nil)
	streams := stream.NewClient(stream.NewSSETransport(config), config, bus, nil)
	api := pay.NewAPI(b, streams, poller.New(b, config, nil), journal, bus, config, pay.WithAddressValidator(chain.ValidateAddress))
	t.Cleanup(api.Close)

	web := NewWebAPI(config, api)
	return web.createRouter(), srv
}

// sseEvents yields {event, data} pairs until the stream ends.
func sseEvents(body io.Reader) chan [2]string {
	events := make(chan [2]string, 16)
	go func() {
		defer close(events)
		var name string
		scan := bufio.NewScanner(body)
		for scan.Scan() {
			line := scan.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				events <- [2]string{name, strings.TrimPrefix(line, "data:")}
			}
		}
	}()
	return events
}

func TestEventFeedOverflow(t *testing.T) {
	feed := newEventFeed(1)
	if !feed.push(pay.Transition{To: pay.StatusConfirming}) {
		t.Fatalf("first transition should fit")
	}
	if feed.push(pay.Transition{To: pay.StatusConfirmed}) || feed.push(pay.Transition{To: pay.StatusCompleted}) {
		t.Fatalf("a full feed accepted a transition")
	}
	if len(feed.lagged) != 1 {
		t.Fatalf("overflow was not flagged")
	}
	feed.discard()
	if len(feed.events) != 0 {
		t.Fatalf("discard left %d transitions", len(feed.events))
	}
}

func TestSlowEventClientStillSeesTheOutcome(t *testing.T) {
	saved := eventBufferSize
	eventBufferSize = 0
	t.Cleanup(func() { eventBufferSize = saved })

	mux, srv := newTestRig(t)
	var created pay.CreatePaymentResponse
	request(t, mux, "POST", "/payment", `{"amountFiat":"25","currency":"ETH","network":"ethereum","purpose":"donation"}`, 200, &created)
	id := created.PaymentRequest.ID

	web := httptest.NewServer(mux)
	defer web.Close()
	resp, err := http.Get(web.URL + "/payment/" + string(id) + "/events")
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	defer resp.Body.Close()
	events := sseEvents(resp.Body)

	deadline := time.Now().Add(5 * time.Second)
	for srv.Streams(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("backend stream never opened")
		}
		time.Sleep(time.Millisecond)
	}
	for n := 1; n <= 5; n++ {
		srv.Advance(id, pay.StatusConfirming, n, "0xabc")
	}
	srv.Advance(id, pay.StatusCompleted, 12, "")

	// whatever was dropped, the last event carries the outcome and the stream ends
	var last pay.Status
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				if last != pay.StatusCompleted {
					t.Fatalf("stream ended at %q, want completed", last)
				}
				return
			}
			switch e[0] {
			case "payment":
				var p pay.PaymentRequest
				if err := json.Unmarshal([]byte(e[1]), &p); err != nil {
					t.Fatalf("bad payment event %s: %v", e[1], err)
				}
				last = p.Status
			case "transition":
				var tr pay.Transition
				if err := json.Unmarshal([]byte(e[1]), &tr); err != nil {
					t.Fatalf("bad transition event %s: %v", e[1], err)
				}
				last = tr.To
			}
		case <-timeout:
			t.Fatalf("event stream did not end, last status %q", last)
		}
	}
}

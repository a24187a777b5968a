package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pay "github.com/birdhouse-social/birdpay/pkg"
)

// interface guard ensures Client implements pay.EventSource
var _ pay.EventSource = &Client{}

// MaxAttempts is how many reconnects a connection makes before giving up.
const MaxAttempts = 5

// ReconnectDelay is the wait before reconnect attempt n (from 0).
func ReconnectDelay(base time.Duration, n int) time.Duration {
	return base * time.Duration(1<<n)
}

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateGaveUp     State = "gave-up"
	StateClosed     State = "closed"
)

/*
 * Client multiplexes payment event streams. Subscribers to the same
 * payment share one connection, which closes when the last of them
 * unsubscribes.
 *
 * When a connection terminates it is reopened after ReconnectDelay(base, n),
 * n counting up from 0 for the life of the connection. Receiving events
 * does not reset n. After maxAttempts reconnects the connection gives up
 * and stays silent until the next Subscribe for that payment.
 */
type Client struct {
	transport   Transport
	clock       clock.Clock
	base        time.Duration
	maxAttempts int
	bus         pay.MessageBus

	mu    sync.Mutex // guards conns and everything inside them
	conns map[pay.PaymentID]*conn
}

type conn struct {
	id       pay.PaymentID
	subs     map[int]func(pay.Observation)
	nextSub  int
	state    State
	attempts int
	cancel   context.CancelFunc
}

func NewClient(transport Transport, config pay.Config, bus pay.MessageBus, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	attempts := config.Stream.MaxAttempts
	if attempts <= 0 {
		attempts = MaxAttempts
	}
	return &Client{
		transport:   transport,
		clock:       clk,
		base:        config.StreamBaseDelay(),
		maxAttempts: attempts,
		bus:         bus,
		conns:       map[pay.PaymentID]*conn{},
	}
}

// Subscribe delivers every parsed status event for id to onEvent.
// The returned unsubscribe never blocks.
func (c *Client) Subscribe(id pay.PaymentID, onEvent func(pay.Observation)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cn, ok := c.conns[id]
	if !ok {
		cn = &conn{id: id, subs: map[int]func(pay.Observation){}}
		c.conns[id] = cn
		c.launch(cn)
	} else if cn.state == StateGaveUp {
		log.Printf("StreamClient: %s resubscribed after giving up, reconnecting\n", id)
		cn.attempts = 0
		c.launch(cn)
	}
	sub := cn.nextSub
	cn.nextSub++
	cn.subs[sub] = onEvent

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(cn.subs, sub)
			if len(cn.subs) > 0 {
				return
			}
			cn.cancel()
			cn.state = StateClosed
			if c.conns[id] == cn {
				delete(c.conns, id)
			}
		})
	}
}

// State of the connection for id; closed if there is none.
func (c *Client) State(id pay.PaymentID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cn, ok := c.conns[id]; ok {
		return cn.state
	}
	return StateClosed
}

// Subscribers counts the subscribers sharing the connection for id.
func (c *Client) Subscribers(id pay.PaymentID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cn, ok := c.conns[id]; ok {
		return len(cn.subs)
	}
	return 0
}

// launch starts the connection goroutine; c.mu must be held.
func (c *Client) launch(cn *conn) {
	if cn.cancel != nil {
		cn.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cn.cancel = cancel
	cn.state = StateConnecting
	go c.run(ctx, cn)
}

func (c *Client) run(ctx context.Context, cn *conn) {
	for {
		feed, err := c.transport.Open(ctx, cn.id)
		if err == nil {
			if !c.setState(ctx, cn, StateOpen) {
				feed.Close()
				return
			}
			err = c.pump(ctx, cn, feed)
			feed.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("StreamClient: %s terminated: %v\n", cn.id, err)
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		if cn.attempts >= c.maxAttempts {
			cn.state = StateGaveUp
			c.mu.Unlock()
			log.Printf("StreamClient: %s gave up after %d reconnects\n", cn.id, c.maxAttempts)
			c.bus.Send(pay.SYS_ERR, fmt.Sprintf("event stream for %s gave up after %d reconnects", cn.id, c.maxAttempts))
			return
		}
		delay := ReconnectDelay(c.base, cn.attempts)
		cn.attempts++
		cn.state = StateBackoff
		c.mu.Unlock()

		t := c.clock.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !c.setState(ctx, cn, StateConnecting) {
			return
		}
	}
}

// setState returns false once the connection has been cancelled.
func (c *Client) setState(ctx context.Context, cn *conn, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	cn.state = s
	return true
}

func (c *Client) pump(ctx context.Context, cn *conn, feed Feed) error {
	for {
		raw, err := feed.Next()
		if err != nil {
			return err
		}
		e, err := ParseEvent(raw)
		if err != nil {
			log.Printf("StreamClient: %s skipping unparseable event: %v\n", cn.id, err)
			continue
		}
		if !e.IsStatus() {
			continue
		}
		if e.PaymentID != "" && e.PaymentID != cn.id {
			continue
		}
		c.dispatch(ctx, cn, e.Observation(c.clock.Now()))
	}
}

func (c *Client) dispatch(ctx context.Context, cn *conn, obs pay.Observation) {
	c.mu.Lock()
	ids := make([]int, 0, len(cn.subs))
	for id := range cn.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		fn := cn.subs[id]
		c.mu.Unlock()
		if fn == nil || ctx.Err() != nil {
			continue
		}
		fn(obs)
	}
}

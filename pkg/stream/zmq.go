package stream

import (
	"context"
	"syscall"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/pebbe/zmq4"
)

// ZMQTransport subscribes to a ZeroMQ PUB socket where the backend
// publishes [paymentID, json] multipart messages.
// CAUTION: the protocol is not authenticated; events are only hints and
// the reconciler treats them like any other observation.
type ZMQTransport struct {
	Address      string
	PollInterval time.Duration // receive timeout, so Next notices cancellation
}

func NewZMQTransport(config pay.Config) *ZMQTransport {
	return &ZMQTransport{Address: config.Stream.ZMQAddress, PollInterval: 2 * time.Second}
}

func (t *ZMQTransport) Open(ctx context.Context, id pay.PaymentID) (Feed, error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, pay.NewErr(pay.TransportError, "zmq socket: %v", err)
	}
	sock.SetRcvtimeo(t.PollInterval)
	if err := sock.Connect(t.Address); err != nil {
		sock.Close()
		return nil, pay.NewErr(pay.TransportError, "zmq connect %s: %v", t.Address, err)
	}
	if err := sock.SetSubscribe(string(id)); err != nil {
		sock.Close()
		return nil, pay.NewErr(pay.TransportError, "zmq subscribe %s: %v", id, err)
	}
	return &zmqFeed{ctx: ctx, sock: sock, topic: string(id)}, nil
}

// zmqFeed is used from a single goroutine; zmq sockets are not thread safe.
type zmqFeed struct {
	ctx   context.Context
	sock  *zmq4.Socket
	topic string
}

func (f *zmqFeed) Next() ([]byte, error) {
	for {
		if err := f.ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := f.sock.RecvMessageBytes(0)
		if err != nil {
			if errno, ok := err.(zmq4.Errno); ok {
				if errno == zmq4.Errno(syscall.ETIMEDOUT) || errno == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
			}
			return nil, pay.NewErr(pay.TransportError, "zmq recv: %v", err)
		}
		// subscriptions are prefix matches, so "pay_1" also sees "pay_10"
		if len(msg) < 2 || string(msg[0]) != f.topic {
			continue
		}
		return msg[1], nil
	}
}

func (f *zmqFeed) Close() error {
	return f.sock.Close()
}

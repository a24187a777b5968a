package stream

import (
	"context"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

// Transport opens the live event feed for one payment.
type Transport interface {
	Open(ctx context.Context, id pay.PaymentID) (Feed, error)
}

// Feed yields raw event payloads, one discrete message per call. Next
// returns an error (io.EOF on a clean close) once the feed has terminated;
// cancelling the context passed to Open unblocks it.
type Feed interface {
	Next() ([]byte, error)
	Close() error
}

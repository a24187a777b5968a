package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/r3labs/sse/v2"
)

// DefaultMaxEventSize caps one event, data and fields together.
const DefaultMaxEventSize = 64 * 1024

// SSETransport reads text/event-stream from {BaseURL}/payments/{id}/events.
// Reconnecting is left to Client; the transport only frames one response.
type SSETransport struct {
	BaseURL      string
	AuthToken    string
	HTTP         *http.Client // no Timeout: the response body lives as long as the feed
	MaxEventSize int
}

func NewSSETransport(config pay.Config) *SSETransport {
	return &SSETransport{
		BaseURL:      strings.TrimRight(config.Backend.BaseURL, "/"),
		AuthToken:    config.Backend.AuthToken,
		HTTP:         &http.Client{},
		MaxEventSize: DefaultMaxEventSize,
	}
}

func (t *SSETransport) Open(ctx context.Context, id pay.PaymentID) (Feed, error) {
	u := fmt.Sprintf("%s/payments/%s/events", t.BaseURL, url.PathEscape(string(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, pay.NewErr(pay.TransportError, "event stream connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, pay.NewErr(pay.TransportError, "event stream connect: HTTP %d", resp.StatusCode)
	}
	limit := t.MaxEventSize
	if limit <= 0 {
		limit = DefaultMaxEventSize
	}
	return &sseFeed{body: resp.Body, r: sse.NewEventStreamReader(resp.Body, limit)}, nil
}

type sseFeed struct {
	body io.ReadCloser
	r    *sse.EventStreamReader
}

// Next returns the data of the next event that has any. Multiple data
// lines are joined with "\n"; comments, event, id and retry fields are
// dropped. An event larger than MaxEventSize ends the feed with
// bufio.ErrTooLong.
func (f *sseFeed) Next() ([]byte, error) {
	for {
		raw, err := f.r.ReadEvent()
		if err != nil {
			return nil, err
		}
		if data := eventData(raw); data != nil {
			return data, nil
		}
	}
}

func eventData(raw []byte) []byte {
	var data [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		data = append(data, bytes.TrimPrefix(value, []byte(" ")))
	}
	if data == nil {
		return nil
	}
	// Join copies; raw is only valid until the next ReadEvent
	return bytes.Join(data, []byte("\n"))
}

func (f *sseFeed) Close() error {
	return f.body.Close()
}

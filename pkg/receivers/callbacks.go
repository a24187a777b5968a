package receivers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/tjstebbing/conductor"
)

const (
	SignatureHeader = "X-Birdpay-Signature"
	TimestampHeader = "X-Birdpay-Timestamp"
)

func NewCallbackSender(config pay.CallbackConfig, bus pay.MessageBus) CallbackSender {
	return CallbackSender{
		Rec:          make(chan pay.Message, 1000),
		Path:         config.Path,
		HMACSecret:   config.HMACSecret,
		Bus:          bus,
		MaxRetries:   6,
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
	}
}

// CallbackSender POSTs bus messages to an HTTP endpoint, signed with
// HMAC-SHA256 when a secret is configured, retrying with capped
// exponential backoff.
type CallbackSender struct {
	// incomming msgs
	Rec        chan pay.Message
	Path       string
	HMACSecret string
	Bus        pay.MessageBus

	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Implements pay.MessageSubscriber
func (s CallbackSender) GetChan() chan pay.Message {
	return s.Rec
}

// Implements conductor.Service
func (s CallbackSender) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				close(stopped)
				return
			case msg := <-s.Rec:
				err := postWithRetry(s, msg)
				if err != nil {
					s.Bus.Send(pay.SYS_ERR, fmt.Sprintf("CallbackSender: %s: %v", msg.ID, err))
				}
			}
		}
	}()
	return nil
}

// Reads config and sets up any configured callbacks
func SetupCallbacks(cond *conductor.Conductor, bus pay.MessageBus, conf pay.Config) {
	for name, c := range conf.Callbacks {
		s := NewCallbackSender(c, bus)
		cond.Service(fmt.Sprintf("Callback sender for: %s", c.Path), s)
		bus.Register(s, eventTypes("Callback", name, c.Types)...)
	}
}

func generateSha256HMAC(timestamp string, payload []byte, secret string) string {
	if secret == "" {
		return ""
	}

	dataToSign := []byte(fmt.Sprintf("%s.%s", timestamp, string(payload)))
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(dataToSign)

	return hex.EncodeToString(h.Sum(nil))
}

// postWithRetry serialises msg and delivers it in the background.
// Only failures to build the request are returned.
func postWithRetry(sender CallbackSender, msg pay.Message) error {
	path := sender.Path
	bus := sender.Bus

	objJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message to JSON: %w", err)
	}
	if _, err := http.NewRequest(http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}

	go func() {
		retryCount := 0
		delay := sender.InitialDelay

		for retryCount <= sender.MaxRetries {
			req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader(objJSON))
			req.Header.Set("Content-Type", "application/json")
			if sender.HMACSecret != "" {
				timestampStr := fmt.Sprintf("%d", time.Now().Unix())
				signature := generateSha256HMAC(timestampStr, objJSON, sender.HMACSecret)
				req.Header.Set(SignatureHeader, fmt.Sprintf("sha256=%s", signature))
				req.Header.Set(TimestampHeader, timestampStr)
			}

			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					bus.Send(pay.SYS_MSG, fmt.Sprintf("CallbackSender: delivered %s to %s", msg.ID, path))
					return
				}
				err = fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			bus.Send(pay.SYS_MSG, fmt.Sprintf("CallbackSender: Request failed (attempt %d/%d). Retrying in %v. Error: %v", retryCount+1, sender.MaxRetries+1, delay, err))
			time.Sleep(delay)

			// Increase delay exponentially, with a maximum limit
			delay *= 2
			if delay > sender.MaxDelay {
				delay = sender.MaxDelay
			}

			retryCount++
		}

		bus.Send(pay.SYS_ERR, fmt.Sprintf("CallbackSender: Request failed after maximum retries. Aborting: %s", path))
	}()

	return nil
}

package receivers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusMessage(t *testing.T) pay.Message {
	body, err := json.Marshal(pay.Transition{From: pay.StatusPending, To: pay.StatusConfirming, Confirmations: 1, StatusChanged: true})
	require.NoError(t, err)
	return pay.Message{EventType: pay.PAY_STATUS, Message: body, ID: "msg-1"}
}

func runService(t *testing.T, run func(started, stopped chan bool, stop chan context.Context) error) {
	started := make(chan bool, 1)
	stopped := make(chan bool)
	stop := make(chan context.Context, 1)
	require.NoError(t, run(started, stopped, stop))
	<-started
	t.Cleanup(func() {
		stop <- context.Background()
		<-stopped
	})
}

func TestCallbackIsSigned(t *testing.T) {
	var mu sync.Mutex
	var body []byte
	var sig, ts string
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		sig, ts = r.Header.Get(SignatureHeader), r.Header.Get(TimestampHeader)
		mu.Unlock()
	}))
	defer srv.Close()

	s := NewCallbackSender(pay.CallbackConfig{Path: srv.URL, HMACSecret: "s3cret"}, pay.NewMessageBus())
	s.InitialDelay = time.Millisecond
	runService(t, s.Run)

	s.GetChan() <- statusMessage(t)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sha256="+generateSha256HMAC(ts, body, "s3cret"), sig)
	var got struct {
		Type  string `json:"type"`
		Event string `json:"event"`
		ID    string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "PAY", got.Type)
	assert.Equal(t, "STATUS", got.Event)
	assert.Equal(t, "msg-1", got.ID)
}

func TestCallbackGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewCallbackSender(pay.CallbackConfig{Path: srv.URL}, pay.NewMessageBus())
	s.MaxRetries = 2
	s.InitialDelay = time.Millisecond
	s.MaxDelay = 2 * time.Millisecond
	require.NoError(t, postWithRetry(s, statusMessage(t)))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateSha256HMAC(t *testing.T) {
	assert.Equal(t, "", generateSha256HMAC("1", []byte("x"), ""))
	a := generateSha256HMAC("1700000000", []byte(`{"a":1}`), "k")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, generateSha256HMAC("1700000001", []byte(`{"a":1}`), "k"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMessageLogger(t *testing.T) {
	out := &syncBuffer{}
	l := newMessageLogger(out)
	runService(t, l.Run)

	l.GetChan() <- statusMessage(t)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "PAY:STATUS (msg-1)") }, 5*time.Second, time.Millisecond)
	assert.Contains(t, out.String(), `"to":"confirming"`)
}

func TestTopicsFor(t *testing.T) {
	queues := map[string]pay.MQTTQueueConfig{
		"payments": {TopicFilter: "birdpay/payments", Types: []string{"PAY"}},
		"all":      {TopicFilter: "birdpay/all", Types: []string{"ALL"}},
		"system":   {TopicFilter: "birdpay/sys", Types: []string{"SYS"}},
	}
	assert.ElementsMatch(t, []string{"birdpay/payments", "birdpay/all"}, topicsFor(queues, pay.PAY_STATUS))
	assert.Empty(t, topicsFor(queues, pay.SYS_ERR))
}

func TestEventTypes(t *testing.T) {
	types := eventTypes("Logger", "test", []string{"PAY", "BOGUS", "SYS"})
	require.Len(t, types, 2)
	assert.Equal(t, "PAY", types[0].Type())
	assert.Equal(t, "SYS", types[1].Type())
}

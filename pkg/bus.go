package pay

/*
The message subsystem gives integrations event-based access to payment
progress: every Transition the reconciler accepts is published once, along
with system events (stream give-ups, callback failures).

A MessageBus is created once and passed around; it has an internal
goroutine and a 'Send' method.

Outbound destinations are created from config: rotating log files, HTTP
callbacks and MQTT. These are MessageSubscribers, registered with the bus
along with the EventTypes they want.
*/

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
)

// MessageSubscribers are things that subscribe to the bus and handle
// messages, ie: MQTT, http callbacks, loggers.
type MessageSubscriber interface {
	GetChan() chan Message
}

// Created by the bus, wraps message sent with Send
type Message struct {
	EventType EventType
	Message   []byte
	ID        string // optional
}

// MarshalJSON flattens EventType so subscribers see "PAY:STATUS".
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		ID      string          `json:"id"`
		Message json.RawMessage `json:"message"`
	}{m.EventType.Type(), eventName(m.EventType), m.ID, m.Message})
}

type Subscription struct {
	dest  MessageSubscriber
	types []EventType
}

func (s *Subscription) wants(t EventType) bool {
	for _, x := range s.types {
		if x.Type() == "ALL" || x.Type() == t.Type() {
			return true
		}
	}
	return false
}

func NewMessageBus() MessageBus {
	return MessageBus{
		register:  make(chan *Subscription, 10),
		receivers: make(map[*Subscription]bool),
		inbound:   make(chan Message, 1000),
	}
}

type MessageBus struct {
	// Registered MessageSubscribers, owned by the Run goroutine.
	receivers map[*Subscription]bool

	// Register requests for MessageSubscribers.
	register chan *Subscription

	// Messages from Send(), destined for MessageSubscribers
	inbound chan Message
}

// Send a message to the bus with a specific EventType.
// msg can be anything JSON serialisable. Send never blocks: when the bus
// is saturated the message is dropped and logged.
func (b MessageBus) Send(t EventType, msg any, msgID ...string) error {
	j, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if len(msgID) > 0 {
		id = msgID[0]
	}
	select {
	case b.inbound <- Message{t, j, id}:
	default:
		log.Printf("MessageBus: inbound full, dropping %s:%s (%s)\n", t.Type(), eventName(t), id)
	}
	return nil
}

func (b MessageBus) Register(m MessageSubscriber, types ...EventType) {
	b.register <- &Subscription{m, types}
}

// Implements conductor Service
func (b MessageBus) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			case <-stop:
				// do some shutdown stuff then signal we're done
				close(stopped)
				return
			case sub := <-b.register:
				b.receivers[sub] = true
			case message := <-b.inbound:
				for sub := range b.receivers {
					if !sub.wants(message.EventType) {
						continue
					}
					select {
					case sub.dest.GetChan() <- message:
					default:
						// if we are unable to send, cancel the sub
						log.Printf("MessageBus: receiver failed to handle %s, unregistering\n", message.ID)
						delete(b.receivers, sub)
					}
				}
			}
		}
	}()
	return nil
}

func eventName(t EventType) string {
	switch e := t.(type) {
	case EVENT_SYS:
		return string(e)
	case EVENT_PAY:
		return string(e)
	case EVENT_ALL:
		return string(e)
	}
	return ""
}

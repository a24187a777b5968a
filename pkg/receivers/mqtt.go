package receivers

import (
	"context"
	"encoding/json"
	"fmt"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/tjstebbing/conductor"
	"github.com/yosssi/gmq/mqtt"
	"github.com/yosssi/gmq/mqtt/client"
)

func NewMQTTSender(config pay.MQTTConfig, bus pay.MessageBus) MQTTSender {
	return MQTTSender{
		make(chan pay.Message, 1000),
		config,
		bus,
	}
}

// MQTTSender publishes payment events to topics on an MQTT broker.
type MQTTSender struct {
	// incomming msgs
	Rec    chan pay.Message
	Config pay.MQTTConfig
	Bus    pay.MessageBus
}

// Implements pay.MessageSubscriber
func (s MQTTSender) GetChan() chan pay.Message {
	return s.Rec
}

// Implements conductor.Service
func (s MQTTSender) Run(started, stopped chan bool, stop chan context.Context) error {
	cli := client.New(&client.Options{
		ErrorHandler: func(err error) {
			s.Bus.Send(pay.SYS_ERR, fmt.Sprintf("MQTTSender: %s", err))
		},
	})

	// connect to MQTT broker
	err := cli.Connect(&client.ConnectOptions{
		Network:  "tcp",
		Address:  s.Config.Address,
		ClientID: []byte(s.Config.ClientID),
		UserName: []byte(s.Config.Username),
		Password: []byte(s.Config.Password),
	})
	if err != nil {
		return fmt.Errorf("MQTTSender connection failure: %w", err)
	}

	go func() {
		// Successfully started up
		started <- true

		for {
			select {
			// handle stopping the service
			case <-stop:
				cli.Disconnect()
				cli.Terminate()
				close(stopped)
				return
			case msg := <-s.Rec:
				jsonMsg, err := json.Marshal(msg)
				if err != nil {
					s.Bus.Send(pay.SYS_ERR, fmt.Sprintf("MQTTSender failed to marshall msg: %s", msg.ID))
					continue
				}
				for _, topic := range topicsFor(s.Config.Queues, msg.EventType) {
					err = cli.Publish(&client.PublishOptions{
						QoS:       mqtt.QoS0,
						TopicName: []byte(topic),
						Message:   jsonMsg,
					})
					if err != nil {
						s.Bus.Send(pay.SYS_ERR, fmt.Sprintf("MQTTSender: publish %s to %s: %v", msg.ID, topic, err))
					}
				}
			}
		}
	}()
	return nil
}

// topicsFor returns the topics a message of type t is published to.
// SYS messages are never published, so a failing broker cannot feed
// its own errors back to itself.
func topicsFor(queues map[string]pay.MQTTQueueConfig, t pay.EventType) []string {
	if t.Type() == "SYS" {
		return nil
	}
	var topics []string
	for _, queue := range queues {
		for _, name := range queue.Types {
			if name == "ALL" || name == t.Type() {
				topics = append(topics, queue.TopicFilter)
				break
			}
		}
	}
	return topics
}

func SetupMQTTs(cond *conductor.Conductor, bus pay.MessageBus, conf pay.Config) {
	if conf.MQTT.Address != "" {
		s := NewMQTTSender(conf.MQTT, bus)
		cond.Service("MQTT sender", s)
		// Sub to 'ALL' because we're filtering on our side
		bus.Register(s, pay.EVENT_ALL("ALL"))
	}
}

package main

import (
	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/birdhouse-social/birdpay/pkg/backend"
	"github.com/birdhouse-social/birdpay/pkg/chain"
	"github.com/birdhouse-social/birdpay/pkg/poller"
	"github.com/birdhouse-social/birdpay/pkg/receivers"
	"github.com/birdhouse-social/birdpay/pkg/store"
	"github.com/birdhouse-social/birdpay/pkg/stream"
	"github.com/birdhouse-social/birdpay/pkg/webapi"
	"github.com/tjstebbing/conductor"
)

func Server(conf pay.Config) {

	c := conductor.NewConductor(
		conductor.HookSignals(),
		conductor.Noisy(),
	)

	// Start the MessageBus Service
	bus := pay.NewMessageBus()
	c.Service("MessageBus", bus)

	// Set up all configured receivers
	receivers.SetUpReceivers(c, bus, conf)

	// Setup a transition journal, if configured
	journal, err := store.Open(conf)
	if err != nil {
		panic(err)
	}
	if journal != nil {
		defer journal.Close()
	}

	api := NewPaymentAPI(conf, bus, journal)

	// Start the Payment API
	c.Service("Payment API", webapi.NewWebAPI(conf, api))

	<-c.Start()
}

// NewPaymentAPI wires the backend client, event stream and poller.
func NewPaymentAPI(conf pay.Config, bus pay.MessageBus, journal pay.Store) *pay.API {
	client := backend.NewClient(conf, nil)

	var streams pay.EventSource
	if !conf.Stream.PollOnly {
		var transport stream.Transport
		switch conf.Stream.Transport {
		case "zmq":
			transport = stream.NewZMQTransport(conf)
		default:
			transport = stream.NewSSETransport(conf)
		}
		streams = stream.NewClient(transport, conf, bus, nil)
	}

	return pay.NewAPI(client, streams, poller.New(client, conf, nil), journal, bus, conf,
		pay.WithAddressValidator(chain.ValidateAddress))
}

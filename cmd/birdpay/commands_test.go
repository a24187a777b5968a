package main

import (
	"testing"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

func TestAPIURL(t *testing.T) {
	conf := pay.TestConfig()
	u, err := apiURL(conf, SubCommandArgs{}, "/payment/pay_1/check")
	if err != nil || u != "http://localhost:8085/payment/pay_1/check" {
		t.Fatalf("apiURL from config: %q %v", u, err)
	}
	u, err = apiURL(conf, SubCommandArgs{RemoteServer: "https://pay.example.com/birdpay/"}, "/rate/BTC")
	if err != nil || u != "https://pay.example.com/birdpay/rate/BTC" {
		t.Fatalf("apiURL from --remote: %q %v", u, err)
	}
}

func TestNewPaymentAPIPollOnly(t *testing.T) {
	conf := pay.TestConfig()
	conf.Stream.PollOnly = true
	api := NewPaymentAPI(conf, pay.NewMessageBus(), nil)
	defer api.Close()
	if api.Streams != nil {
		t.Fatalf("poll-only API has an event stream")
	}

	conf.Stream.PollOnly = false
	conf.Stream.Transport = "zmq"
	api = NewPaymentAPI(conf, pay.NewMessageBus(), nil)
	defer api.Close()
	if api.Streams == nil {
		t.Fatalf("expected an event stream")
	}
}

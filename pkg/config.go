package pay

import (
	"time"

	"github.com/jinzhu/configor"
	"github.com/shopspring/decimal"
)

type Config struct {
	Backend BackendConfig
	Stream  StreamConfig
	Poller  PollerConfig

	Payments struct {
		// smallest fiat amount accepted for a new payment
		MinimumFiat string `default:"1.00"`
		// close payments at confirmed rather than waiting for completed
		ConfirmedIsFinal bool
	}

	WebAPI struct {
		Bind          string `default:"localhost"`
		Port          string `default:"8085"`
		PubAPIRootURL string `default:"http://localhost:8085"`
	}

	Store struct {
		// sqlite file, ":memory:" or a postgres:// URL; empty disables the journal
		DBFile string
	}

	Log struct {
		// optional rotating log file for the process log
		Path string
	}

	Loggers   map[string]LoggerConfig
	Callbacks map[string]CallbackConfig
	MQTT      MQTTConfig
}

type BackendConfig struct {
	BaseURL    string `default:"http://localhost:8080/api"`
	AuthToken  string `env:"BIRDPAY_AUTH_TOKEN"`
	TimeoutSec int    `default:"15"`
}

type StreamConfig struct {
	PollOnly    bool   // no event stream, poller only
	Transport   string `default:"sse"` // sse | zmq
	ZMQAddress  string `default:"tcp://localhost:28332"`
	BaseDelayMS int    `default:"1000"`
	MaxAttempts int    `default:"5"`
}

type PollerConfig struct {
	PendingSec      int `default:"10"`
	ConfirmingSec   int `default:"15"`
	ConfirmedSec    int `default:"5"`
	FetchTimeoutSec int `default:"10"`
}

type LoggerConfig struct {
	Path  string
	Types []string
}

type CallbackConfig struct {
	Path       string
	HMACSecret string
	Types      []string
}

type MQTTConfig struct {
	Address  string
	ClientID string
	Username string
	Password string
	Queues   map[string]MQTTQueueConfig
}

type MQTTQueueConfig struct {
	TopicFilter string
	Types       []string
}

// LoadConfig applies defaults, then any config files, then BIRDPAY_ env vars.
func LoadConfig(paths ...string) (Config, error) {
	c := Config{}
	err := configor.New(&configor.Config{ENVPrefix: "BIRDPAY"}).Load(&c, paths...)
	return c, err
}

// Defaults fills any zero-valued field that has a default.
func (c *Config) Defaults() error {
	return configor.New(&configor.Config{ENVPrefix: "BIRDPAY"}).Load(c)
}

func (c Config) MinimumFiat() Money {
	m, err := decimal.NewFromString(c.Payments.MinimumFiat)
	if err != nil {
		return DefaultMinimumFiat
	}
	return m
}

func (c Config) Rules() Rules {
	return Rules{ConfirmedIsFinal: c.Payments.ConfirmedIsFinal}
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

func (c Config) StreamBaseDelay() time.Duration {
	return time.Duration(c.Stream.BaseDelayMS) * time.Millisecond
}

func TestConfig() Config {
	c := Config{}
	c.Backend.BaseURL = "http://localhost:8080/api"
	c.Backend.TimeoutSec = 5
	c.Stream.Transport = "sse"
	c.Stream.BaseDelayMS = 10
	c.Stream.MaxAttempts = 5
	c.Poller.PendingSec = 10
	c.Poller.ConfirmingSec = 15
	c.Poller.ConfirmedSec = 5
	c.Poller.FetchTimeoutSec = 5
	c.Payments.MinimumFiat = "1.00"
	c.WebAPI.Bind = "localhost"
	c.WebAPI.Port = "8085"
	c.WebAPI.PubAPIRootURL = "http://localhost:8085"
	c.Store.DBFile = ":memory:"
	return c
}

package receivers

import (
	"context"
	"fmt"
	"io"
	"log"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/tjstebbing/conductor"
	"gopkg.in/natefinch/lumberjack.v2"
)

type MessageLogger struct {
	// MessageLogger receives pay.Message via Rec
	Rec chan pay.Message
	// and logs them via Log
	Log *log.Logger
}

// Implements pay.MessageSubscriber
func (l MessageLogger) GetChan() chan pay.Message {
	return l.Rec
}

// Implements conductor.Service
func (l MessageLogger) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				close(stopped)
				return
			case msg := <-l.Rec:
				l.Log.Printf("%s:%s (%s): %s\n",
					msg.EventType.Type(),
					msg.EventType,
					msg.ID,
					msg.Message)
			}
		}
	}()
	return nil
}

// NewMessageLogger writes to a rotating, compressed log file at path.
func NewMessageLogger(path string) MessageLogger {
	return newMessageLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		Compress:   true,
	})
}

func newMessageLogger(w io.Writer) MessageLogger {
	return MessageLogger{
		make(chan pay.Message, 1000),
		log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// Reads config and sets up any configured loggers
func SetupLoggers(cond *conductor.Conductor, bus pay.MessageBus, conf pay.Config) {
	for name, c := range conf.Loggers {
		l := NewMessageLogger(c.Path)
		cond.Service(fmt.Sprintf("Logger %s", c.Path), l)
		bus.Register(l, eventTypes("Logger", name, c.Types)...)
	}
}

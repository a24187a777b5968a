package receivers

import (
	"fmt"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/tjstebbing/conductor"
)

// SetUpReceivers registers every configured outbound destination with the
// bus and the conductor.
func SetUpReceivers(cond *conductor.Conductor, bus pay.MessageBus, conf pay.Config) {
	// Set up configured loggers
	SetupLoggers(cond, bus, conf)

	// Set up configured Callbacks
	SetupCallbacks(cond, bus, conf)

	// and an MQTT broker, if any
	SetupMQTTs(cond, bus, conf)
}

func eventTypes(kind, name string, names []string) []pay.EventType {
	types, unknown := pay.EventTypesFromNames(names)
	for _, t := range unknown {
		fmt.Printf("⚠️  %s %s: ignoring invalid message type: %s\n", kind, name, t)
	}
	return types
}

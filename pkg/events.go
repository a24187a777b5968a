package pay

// birdpay event types

// bus.Send(PAY_STATUS, transition)
// bus.Send(SYS_ERR, "stream gave up")

// Interface for any event
type EventType interface {
	Type() string
}

// slice of all msg types for config funcs lookup
var EVENT_TYPES []EventType = []EventType{EVENT_ALL("ALL"),
	EVENT_SYS("SYS"),
	EVENT_PAY("PAY")}

// Special category, do not use directly, represents *
type EVENT_ALL string

func (e EVENT_ALL) Type() string {
	return "ALL"
}

// System Events
type EVENT_SYS string

func (e EVENT_SYS) Type() string {
	return "SYS"
}

const (
	SYS_STARTUP EVENT_SYS = "STARTUP"
	SYS_ERR     EVENT_SYS = "ERR"
	SYS_MSG     EVENT_SYS = "MSG"
)

// Payment Events
type EVENT_PAY string

func (e EVENT_PAY) Type() string {
	return "PAY"
}

const (
	PAY_CREATED       EVENT_PAY = "CREATED"
	PAY_STATUS        EVENT_PAY = "STATUS"        // status advanced
	PAY_CONFIRMATIONS EVENT_PAY = "CONFIRMATIONS" // same status, more confirmations
	PAY_VERIFY        EVENT_PAY = "VERIFY"        // manual verification requested
)

// EventTypesFromNames resolves config strings ("PAY", "ALL", ...) and
// returns the names it did not recognise.
func EventTypesFromNames(names []string) (types []EventType, unknown []string) {
	for _, t := range names {
		match := false
		for _, x := range EVENT_TYPES {
			if t == x.Type() {
				match = true
				types = append(types, x)
			}
		}
		if !match {
			unknown = append(unknown, t)
		}
	}
	return
}

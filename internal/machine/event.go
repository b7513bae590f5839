package machine

import (
	"time"

	"github.com/bigbag/ice-bridge/internal/report"
)

// EventKind classifies an Event.
type EventKind string

// Event kinds.
const (
	EventState    EventKind = "state"
	EventWatchdog EventKind = "watchdog"
	EventFlash    EventKind = "flash"
)

// Event is something the machine did that outside observers may care about.
type Event struct {
	Kind EventKind
	Time time.Time

	// EventState
	From State
	To   State

	// EventWatchdog
	Received int
	Capacity int

	// EventFlash
	Flash report.Flash
}

// Notifier observes machine events. Notify is called from the machine's
// goroutine and must not block.
type Notifier interface {
	Notify(Event)
}

// NotifyFunc is the func form of Notifier.
type NotifyFunc func(Event)

// Notify implements Notifier.
func (f NotifyFunc) Notify(e Event) {
	f(e)
}

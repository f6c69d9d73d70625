package motion

import (
	"sync"
	"time"
)

// EventType names what happened in the arbiter.
type EventType string

const (
	EventRotationStarted   EventType = "rotation_started"
	EventRotationCompleted EventType = "rotation_completed"
	EventRotationAborted   EventType = "rotation_aborted"
	EventRotationBlocked   EventType = "rotation_blocked"
	EventBusy              EventType = "busy"
	EventStop              EventType = "stop"
	EventLight             EventType = "light"
	EventHoldingTorque     EventType = "holding_torque"
)

// Event is published to every Notifier after an arbiter decision or
// actuation.
type Event struct {
	Type      EventType `json:"type"`
	IntentID  string    `json:"intent_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Origin    Origin    `json:"origin,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Steps     int       `json:"steps,omitempty"`
	Light     bool      `json:"light"`
	Torque    bool      `json:"holding_torque"`
	Time      time.Time `json:"time"`
}

func newEvent(t EventType, i Intent) Event {
	ev := Event{Type: t, IntentID: i.ID, Origin: i.Origin, Time: time.Now()}
	if i.ID != "" {
		ev.Kind = i.Kind.String()
	}
	if dir, ok := i.Direction(); ok {
		ev.Direction = dir.String()
	}
	return ev
}

// Notifier receives arbiter events. Notify is called from the arbiter's
// goroutines and must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) { f(ev) }

type fanout struct {
	mu   sync.RWMutex
	subs []Notifier
}

func (f *fanout) add(n Notifier) {
	f.mu.Lock()
	f.subs = append(f.subs, n)
	f.mu.Unlock()
}

func (f *fanout) emit(ev Event) {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()
	for _, n := range subs {
		n.Notify(ev)
	}
}

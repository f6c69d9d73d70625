package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

// Action is what a schedule entry does.
type Action int

const (
	OpenDoor Action = iota
	CloseDoor
	LightOn
	LightOff
)

func (a Action) String() string {
	switch a {
	case OpenDoor:
		return "open"
	case CloseDoor:
		return "close"
	case LightOn:
		return "light_on"
	case LightOff:
		return "light_off"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Intent returns the arbiter intent for a.
func (a Action) Intent(openDir door.Direction) motion.Intent {
	switch a {
	case OpenDoor:
		return motion.DoorIntent(true, openDir, motion.OriginScheduler)
	case CloseDoor:
		return motion.DoorIntent(false, openDir, motion.OriginScheduler)
	case LightOn:
		return motion.NewSetLight(true, motion.OriginScheduler)
	default:
		return motion.NewSetLight(false, motion.OriginScheduler)
	}
}

// Offsets shift each action relative to its sun event. Open is relative to
// sunrise, the other three to sunset.
type Offsets struct {
	Open     time.Duration
	Close    time.Duration
	LightOn  time.Duration
	LightOff time.Duration
}

// Status of one entry within its day.
type Status string

const (
	Pending Status = "pending"
	Fired   Status = "fired"
	Skipped Status = "skipped"
)

// Entry is one trigger of the day's plan.
type Entry struct {
	Action  Action    `json:"-"`
	Name    string    `json:"action"`
	At      time.Time `json:"at"`
	Status  Status    `json:"status"`
	Outcome string    `json:"outcome,omitempty"`
}

// Plan is a day's entries, ordered by trigger time.
type Plan struct {
	Day        string    `json:"day"`
	Generation uint64    `json:"generation"`
	Sunrise    time.Time `json:"sunrise"`
	Sunset     time.Time `json:"sunset"`
	Entries    []Entry   `json:"entries"`
}

// BuildPlan derives the day's entries from sun times and offsets.
func BuildPlan(sun SunTimes, off Offsets) []Entry {
	entries := []Entry{
		{Action: OpenDoor, At: sun.Sunrise.Add(off.Open)},
		{Action: LightOn, At: sun.Sunset.Add(off.LightOn)},
		{Action: CloseDoor, At: sun.Sunset.Add(off.Close)},
		{Action: LightOff, At: sun.Sunset.Add(off.LightOff)},
	}
	for k := range entries {
		entries[k].Name = entries[k].Action.String()
		entries[k].Status = Pending
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].At.Before(entries[b].At) })
	return entries
}

func (p Plan) clone() Plan {
	c := p
	c.Entries = append([]Entry(nil), p.Entries...)
	return c
}

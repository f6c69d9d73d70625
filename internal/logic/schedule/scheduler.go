// Package schedule opens and closes the door and switches the light around
// sunrise and sunset.
//
// The day's plan is rebuilt at a fixed rollover time of day and replaced as
// a whole. Entries are one-shot: an entry whose trigger time passed while
// the process was down, or before its plan was built, is skipped and never
// backfilled. The next day's plan brings the door back in step.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

// Submitter accepts intents. *motion.Arbiter implements it.
type Submitter interface {
	Submit(motion.Intent) (motion.Result, error)
}

// Config configures a Scheduler.
type Config struct {
	Location       Location
	Offsets        Offsets
	OpenDirection  door.Direction
	RolloverHour   int
	RolloverMinute int
	Tick           time.Duration
	MaxLateness    time.Duration
	Now            func() time.Time
}

// Scheduler fires the day's plan into the arbiter.
type Scheduler struct {
	cfg Config
	sun SunCalculator
	arb Submitter

	mu   sync.Mutex
	plan Plan
}

// New creates a scheduler. No plan exists until the first Tick. An entry
// observed more than cfg.MaxLateness after its trigger time is skipped.
func New(cfg Config, sun SunCalculator, arb Submitter) *Scheduler {
	if cfg.Location.TZ == nil {
		cfg.Location.TZ = time.Local
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cfg: cfg, sun: sun, arb: arb}
}

// planDay returns the calendar day whose plan is in force at now: the
// local date, or the previous one before the rollover time.
func (s *Scheduler) planDay(now time.Time) time.Time {
	local := now.In(s.cfg.Location.TZ)
	y, m, d := local.Date()
	rollover := time.Date(y, m, d, s.cfg.RolloverHour, s.cfg.RolloverMinute, 0, 0, s.cfg.Location.TZ)
	if local.Before(rollover) {
		return time.Date(y, m, d-1, 12, 0, 0, 0, s.cfg.Location.TZ)
	}
	return time.Date(y, m, d, 12, 0, 0, 0, s.cfg.Location.TZ)
}

// Tick rebuilds the plan if the rollover has passed, then fires every
// entry that is due.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.planDay(now)
	if key := day.Format(time.DateOnly); key != s.plan.Day {
		s.rebuildLocked(day, now)
	}

	for k := range s.plan.Entries {
		e := &s.plan.Entries[k]
		if e.Status != Pending || now.Before(e.At) {
			continue
		}
		if late := now.Sub(e.At); late > s.cfg.MaxLateness {
			e.Status = Skipped
			e.Outcome = "late"
			debug.Warn("Schedule entry skipped: too late", "action", e.Name, "at", e.At, "late", late)
			continue
		}
		e.Status = Fired
		e.Outcome = s.fire(e.Action)
	}
}

func (s *Scheduler) rebuildLocked(day, now time.Time) {
	gen := s.plan.Generation + 1
	plan := Plan{Day: day.Format(time.DateOnly), Generation: gen}

	sun, err := s.sun.SunTimes(day, s.cfg.Location)
	switch {
	case errors.Is(err, ErrNoSunEvent):
		debug.Warn("No schedule today", "day", plan.Day, "err", err)
	case err != nil:
		debug.Error("Sun time calculation failed", "day", plan.Day, "err", err)
	default:
		plan.Sunrise, plan.Sunset = sun.Sunrise, sun.Sunset
		plan.Entries = BuildPlan(sun, s.cfg.Offsets)
	}

	for k := range plan.Entries {
		if !plan.Entries[k].At.After(now) {
			plan.Entries[k].Status = Skipped
			plan.Entries[k].Outcome = "missed"
		}
	}
	s.plan = plan

	debug.Info("Schedule rebuilt", "day", plan.Day, "generation", gen, "sunrise", plan.Sunrise, "sunset", plan.Sunset)
	for _, e := range plan.Entries {
		debug.Verbose("Schedule entry", "action", e.Name, "at", e.At.Format("15:04"), "status", string(e.Status))
	}
}

func (s *Scheduler) fire(a Action) string {
	i := a.Intent(s.cfg.OpenDirection)
	res, err := s.arb.Submit(i)
	switch {
	case errors.Is(err, motion.ErrUnavailable):
		debug.Warn("Schedule entry dropped: controller offline", "action", a.String(), "id", i.ID)
		return "unavailable"
	case err != nil:
		debug.Error("Schedule entry failed", "action", a.String(), "id", i.ID, "err", err)
		return "error"
	case res.Admission == motion.Busy:
		debug.Info("Schedule entry dropped: busy", "action", a.String(), "id", i.ID)
	default:
		debug.Info("Schedule entry fired", "action", a.String(), "id", i.ID, "result", res.Admission.String())
	}
	return res.Admission.String()
}

// Plan returns a copy of the current plan.
func (s *Scheduler) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.clone()
}

// Upcoming returns the entries still pending.
func (s *Scheduler) Upcoming() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.plan.Entries {
		if e.Status == Pending {
			out = append(out, e)
		}
	}
	return out
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Tick(s.cfg.Now())
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(s.cfg.Now())
		}
	}
}

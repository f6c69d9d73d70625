package panel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

// scriptedInputs replays snapshots; the last one repeats.
type scriptedInputs struct {
	mu      sync.Mutex
	initial door.InputSnapshot
	script  []door.InputSnapshot
	err     error
}

func (s *scriptedInputs) Sample() (door.InputSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return door.InputSnapshot{}, s.err
	}
	if len(s.script) == 0 {
		return s.initial, nil
	}
	in := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return in, nil
}

func (s *scriptedInputs) Snapshot() door.InputSnapshot { return s.initial }

type recordingSubmitter struct {
	mu        sync.Mutex
	intents   []motion.Intent
	admission motion.Admission
	err       error
}

func (r *recordingSubmitter) Submit(i motion.Intent) (motion.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, i)
	return motion.Result{Admission: r.admission, Intent: i}, r.err
}

func (r *recordingSubmitter) kinds() []motion.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]motion.Kind, len(r.intents))
	for k, i := range r.intents {
		out[k] = i.Kind
	}
	return out
}

func equalKinds(a, b []motion.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

func TestPoll_EdgesOnly(t *testing.T) {
	in := &scriptedInputs{script: []door.InputSnapshot{
		{BtnCW: true},
		{BtnCW: true}, // held: no repeat
		{},
		{BtnCW: true}, // pressed again
		{BtnLight: true},
	}}
	sub := &recordingSubmitter{}
	p := New(in, sub, time.Millisecond)

	for k := 0; k < 5; k++ {
		if err := p.Poll(); err != nil {
			t.Fatal(err)
		}
	}
	want := []motion.Kind{motion.RotateCW, motion.RotateCW, motion.ToggleLight}
	if got := sub.kinds(); !equalKinds(got, want) {
		t.Errorf("intents = %v, want %v", got, want)
	}
	for _, i := range sub.intents {
		if i.Origin != motion.OriginButton {
			t.Errorf("origin = %q, want button", i.Origin)
		}
	}
}

func TestPoll_StopFirst(t *testing.T) {
	in := &scriptedInputs{script: []door.InputSnapshot{{BtnCCW: true, BtnStop: true}}}
	sub := &recordingSubmitter{}
	p := New(in, sub, time.Millisecond)

	if err := p.Poll(); err != nil {
		t.Fatal(err)
	}
	want := []motion.Kind{motion.Stop, motion.RotateCCW}
	if got := sub.kinds(); !equalKinds(got, want) {
		t.Errorf("intents = %v, want %v", got, want)
	}
}

func TestPoll_HeldAtStartDoesNotFire(t *testing.T) {
	held := door.InputSnapshot{BtnCW: true}
	in := &scriptedInputs{initial: held, script: []door.InputSnapshot{held}}
	sub := &recordingSubmitter{}
	p := New(in, sub, time.Millisecond)

	if err := p.Poll(); err != nil {
		t.Fatal(err)
	}
	if n := len(sub.kinds()); n != 0 {
		t.Errorf("submitted %d intents for a button held at start", n)
	}
}

func TestPoll_BusyAndErrorsDoNotFault(t *testing.T) {
	for _, sub := range []*recordingSubmitter{
		{admission: motion.Busy},
		{admission: motion.Blocked},
		{err: motion.ErrUnavailable},
		{err: errors.New("boom")},
	} {
		in := &scriptedInputs{script: []door.InputSnapshot{{BtnCW: true}}}
		p := New(in, sub, time.Millisecond)
		if err := p.Poll(); err != nil {
			t.Errorf("Poll with submit result %v/%v = %v, want nil", sub.admission, sub.err, err)
		}
	}
}

func TestRun_SampleFailureIsFault(t *testing.T) {
	sampleErr := errors.New("line gone")
	in := &scriptedInputs{err: sampleErr}
	p := New(in, &recordingSubmitter{}, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, sampleErr) {
			t.Errorf("err = %v, want %v", err, sampleErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on sample failure")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	in := &scriptedInputs{}
	p := New(in, &recordingSubmitter{}, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

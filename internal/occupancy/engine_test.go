package occupancy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"pir-go-home/internal/bus"
	"pir-go-home/internal/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu  sync.Mutex
	got []Transition
}

func (s *recordingSink) OnOccupied(tr Transition) { s.add(tr) }
func (s *recordingSink) OnVacant(tr Transition)   { s.add(tr) }

func (s *recordingSink) add(tr Transition) {
	s.mu.Lock()
	s.got = append(s.got, tr)
	s.mu.Unlock()
}

func (s *recordingSink) all() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.got...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, depth int) (*Engine, *bus.SimDevice, *fakeClock, *recordingSink) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	dev := bus.NewSimDevice(depth, clk.Now)
	sink := &recordingSink{}
	e, err := NewEngine(queue.NewDetect(dev), queue.NewRemove(dev), sink, DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	e.SetClock(clk.Now)
	return e, dev, clk, sink
}

func TestRecency(t *testing.T) {
	empty := queue.View{Empty: true}
	age := func(ms uint32) queue.View { return queue.View{AgeMs: ms} }

	tests := []struct {
		name             string
		det, rem         queue.View
		wantDet, wantRem bool
	}{
		{"both empty", empty, empty, false, false},
		{"detect only", age(9000), empty, true, false},
		{"remove only", empty, age(9000), false, true},
		{"detect newer", age(100), age(200), true, false},
		{"remove newer", age(200), age(100), false, true},
		{"tie", age(150), age(150), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, r := Recency(queue.Snapshot{Detect: tt.det, Remove: tt.rem})
			if d != tt.wantDet || r != tt.wantRem {
				t.Errorf("Recency = (%v, %v), want (%v, %v)", d, r, tt.wantDet, tt.wantRem)
			}
			if d && r {
				t.Error("both queues reported newer")
			}
		})
	}
}

func TestConfirmBackdatesTransition(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	dev.PushAt(bus.SimDetect, clk.Now().Add(-3500*time.Millisecond))

	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition == nil || res.Transition.To != Occupied {
		t.Fatalf("transition = %+v, want occupied", res.Transition)
	}
	want := res.Snapshot.CapturedAt.Add(-500 * time.Millisecond)
	if !res.Transition.At.Equal(want) {
		t.Errorf("at = %v, want %v", res.Transition.At, want)
	}
	if res.Transition.TriggerAgeMs != 3500 || res.Transition.ThresholdMs != DefaultConfirmMs {
		t.Errorf("transition = %+v", res.Transition)
	}
	if e.State() != Occupied {
		t.Errorf("state = %v", e.State())
	}
	if got := sink.all(); len(got) != 1 || got[0].To != Occupied {
		t.Errorf("sink = %+v", got)
	}
}

func TestBelowThresholdDoesNothing(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	dev.PushAt(bus.SimDetect, clk.Now().Add(-2999*time.Millisecond))

	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition != nil || e.State() != Vacant || len(sink.all()) != 0 {
		t.Errorf("unexpected transition %+v", res.Transition)
	}

	// One more millisecond crosses the threshold exactly.
	clk.Advance(time.Millisecond)
	res, err = e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition == nil || !res.Transition.At.Equal(res.Snapshot.CapturedAt) {
		t.Errorf("transition at threshold = %+v", res.Transition)
	}
}

func TestTieNeverTransitions(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	at := clk.Now().Add(-10 * time.Second)
	dev.PushAt(bus.SimDetect, at)
	dev.PushAt(bus.SimRemove, at)

	for i := 0; i < 3; i++ {
		if _, err := e.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		clk.Advance(75 * time.Millisecond)
	}
	if e.State() != Vacant || len(sink.all()) != 0 {
		t.Errorf("state = %v, sink = %+v", e.State(), sink.all())
	}
}

func TestVacateAfterHoldoff(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	dev.PushAt(bus.SimDetect, clk.Now().Add(-5*time.Second))
	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	dev.Push(bus.SimRemove)
	clk.Advance(1999 * time.Millisecond)
	if res, _ := e.Tick(context.Background()); res.Transition != nil {
		t.Fatalf("vacated before holdoff: %+v", res.Transition)
	}

	clk.Advance(101 * time.Millisecond)
	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition == nil || res.Transition.To != Vacant {
		t.Fatalf("transition = %+v, want vacant", res.Transition)
	}
	want := res.Snapshot.CapturedAt.Add(-100 * time.Millisecond)
	if !res.Transition.At.Equal(want) {
		t.Errorf("at = %v, want %v", res.Transition.At, want)
	}
	if res.Transition.Queue != queue.Remove {
		t.Errorf("queue = %s", res.Transition.Queue)
	}

	got := sink.all()
	if len(got) != 2 || got[0].To != Occupied || got[1].To != Vacant {
		t.Errorf("sink = %+v", got)
	}
}

func TestConfirmOnlyFromVacant(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	dev.PushAt(bus.SimDetect, clk.Now().Add(-5*time.Second))

	for i := 0; i < 5; i++ {
		if _, err := e.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		clk.Advance(75 * time.Millisecond)
	}
	if n := len(sink.all()); n != 1 {
		t.Errorf("occupied fired %d times, want 1", n)
	}
}

func TestVacantStaysVacantOnRemove(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	dev.PushAt(bus.SimRemove, clk.Now().Add(-30*time.Second))

	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.State() != Vacant || len(sink.all()) != 0 {
		t.Errorf("state = %v sink = %+v", e.State(), sink.all())
	}
}

func TestTickErrorLeavesStateUnchanged(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	dev.PushAt(bus.SimDetect, clk.Now().Add(-5*time.Second))
	dev.FailAfter(0, errors.New("bus stuck"))

	_, err := e.Tick(context.Background())
	var te *bus.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if e.State() != Vacant || len(sink.all()) != 0 {
		t.Errorf("state changed on failed tick")
	}

	dev.FailAfter(0, nil)
	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.State() != Occupied {
		t.Errorf("state = %v after recovery", e.State())
	}
}

func TestFullQueueCondensedBeforeDecision(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 2)
	now := clk.Now()
	dev.PushAt(bus.SimDetect, now.Add(-10*time.Second))
	dev.PushAt(bus.SimDetect, now.Add(-9*time.Second))
	if dev.PushAt(bus.SimDetect, now.Add(-time.Second)) {
		t.Fatal("precondition: third event should be dropped")
	}

	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Snapshot.Detect.Full || res.DetectPops != 1 || res.RemovePops != 0 {
		t.Errorf("result = %+v", res)
	}
	if dev.Len(bus.SimDetect) != 1 || dev.Pops(bus.SimRemove) != 0 {
		t.Errorf("detect len = %d, remove pops = %d", dev.Len(bus.SimDetect), dev.Pops(bus.SimRemove))
	}
	// The decision uses the ages captured before condensing.
	if res.Transition == nil || res.Transition.TriggerAgeMs != 9000 {
		t.Errorf("transition = %+v", res.Transition)
	}
	if len(sink.all()) != 1 {
		t.Errorf("sink = %+v", sink.all())
	}
}

func TestNonFullQueueNeverPopped(t *testing.T) {
	e, dev, clk, _ := newTestEngine(t, 8)
	dev.PushAt(bus.SimDetect, clk.Now().Add(-10*time.Second))
	dev.PushAt(bus.SimDetect, clk.Now().Add(-5*time.Second))

	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if dev.Pops(bus.SimDetect) != 0 {
		t.Errorf("pops = %d on non-full queue", dev.Pops(bus.SimDetect))
	}
}

func TestZeroThresholdFiresImmediately(t *testing.T) {
	e, dev, _, _ := newTestEngine(t, 8)
	if err := e.SetConfig(Config{ConfirmMs: 0, VacateHoldoffMs: 0, JitterMs: 5}); err != nil {
		t.Fatal(err)
	}
	dev.Push(bus.SimDetect)

	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition == nil || !res.Transition.At.Equal(res.Snapshot.CapturedAt) {
		t.Errorf("transition = %+v", res.Transition)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	for _, c := range []Config{
		{ConfirmMs: -1},
		{VacateHoldoffMs: -1},
		{JitterMs: -1},
		{ConfirmMs: 1<<32 + 100},
		{VacateHoldoffMs: 1 << 32},
		{JitterMs: 1 << 40},
	} {
		if err := c.Validate(); err == nil {
			t.Errorf("%+v: expected error", c)
		}
	}
	if _, err := NewEngine(nil, nil, nil, Config{ConfirmMs: -5}, testLogger()); err == nil {
		t.Error("NewEngine accepted negative threshold")
	}
	if err := (Config{ConfirmMs: math.MaxUint32}).Validate(); err != nil {
		t.Errorf("max u32 threshold rejected: %v", err)
	}
}

func TestSetConfigRejectsWrappingThreshold(t *testing.T) {
	e, dev, clk, sink := newTestEngine(t, 8)
	if err := e.SetConfig(Config{ConfirmMs: 1<<32 + 100}); err == nil {
		t.Fatal("SetConfig accepted a threshold above u32")
	}
	if got := e.Config(); got != DefaultConfig() {
		t.Fatalf("config changed to %+v", got)
	}

	dev.Push(bus.SimDetect)
	clk.Advance(200 * time.Millisecond)
	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.State() != Vacant || len(sink.all()) != 0 {
		t.Errorf("state=%v transitions=%d, want vacant and none", e.State(), len(sink.all()))
	}
}

func TestStateText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("occupied")); err != nil || s != Occupied {
		t.Errorf("unmarshal occupied = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("maybe")); err == nil {
		t.Error("expected error for unknown state")
	}
	b, _ := Vacant.MarshalText()
	if string(b) != "vacant" {
		t.Errorf("marshal = %s", b)
	}
}

// Package occupancy derives a debounced occupied/vacant state from the
// sensor's detect and remove queues.
//
// Each tick the engine captures a snapshot, condenses any FULL queue, decides
// which queue holds the more recent event, and commits a transition only when
// that event has aged past the confirm threshold (detect) or the vacate
// holdoff (remove). Equal ages on two non-empty queues are treated as "no
// newer queue" and never cause a transition.
package occupancy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pir-go-home/internal/queue"
)

// State is the engine's occupancy state.
type State int

const (
	Vacant State = iota
	Occupied
)

func (s State) String() string {
	if s == Occupied {
		return "occupied"
	}
	return "vacant"
}

// MarshalText encodes the state as "occupied" or "vacant".
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "occupied" or "vacant".
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "occupied":
		*s = Occupied
	case "vacant":
		*s = Vacant
	default:
		return fmt.Errorf("unknown occupancy state %q", b)
	}
	return nil
}

// Defaults.
const (
	DefaultConfirmMs       = 3000
	DefaultVacateHoldoffMs = 2000
)

// Config holds the hysteresis thresholds in milliseconds.
type Config struct {
	ConfirmMs       int `json:"confirm_ms"`
	VacateHoldoffMs int `json:"vacate_holdoff_ms"`
	JitterMs        int `json:"jitter_ms"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConfirmMs:       DefaultConfirmMs,
		VacateHoldoffMs: DefaultVacateHoldoffMs,
		JitterMs:        queue.DefaultJitterMs,
	}
}

// Validate rejects thresholds that do not fit the sensor's u32 millisecond ages.
func (c Config) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"confirm_ms", c.ConfirmMs},
		{"vacate_holdoff_ms", c.VacateHoldoffMs},
		{"jitter_ms", c.JitterMs},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", f.name, f.v)
		}
		if int64(f.v) > math.MaxUint32 {
			return fmt.Errorf("%s must be at most %d, got %d", f.name, uint32(math.MaxUint32), f.v)
		}
	}
	return nil
}

// Transition is a committed state change. At is back-dated to the moment the
// triggering event crossed its threshold.
type Transition struct {
	To           State     `json:"state"`
	At           time.Time `json:"at"`
	Queue        queue.ID  `json:"queue"`
	TriggerAgeMs uint32    `json:"trigger_age_ms"`
	ThresholdMs  uint32    `json:"threshold_ms"`
}

// ActionSink receives committed transitions, exactly once each.
type ActionSink interface {
	OnOccupied(tr Transition)
	OnVacant(tr Transition)
}

// TickResult describes one completed tick.
type TickResult struct {
	Snapshot   queue.Snapshot
	DetectPops int
	RemovePops int
	Transition *Transition
}

// Engine is the ordering and hysteresis state machine. Tick must not be
// called concurrently; State and SetConfig are safe from any goroutine.
type Engine struct {
	detect *queue.EventQueue
	remove *queue.EventQueue
	sink   ActionSink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cfg   Config
	state State
}

// NewEngine creates an engine in the Vacant state. sink may be nil.
func NewEngine(detect, remove *queue.EventQueue, sink ActionSink, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		detect: detect,
		remove: remove,
		sink:   sink,
		logger: logger.With("component", "engine"),
		now:    time.Now,
		cfg:    cfg,
		state:  Vacant,
	}, nil
}

// SetClock replaces the wall clock used to stamp snapshots.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// State returns the current occupancy state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Config returns the active thresholds.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the thresholds; the next tick uses them.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Tick runs one poll step. On error nothing was decided and the state is unchanged.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	cfg := e.Config()

	snap, err := queue.Capture(ctx, e.detect, e.remove, e.now)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	res.Snapshot = snap

	// Condense before deciding: a full queue drops new events, so its front
	// may be stale until it is trimmed.
	if snap.Detect.Full {
		n, err := queue.Condense(ctx, e.detect, uint32(cfg.JitterMs))
		res.DetectPops = n
		if err != nil {
			return res, fmt.Errorf("condense detect: %w", err)
		}
		e.logger.Debug("detect queue condensed", "pops", n)
	}
	if snap.Remove.Full {
		n, err := queue.Condense(ctx, e.remove, uint32(cfg.JitterMs))
		res.RemovePops = n
		if err != nil {
			return res, fmt.Errorf("condense remove: %w", err)
		}
		e.logger.Debug("remove queue condensed", "pops", n)
	}

	res.Transition = e.Evaluate(snap)
	return res, nil
}

// Capture reads a snapshot without evaluating or condensing it.
func (e *Engine) Capture(ctx context.Context) (queue.Snapshot, error) {
	return queue.Capture(ctx, e.detect, e.remove, e.now)
}

// Condense trims one queue on operator request. It does not touch the state.
func (e *Engine) Condense(ctx context.Context, id queue.ID) (int, error) {
	q := e.detect
	if id == queue.Remove {
		q = e.remove
	}
	n, err := queue.Condense(ctx, q, uint32(e.Config().JitterMs))
	if err != nil {
		return n, fmt.Errorf("condense %s: %w", id, err)
	}
	e.logger.Info("queue condensed", "queue", id, "pops", n)
	return n, nil
}

// Evaluate applies one snapshot to the state machine and notifies the sink
// of any transition.
func (e *Engine) Evaluate(snap queue.Snapshot) *Transition {
	e.mu.Lock()
	next, tr := decide(e.state, snap, e.cfg)
	e.state = next
	e.mu.Unlock()

	if tr == nil {
		return nil
	}
	e.logger.Info("occupancy changed", "state", tr.To, "at", tr.At, "queue", tr.Queue, "age_ms", tr.TriggerAgeMs)
	if e.sink != nil {
		if tr.To == Occupied {
			e.sink.OnOccupied(*tr)
		} else {
			e.sink.OnVacant(*tr)
		}
	}
	return tr
}

// Recency reports which queue holds the more recent event. A smaller age is
// more recent. Equal ages on two non-empty queues make neither newer; a
// single non-empty queue is newer regardless of its age.
func Recency(snap queue.Snapshot) (detectNewer, removeNewer bool) {
	hasDet := !snap.Detect.Empty
	hasRem := !snap.Remove.Empty
	detectNewer = hasDet && (!hasRem || snap.Detect.AgeMs < snap.Remove.AgeMs)
	removeNewer = hasRem && (!hasDet || snap.Remove.AgeMs < snap.Detect.AgeMs)
	return detectNewer, removeNewer
}

// decide is the pure transition function.
func decide(state State, snap queue.Snapshot, cfg Config) (State, *Transition) {
	detectNewer, removeNewer := Recency(snap)

	switch state {
	case Vacant:
		if detectNewer && snap.Detect.AgeMs >= uint32(cfg.ConfirmMs) {
			return Occupied, newTransition(Occupied, queue.Detect, snap, snap.Detect.AgeMs, uint32(cfg.ConfirmMs))
		}
	case Occupied:
		if removeNewer && snap.Remove.AgeMs >= uint32(cfg.VacateHoldoffMs) {
			return Vacant, newTransition(Vacant, queue.Remove, snap, snap.Remove.AgeMs, uint32(cfg.VacateHoldoffMs))
		}
	}
	return state, nil
}

func newTransition(to State, q queue.ID, snap queue.Snapshot, age, threshold uint32) *Transition {
	return &Transition{
		To:           to,
		At:           snap.CapturedAt.Add(-time.Duration(age-threshold) * time.Millisecond),
		Queue:        q,
		TriggerAgeMs: age,
		ThresholdMs:  threshold,
	}
}

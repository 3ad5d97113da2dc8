// Package presence ties the sensor transport, the occupancy engine, the poll
// loop, persistence and the event bus into one long-lived service.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pir-go-home/internal/bus"
	"pir-go-home/internal/occupancy"
	"pir-go-home/internal/poller"
	"pir-go-home/internal/queue"
	"pir-go-home/internal/store"
)

// ErrNoSimulator is returned by SimPush when the bus is real hardware.
var ErrNoSimulator = errors.New("simulated bus not active")

// Settings are the runtime-tunable parameters.
type Settings struct {
	PollIntervalMs  int `json:"poll_interval_ms"`
	ConfirmMs       int `json:"confirm_ms"`
	VacateHoldoffMs int `json:"vacate_holdoff_ms"`
	JitterMs        int `json:"jitter_ms"`
}

// DefaultSettings returns the stock poll interval and thresholds.
func DefaultSettings() Settings {
	return Settings{
		PollIntervalMs:  int(poller.DefaultInterval / time.Millisecond),
		ConfirmMs:       occupancy.DefaultConfirmMs,
		VacateHoldoffMs: occupancy.DefaultVacateHoldoffMs,
		JitterMs:        queue.DefaultJitterMs,
	}
}

// Validate checks the interval is positive and the thresholds non-negative.
func (s Settings) Validate() error {
	if s.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", s.PollIntervalMs)
	}
	if s.JitterMs >= s.PollIntervalMs {
		return fmt.Errorf("jitter_ms (%d) must be smaller than poll_interval_ms (%d)", s.JitterMs, s.PollIntervalMs)
	}
	return s.engineConfig().Validate()
}

func (s Settings) engineConfig() occupancy.Config {
	return occupancy.Config{
		ConfirmMs:       s.ConfirmMs,
		VacateHoldoffMs: s.VacateHoldoffMs,
		JitterMs:        s.JitterMs,
	}
}

func (s Settings) interval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Status is the externally visible occupancy state.
type Status struct {
	State      occupancy.State `json:"state"`
	Occupied   bool            `json:"occupied"`
	LastChange *time.Time      `json:"last_change,omitempty"`
	Polling    bool            `json:"polling"`
}

// Monitor owns the sensor pipeline. It is the engine's action sink.
//
// Transition events are emitted while the bus is held, so event handlers
// must not call Snapshot or Condense synchronously.
type Monitor struct {
	transport bus.Transport
	sim       *bus.SimDevice
	engine    *occupancy.Engine
	poller    *poller.Poller
	store     store.Store
	events    *EventBus
	logger    *slog.Logger

	mu         sync.Mutex
	settings   Settings
	lastChange time.Time
}

// Options configures a Monitor.
type Options struct {
	// Settings are used unless the store holds persisted ones.
	Settings Settings
	// Sim enables SimPush; set it when transport is a *bus.SimDevice.
	Sim *bus.SimDevice
	// Now overrides the engine clock.
	Now func() time.Time
}

// New builds the pipeline over transport. Persisted settings, if present,
// override opts.Settings.
func New(transport bus.Transport, st store.Store, events *EventBus, opts Options, logger *slog.Logger) (*Monitor, error) {
	settings := opts.Settings
	persisted, err := st.GetSettings()
	switch {
	case err == nil:
		settings = Settings{
			PollIntervalMs:  persisted.PollIntervalMs,
			ConfirmMs:       persisted.ConfirmMs,
			VacateHoldoffMs: persisted.VacateHoldoffMs,
			JitterMs:        persisted.JitterMs,
		}
		logger.Info("using persisted settings", "settings", settings)
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	m := &Monitor{
		transport: transport,
		sim:       opts.Sim,
		store:     st,
		events:    events,
		logger:    logger.With("component", "presence"),
		settings:  settings,
	}

	m.engine, err = occupancy.NewEngine(queue.NewDetect(transport), queue.NewRemove(transport), m, settings.engineConfig(), logger)
	if err != nil {
		return nil, err
	}
	if opts.Now != nil {
		m.engine.SetClock(opts.Now)
	}

	m.poller, err = poller.New(m.engine, settings.interval(), logger)
	if err != nil {
		return nil, err
	}
	m.poller.OnTick(m.handleTick)
	m.poller.OnError(m.handleTickError)
	return m, nil
}

// Events returns the monitor's event bus.
func (m *Monitor) Events() *EventBus {
	return m.events
}

// Start begins polling. The state starts Vacant.
func (m *Monitor) Start(ctx context.Context) error {
	return m.poller.Start(ctx)
}

// Stop halts polling after any in-flight tick. The transport stays open.
func (m *Monitor) Stop() {
	m.poller.Stop()
}

// Tick runs one engine step immediately.
func (m *Monitor) Tick(ctx context.Context) (occupancy.TickResult, error) {
	return m.poller.TickNow(ctx)
}

// State returns the current occupancy state.
func (m *Monitor) State() occupancy.State {
	return m.engine.State()
}

// Status returns the state together with the time of the last transition.
func (m *Monitor) Status() Status {
	st := m.engine.State()
	s := Status{State: st, Occupied: st == occupancy.Occupied, Polling: m.poller.Running()}
	m.mu.Lock()
	if !m.lastChange.IsZero() {
		lc := m.lastChange
		s.LastChange = &lc
	}
	m.mu.Unlock()
	return s
}

// Snapshot performs a non-destructive read of both queues.
func (m *Monitor) Snapshot(ctx context.Context) (queue.Snapshot, error) {
	return m.poller.Snapshot(ctx)
}

// Condense trims the named queue ("detect" or "remove") on demand.
func (m *Monitor) Condense(ctx context.Context, name string) (int, error) {
	id, err := queue.ParseID(name)
	if err != nil {
		return 0, err
	}
	pops, err := m.poller.Condense(ctx, id)
	if err != nil {
		return pops, err
	}
	m.events.Emit(Event{Type: EventCondensed, Data: map[string]interface{}{
		"queue":  string(id),
		"pops":   pops,
		"manual": true,
	}})
	return pops, nil
}

// Settings returns the active settings.
func (m *Monitor) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings validates and persists s, then applies it. A failed save
// leaves the running settings untouched.
func (m *Monitor) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.store.SaveSettings(&store.Settings{
		PollIntervalMs:  s.PollIntervalMs,
		ConfirmMs:       s.ConfirmMs,
		VacateHoldoffMs: s.VacateHoldoffMs,
		JitterMs:        s.JitterMs,
		UpdatedAt:       time.Now(),
	}); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	if err := m.engine.SetConfig(s.engineConfig()); err != nil {
		return err
	}
	if err := m.poller.SetInterval(s.interval()); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()

	m.logger.Info("settings updated", "settings", s)
	m.events.Emit(Event{Type: EventSettingsChanged, Data: map[string]interface{}{
		"poll_interval_ms":  s.PollIntervalMs,
		"confirm_ms":        s.ConfirmMs,
		"vacate_holdoff_ms": s.VacateHoldoffMs,
		"jitter_ms":         s.JitterMs,
	}})
	return nil
}

// History returns up to limit transitions, newest first.
func (m *Monitor) History(limit int) ([]*store.Transition, error) {
	return m.store.ListTransitions(limit)
}

// SimPush injects an event into the simulated sensor.
func (m *Monitor) SimPush(name string) error {
	if m.sim == nil {
		return ErrNoSimulator
	}
	id, err := queue.ParseID(name)
	if err != nil {
		return err
	}
	q := bus.SimDetect
	if id == queue.Remove {
		q = bus.SimRemove
	}
	if !m.sim.Push(q) {
		m.logger.Debug("simulated queue full, event dropped", "queue", id)
	}
	return nil
}

// OnOccupied implements occupancy.ActionSink.
func (m *Monitor) OnOccupied(tr occupancy.Transition) {
	m.record(EventOccupied, tr)
}

// OnVacant implements occupancy.ActionSink.
func (m *Monitor) OnVacant(tr occupancy.Transition) {
	m.record(EventVacant, tr)
}

func (m *Monitor) record(eventType string, tr occupancy.Transition) {
	m.mu.Lock()
	m.lastChange = tr.At
	m.mu.Unlock()

	rec := &store.Transition{
		State:        tr.To.String(),
		At:           tr.At,
		Queue:        string(tr.Queue),
		TriggerAgeMs: tr.TriggerAgeMs,
		ThresholdMs:  tr.ThresholdMs,
	}
	if err := m.store.SaveTransition(rec); err != nil {
		m.logger.Error("save transition", "err", err)
	}

	m.events.Emit(Event{Type: eventType, Data: map[string]interface{}{
		"id":             rec.ID,
		"state":          tr.To.String(),
		"occupied":       tr.To == occupancy.Occupied,
		"at":             tr.At.Format(time.RFC3339Nano),
		"queue":          string(tr.Queue),
		"trigger_age_ms": tr.TriggerAgeMs,
		"threshold_ms":   tr.ThresholdMs,
	}})
}

func (m *Monitor) handleTick(res occupancy.TickResult) {
	m.emitAutoCondensed(res)
}

// emitAutoCondensed reports tick-driven pops. Pops are not undone when a later
// read fails, so a failed tick reports the ones that did happen.
func (m *Monitor) emitAutoCondensed(res occupancy.TickResult) {
	for _, c := range []struct {
		id   queue.ID
		pops int
	}{{queue.Detect, res.DetectPops}, {queue.Remove, res.RemovePops}} {
		if c.pops == 0 {
			continue
		}
		m.events.Emit(Event{Type: EventCondensed, Data: map[string]interface{}{
			"queue":  string(c.id),
			"pops":   c.pops,
			"manual": false,
		}})
	}
}

// handleTickError is called after the poller has logged the failure.
func (m *Monitor) handleTickError(res occupancy.TickResult, err error) {
	m.emitAutoCondensed(res)
	m.events.Emit(Event{Type: EventTickError, Data: map[string]interface{}{
		"error":    err.Error(),
		"protocol": errors.Is(err, queue.ErrProtocol),
	}})
}

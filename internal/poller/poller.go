// Package poller drives the occupancy engine on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pir-go-home/internal/occupancy"
	"pir-go-home/internal/queue"
)

// DefaultInterval is the delay between the end of one tick and the start of the next.
const DefaultInterval = 75 * time.Millisecond

// Engine is the part of occupancy.Engine the poller drives.
type Engine interface {
	Tick(ctx context.Context) (occupancy.TickResult, error)
	Capture(ctx context.Context) (queue.Snapshot, error)
	Condense(ctx context.Context, id queue.ID) (int, error)
}

// Poller runs engine ticks on one goroutine. The next tick is scheduled only
// after the current one completes, so ticks never overlap. Manual snapshot
// and condense requests are serialized with ticks.
type Poller struct {
	engine Engine
	logger *slog.Logger

	// busMu serializes every bus transaction issued through the poller.
	busMu sync.Mutex

	mu       sync.Mutex
	interval time.Duration
	onTick   func(occupancy.TickResult)
	onError  func(occupancy.TickResult, error)
	cancel   context.CancelFunc
	done     chan struct{}

	reschedule chan struct{}
}

// New creates a stopped poller.
func New(engine Engine, interval time.Duration, logger *slog.Logger) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	return &Poller{
		engine:     engine,
		logger:     logger.With("component", "poller"),
		interval:   interval,
		reschedule: make(chan struct{}, 1),
	}, nil
}

// OnTick registers a callback invoked after every successful tick.
func (p *Poller) OnTick(fn func(occupancy.TickResult)) {
	p.mu.Lock()
	p.onTick = fn
	p.mu.Unlock()
}

// OnError registers a callback invoked after every failed tick. The result
// carries any pops that completed before the failure.
func (p *Poller) OnError(fn func(occupancy.TickResult, error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

// Interval returns the current poll interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval changes the poll interval. An in-flight tick completes first;
// the new value applies from the next scheduling.
func (p *Poller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", d)
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	select {
	case p.reschedule <- struct{}{}:
	default:
	}
	p.logger.Info("poll interval changed", "interval", d)
	return nil
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// Start launches the poll loop. The first tick runs after one interval.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return errors.New("poller already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info("polling started", "interval", p.interval)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish. Safe to call
// on a stopped poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("polling stopped")
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.reschedule:
			resetTimer(timer, p.Interval())
		case <-timer.C:
			// A started tick always finishes, even if Stop is called meanwhile.
			p.TickNow(context.WithoutCancel(ctx))
			if ctx.Err() != nil {
				return
			}
			resetTimer(timer, p.Interval())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// TickNow runs one tick immediately, serialized with the loop.
func (p *Poller) TickNow(ctx context.Context) (occupancy.TickResult, error) {
	p.busMu.Lock()
	res, err := p.engine.Tick(ctx)
	p.busMu.Unlock()

	p.mu.Lock()
	onTick, onError := p.onTick, p.onError
	p.mu.Unlock()

	if err != nil {
		protocol := errors.Is(err, queue.ErrProtocol)
		level := slog.LevelWarn
		if protocol {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "tick failed", "err", err, "protocol", protocol)
		if onError != nil {
			onError(res, err)
		}
		return res, err
	}
	if onTick != nil {
		onTick(res)
	}
	return res, nil
}

// Snapshot captures both queues without evaluating them.
func (p *Poller) Snapshot(ctx context.Context) (queue.Snapshot, error) {
	p.busMu.Lock()
	defer p.busMu.Unlock()
	return p.engine.Capture(ctx)
}

// Condense trims one queue on demand, waiting for any in-flight tick.
func (p *Poller) Condense(ctx context.Context, id queue.ID) (int, error) {
	p.busMu.Lock()
	defer p.busMu.Unlock()
	return p.engine.Condense(ctx, id)
}

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"pir-go-home/internal/bus"
	"pir-go-home/internal/presence"
	"pir-go-home/internal/store"
)

var errBusOwned = errors.New("the sensor bus is held by a running pir-home daemon; use its HTTP API instead (e.g. POST /api/queues/detect/condense)")

// pipeline is everything that owns the sensor: the bus lock, the transport,
// the store and the monitor over them.
type pipeline struct {
	lock      *flock.Flock
	transport bus.Transport
	store     *store.BoltStore
	events    *presence.EventBus
	monitor   *presence.Monitor
}

// openPipeline takes the bus lock before touching any device, so a CLI
// command never races the daemon's poll loop.
func openPipeline(cfg *Config, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{lock: flock.New(cfg.Bus.LockPath)}

	ok, err := p.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire bus lock %s: %w", cfg.Bus.LockPath, err)
	}
	if !ok {
		return nil, errBusOwned
	}

	p.store, err = store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	var sim *bus.SimDevice
	p.transport, sim, err = createTransport(cfg, logger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	p.events = presence.NewEventBus(logger)
	p.monitor, err = presence.New(p.transport, p.store, p.events, presence.Options{
		Settings: cfg.settings(),
		Sim:      sim,
	}, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Close releases everything openPipeline acquired, in reverse order.
func (p *pipeline) Close() {
	if p.monitor != nil {
		p.monitor.Stop()
	}
	if p.transport != nil {
		p.transport.Close()
	}
	if p.store != nil {
		p.store.Close()
	}
	if p.lock != nil {
		p.lock.Unlock()
	}
}

func createTransport(cfg *Config, logger *slog.Logger) (bus.Transport, *bus.SimDevice, error) {
	switch cfg.Bus.Type {
	case "i2c":
		logger.Info("using i2c bus", "device", cfg.Bus.Device, "address", fmt.Sprintf("0x%02X", cfg.Bus.Address))
		dev, err := bus.NewI2CDev(cfg.Bus.Device, cfg.Bus.Address, logger)
		if err != nil {
			return nil, nil, err
		}
		return dev, nil, nil
	case "serial":
		logger.Info("using serial register bridge", "port", cfg.Bus.Device, "baud", cfg.Bus.Baud)
		br, err := bus.NewSerialBridge(cfg.Bus.Device, cfg.Bus.Baud, uint8(cfg.Bus.Address), logger)
		if err != nil {
			return nil, nil, err
		}
		return br, nil, nil
	case "sim":
		logger.Warn("using simulated sensor", "depth", cfg.Bus.SimDepth)
		sim := bus.NewSimDevice(cfg.Bus.SimDepth, nil)
		return sim, sim, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus type: %q (supported: i2c, serial, sim)", cfg.Bus.Type)
	}
}

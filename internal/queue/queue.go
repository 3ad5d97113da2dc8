// Package queue reads the sensor's two hardware event queues: status and age
// registers, non-destructive snapshots, and condensation of overflowing queues.
package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"pir-go-home/internal/bus"
)

// ErrProtocol marks a violated register-protocol invariant, such as an age
// read on an EMPTY queue or contradictory status bits. It is a logic fault,
// not a transient bus failure.
var ErrProtocol = errors.New("protocol invariant violation")

// ID names a queue.
type ID string

const (
	Detect ID = "detect"
	Remove ID = "remove"
)

// ParseID validates a queue name.
func ParseID(s string) (ID, error) {
	switch ID(s) {
	case Detect, Remove:
		return ID(s), nil
	}
	return "", fmt.Errorf("unknown queue %q (want detect or remove)", s)
}

// Status is a decoded status register.
type Status byte

func (s Status) Empty() bool { return byte(s)&bus.StatusEmpty != 0 }
func (s Status) Full() bool  { return byte(s)&bus.StatusFull != 0 }

// check rejects bit patterns the sensor never reports.
func (s Status) check(id ID) error {
	if s.Empty() && s.Full() {
		return fmt.Errorf("%s queue status 0x%02X is both EMPTY and FULL: %w", id, byte(s), ErrProtocol)
	}
	if byte(s)&bus.StatusPop != 0 {
		return fmt.Errorf("%s queue status 0x%02X has write-only POP bit set: %w", id, byte(s), ErrProtocol)
	}
	return nil
}

// EventQueue is one hardware queue on the sensor.
type EventQueue struct {
	id        ID
	t         bus.Transport
	statusReg uint8
	frontReg  uint8
	backReg   uint8
}

// NewDetect returns the detect queue on t.
func NewDetect(t bus.Transport) *EventQueue {
	return &EventQueue{id: Detect, t: t, statusReg: bus.RegDetectStatus, frontReg: bus.RegDetectFront, backReg: bus.RegDetectBack}
}

// NewRemove returns the remove queue on t.
func NewRemove(t bus.Transport) *EventQueue {
	return &EventQueue{id: Remove, t: t, statusReg: bus.RegRemoveStatus, frontReg: bus.RegRemoveFront, backReg: bus.RegRemoveBack}
}

// ID returns the queue name.
func (q *EventQueue) ID() ID { return q.id }

// Status reads and validates the status register.
func (q *EventQueue) Status(ctx context.Context) (Status, error) {
	b, err := q.t.ReadByte(ctx, q.statusReg)
	if err != nil {
		return 0, fmt.Errorf("%s status: %w", q.id, err)
	}
	st := Status(b)
	if err := st.check(q.id); err != nil {
		return 0, err
	}
	return st, nil
}

// FrontAge returns the age in ms of the newest retained event.
// Only valid while the queue is not EMPTY.
func (q *EventQueue) FrontAge(ctx context.Context) (uint32, error) {
	return q.readAge(ctx, q.frontReg, "front")
}

// BackAge returns the age in ms of the oldest retained event.
// Only valid while the queue is not EMPTY.
func (q *EventQueue) BackAge(ctx context.Context) (uint32, error) {
	return q.readAge(ctx, q.backReg, "back")
}

func (q *EventQueue) readAge(ctx context.Context, reg uint8, which string) (uint32, error) {
	raw, err := q.t.ReadBlock(ctx, reg, 4)
	if err != nil {
		return 0, fmt.Errorf("%s %s age: %w", q.id, which, err)
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("%s %s age: got %d bytes, want 4: %w", q.id, which, len(raw), ErrProtocol)
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// PopOldest discards the oldest retained entry. Irreversible.
func (q *EventQueue) PopOldest(ctx context.Context) error {
	if err := q.t.WriteByte(ctx, q.statusReg, bus.StatusPop); err != nil {
		return fmt.Errorf("%s pop: %w", q.id, err)
	}
	return nil
}

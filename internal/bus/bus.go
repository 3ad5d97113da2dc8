// Package bus defines the register transport used to talk to the presence sensor.
// Backends: Linux I2C character device, USB serial register bridge, in-memory simulator.
package bus

import (
	"context"
	"fmt"
)

// Transport is the abstract interface for register access on the sensor.
// Implementations are single-owner: callers serialize access.
type Transport interface {
	// ReadByte reads a single-byte register.
	ReadByte(ctx context.Context, reg uint8) (byte, error)
	// ReadBlock reads n consecutive bytes starting at reg.
	ReadBlock(ctx context.Context, reg uint8, n int) ([]byte, error)
	// WriteByte writes a single-byte register.
	WriteByte(ctx context.Context, reg uint8, val byte) error

	Close() error
}

// DefaultAddress is the 7-bit bus address of the sensor.
const DefaultAddress = 0x12

// Register map.
const (
	RegDetectStatus uint8 = 0x07
	RegDetectFront  uint8 = 0x08
	RegDetectBack   uint8 = 0x0C
	RegRemoveStatus uint8 = 0x10
	RegRemoveFront  uint8 = 0x11
	RegRemoveBack   uint8 = 0x15
)

// Status register bits.
const (
	StatusPop   byte = 0x01 // write-only: drop the oldest retained entry
	StatusEmpty byte = 0x02
	StatusFull  byte = 0x04
)

// TransportError reports a failed register read or write.
type TransportError struct {
	Op  string // "read", "read block", "write"
	Reg uint8
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus %s reg 0x%02X: %v", e.Op, e.Reg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

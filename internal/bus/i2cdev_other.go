//go:build !linux

package bus

import (
	"context"
	"errors"
	"log/slog"
)

var errI2CUnsupported = errors.New("i2c: /dev/i2c-N is only available on linux; use bus.type serial or sim")

// I2CDev is unavailable off Linux.
type I2CDev struct{}

// NewI2CDev always fails on this platform.
func NewI2CDev(_ string, _ uint16, _ *slog.Logger) (*I2CDev, error) {
	return nil, errI2CUnsupported
}

func (d *I2CDev) ReadByte(context.Context, uint8) (byte, error)          { return 0, errI2CUnsupported }
func (d *I2CDev) ReadBlock(context.Context, uint8, int) ([]byte, error) { return nil, errI2CUnsupported }
func (d *I2CDev) WriteByte(context.Context, uint8, byte) error          { return errI2CUnsupported }
func (d *I2CDev) Close() error                                          { return nil }

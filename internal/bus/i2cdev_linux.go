//go:build linux

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ioctl request from <linux/i2c-dev.h>.
const i2cSlave = 0x0703

// I2CDev implements Transport over a Linux /dev/i2c-N character device.
type I2CDev struct {
	path   string
	addr   uint16
	file   *os.File
	logger *slog.Logger
	mu     sync.Mutex
}

// NewI2CDev opens the I2C adapter at path and binds it to the 7-bit address addr.
func NewI2CDev(path string, addr uint16, logger *slog.Logger) (*I2CDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close()
		return nil, fmt.Errorf("i2c: set slave address 0x%02X: %w", addr, err)
	}
	logger.Info("i2c bus opened", "device", path, "addr", fmt.Sprintf("0x%02X", addr))
	return &I2CDev{path: path, addr: addr, file: f, logger: logger}, nil
}

// ReadByte selects reg and reads one byte back.
func (d *I2CDev) ReadByte(ctx context.Context, reg uint8) (byte, error) {
	b, err := d.transfer(ctx, "read", reg, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBlock selects reg and reads n bytes back.
func (d *I2CDev) ReadBlock(ctx context.Context, reg uint8, n int) ([]byte, error) {
	return d.transfer(ctx, "read block", reg, n)
}

// WriteByte writes val to reg in a single bus message.
func (d *I2CDev) WriteByte(ctx context.Context, reg uint8, val byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "write", Reg: reg, Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.file.Write([]byte{reg, val}); err != nil {
		return &TransportError{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

func (d *I2CDev) transfer(ctx context.Context, op string, reg uint8, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.file.Write([]byte{reg}); err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: err}
	}
	buf := make([]byte, n)
	got, err := d.file.Read(buf)
	if err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: err}
	}
	if got != n {
		return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("short read: %d of %d bytes", got, n)}
	}
	d.logger.Debug("i2c read", "reg", fmt.Sprintf("0x%02X", reg), "data", fmt.Sprintf("%X", buf))
	return buf, nil
}

// Close releases the adapter.
func (d *I2CDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

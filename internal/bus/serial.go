package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	bridgeReadTimeout = 20 * time.Millisecond
	bridgeRespTimeout = 250 * time.Millisecond
)

// inputResetter is implemented by serial.Port.
type inputResetter interface {
	ResetInputBuffer() error
}

// SerialBridge implements Transport through a USB serial register bridge.
type SerialBridge struct {
	port     io.ReadWriteCloser
	portName string
	addr     uint8
	logger   *slog.Logger

	mu       sync.Mutex
	respWait time.Duration
}

// NewSerialBridge opens portName and talks to the sensor at addr through the bridge firmware.
func NewSerialBridge(portName string, baudRate int, addr uint8, logger *slog.Logger) (*SerialBridge, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial bridge: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the bridge firmware starts answering.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	if err := port.SetReadTimeout(bridgeReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial bridge: set read timeout: %w", err)
	}

	b := newSerialBridge(port, addr, logger)
	b.portName = portName
	logger.Info("serial bridge opened", "port", portName, "baud", baudRate, "addr", fmt.Sprintf("0x%02X", addr))
	return b, nil
}

func newSerialBridge(port io.ReadWriteCloser, addr uint8, logger *slog.Logger) *SerialBridge {
	return &SerialBridge{
		port:     port,
		addr:     addr,
		logger:   logger,
		respWait: bridgeRespTimeout,
	}
}

// ReadByte reads a single-byte register.
func (b *SerialBridge) ReadByte(ctx context.Context, reg uint8) (byte, error) {
	data, err := b.read(ctx, "read", reg, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// ReadBlock reads n bytes starting at reg.
func (b *SerialBridge) ReadBlock(ctx context.Context, reg uint8, n int) ([]byte, error) {
	return b.read(ctx, "read block", reg, n)
}

// WriteByte writes val to reg.
func (b *SerialBridge) WriteByte(ctx context.Context, reg uint8, val byte) error {
	_, err := b.request(ctx, "write", reg, bridgeOpWrite, bridgeEncodeWrite(b.addr, reg, []byte{val}))
	return err
}

func (b *SerialBridge) read(ctx context.Context, op string, reg uint8, n int) ([]byte, error) {
	if n <= 0 || n > bridgeMaxData {
		return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("invalid length %d", n)}
	}
	resp, err := b.request(ctx, op, reg, bridgeOpRead, bridgeEncodeRead(b.addr, reg, n))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != n {
		return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("short read: %d of %d bytes", len(resp.Data), n)}
	}
	return resp.Data, nil
}

// request writes one frame and waits for its response. No retries: the
// caller's next poll is the retry.
func (b *SerialBridge) request(ctx context.Context, op string, reg uint8, wantOp uint8, frame []byte) (*bridgeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Responses carry no register or sequence number. Drop anything still
	// buffered, such as a late reply to a timed-out request, so it cannot be
	// matched to this one.
	if r, ok := b.port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("serial reset input: %w", err)}
		}
	}
	if _, err := b.port.Write(frame); err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("serial write: %w", err)}
	}

	deadline := time.Now().Add(b.respWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	raw, err := b.readFrame(deadline)
	if err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: err}
	}
	resp, err := bridgeDecodeResponse(raw)
	if err != nil {
		return nil, &TransportError{Op: op, Reg: reg, Err: err}
	}
	if resp.Op != wantOp {
		return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("response op 0x%02X, want 0x%02X", resp.Op, wantOp)}
	}
	if resp.Status != bridgeStatusOK {
		return nil, &TransportError{Op: op, Reg: reg, Err: fmt.Errorf("bridge status %s", bridgeStatusName(resp.Status))}
	}
	b.logger.Debug("bridge RX", "op", op, "reg", fmt.Sprintf("0x%02X", reg), "data", fmt.Sprintf("%X", resp.Data))
	return resp, nil
}

// readFrame scans for the signature byte and reads one complete response frame.
func (b *SerialBridge) readFrame(deadline time.Time) ([]byte, error) {
	sig := make([]byte, 1)
	for {
		if err := b.readFull(sig, deadline); err != nil {
			return nil, err
		}
		if sig[0] == bridgeSig {
			break
		}
		b.logger.Debug("bridge: discarding stray byte", "byte", fmt.Sprintf("0x%02X", sig[0]))
	}

	hdr := make([]byte, bridgeRespHeader-1)
	if err := b.readFull(hdr, deadline); err != nil {
		return nil, err
	}
	rest := make([]byte, int(hdr[2])+1)
	if err := b.readFull(rest, deadline); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 1+len(hdr)+len(rest))
	frame = append(frame, bridgeSig)
	frame = append(frame, hdr...)
	frame = append(frame, rest...)
	return frame, nil
}

// readFull fills buf, treating an empty read past the deadline as a timeout.
// The port's read timeout makes Read return (0, nil) when no data arrives.
func (b *SerialBridge) readFull(buf []byte, deadline time.Time) error {
	n := 0
	for n < len(buf) {
		k, err := b.port.Read(buf[n:])
		if err != nil {
			return fmt.Errorf("serial read: %w", err)
		}
		n += k
		if k == 0 && time.Now().After(deadline) {
			return fmt.Errorf("response timeout after %d of %d bytes", n, len(buf))
		}
	}
	return nil
}

// Close closes the serial port.
func (b *SerialBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

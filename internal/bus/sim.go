package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// DefaultSimDepth is the number of entries each simulated queue retains.
const DefaultSimDepth = 8

// SimQueue identifies one of the simulator's two event queues.
type SimQueue int

const (
	SimDetect SimQueue = iota
	SimRemove
)

// SimDevice emulates the sensor's register map in memory. Each queue keeps
// the timestamps of its retained events; ages are computed from the clock on
// every read. While a queue is full, new events are dropped, so its front
// stops tracking the newest real event until it is condensed.
type SimDevice struct {
	mu      sync.Mutex
	now     func() time.Time
	depth   int
	queues  [2][]time.Time
	dropped [2]int
	pops    [2]int

	failErr   error
	failAfter int // successful operations left before failErr is returned; -1 = disarmed
	closed    bool
}

// NewSimDevice creates a simulator with the given queue depth. A nil clock uses time.Now.
func NewSimDevice(depth int, now func() time.Time) *SimDevice {
	if depth <= 0 {
		depth = DefaultSimDepth
	}
	if now == nil {
		now = time.Now
	}
	return &SimDevice{now: now, depth: depth, failAfter: -1}
}

// Push records an event that happened at the current clock time. Returns
// false if the queue was full.
func (s *SimDevice) Push(q SimQueue) bool {
	return s.PushAt(q, s.now())
}

// PushAt records an event with an explicit timestamp. Returns false if the queue was full.
func (s *SimDevice) PushAt(q SimQueue, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queues[q]) >= s.depth {
		s.dropped[q]++
		return false
	}
	s.queues[q] = append(s.queues[q], at)
	return true
}

// Len returns the number of retained entries in q.
func (s *SimDevice) Len(q SimQueue) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[q])
}

// Pops returns how many POP writes q has received.
func (s *SimDevice) Pops(q SimQueue) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pops[q]
}

// Dropped returns how many events q discarded because it was full.
func (s *SimDevice) Dropped(q SimQueue) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[q]
}

// FailAfter makes the device return err once n more operations have succeeded.
// The failure is sticky until FailAfter is called again with a nil err.
func (s *SimDevice) FailAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.failErr = nil
		s.failAfter = -1
		return
	}
	s.failErr = err
	s.failAfter = n
}

// checkFail must be called with mu held.
func (s *SimDevice) checkFail() error {
	if s.closed {
		return fmt.Errorf("sim device closed")
	}
	if s.failErr == nil {
		return nil
	}
	if s.failAfter > 0 {
		s.failAfter--
		return nil
	}
	return s.failErr
}

func simQueueForReg(reg uint8) (SimQueue, bool) {
	switch reg {
	case RegDetectStatus, RegDetectFront, RegDetectBack:
		return SimDetect, true
	case RegRemoveStatus, RegRemoveFront, RegRemoveBack:
		return SimRemove, true
	}
	return 0, false
}

// ReadByte implements Transport. Only status registers are byte-readable.
func (s *SimDevice) ReadByte(_ context.Context, reg uint8) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return 0, &TransportError{Op: "read", Reg: reg, Err: err}
	}
	if reg != RegDetectStatus && reg != RegRemoveStatus {
		return 0, &TransportError{Op: "read", Reg: reg, Err: fmt.Errorf("not a status register")}
	}
	q, _ := simQueueForReg(reg)
	var st byte
	if len(s.queues[q]) == 0 {
		st |= StatusEmpty
	}
	if len(s.queues[q]) >= s.depth {
		st |= StatusFull
	}
	return st, nil
}

// ReadBlock implements Transport for the 4-byte little-endian age registers.
// An empty queue reads as 0xFFFFFFFF, which callers must never interpret.
func (s *SimDevice) ReadBlock(_ context.Context, reg uint8, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return nil, &TransportError{Op: "read block", Reg: reg, Err: err}
	}
	q, ok := simQueueForReg(reg)
	if !ok || reg == RegDetectStatus || reg == RegRemoveStatus || n != 4 {
		return nil, &TransportError{Op: "read block", Reg: reg, Err: fmt.Errorf("not an age register or bad length %d", n)}
	}

	buf := make([]byte, 4)
	entries := s.queues[q]
	if len(entries) == 0 {
		binary.LittleEndian.PutUint32(buf, 0xFFFFFFFF)
		return buf, nil
	}
	var at time.Time
	if reg == RegDetectFront || reg == RegRemoveFront {
		at = entries[len(entries)-1]
	} else {
		at = entries[0]
	}
	age := s.now().Sub(at).Milliseconds()
	if age < 0 {
		age = 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(age))
	return buf, nil
}

// WriteByte implements Transport. Writing StatusPop to a status register drops the oldest entry.
func (s *SimDevice) WriteByte(_ context.Context, reg uint8, val byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return &TransportError{Op: "write", Reg: reg, Err: err}
	}
	if reg != RegDetectStatus && reg != RegRemoveStatus {
		return &TransportError{Op: "write", Reg: reg, Err: fmt.Errorf("register is read-only")}
	}
	q, _ := simQueueForReg(reg)
	if val&StatusPop != 0 && len(s.queues[q]) > 0 {
		s.queues[q] = s.queues[q][1:]
		s.pops[q]++
	}
	return nil
}

// Close implements Transport.
func (s *SimDevice) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

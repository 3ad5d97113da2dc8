package queue

import (
	"context"
	"fmt"
	"time"
)

// View is one queue's state inside a Snapshot. AgeMs is meaningless when
// Empty is set; use Age to read it safely.
type View struct {
	Empty bool   `json:"empty"`
	Full  bool   `json:"full"`
	AgeMs uint32 `json:"age_ms,omitempty"`
}

// Age returns the front age, failing on an empty queue.
func (v View) Age() (uint32, error) {
	if v.Empty {
		return 0, fmt.Errorf("age of empty queue: %w", ErrProtocol)
	}
	return v.AgeMs, nil
}

// Snapshot is a non-destructive view of both queues captured in one tick.
type Snapshot struct {
	CapturedAt time.Time `json:"captured_at"`
	Detect     View      `json:"detect"`
	Remove     View      `json:"remove"`
}

// Capture reads Detect status, Remove status, then the front age of each
// non-empty queue, in that order. It never pops. now is sampled before the
// first read.
func Capture(ctx context.Context, detect, remove *EventQueue, now func() time.Time) (Snapshot, error) {
	snap := Snapshot{CapturedAt: now()}

	detSt, err := detect.Status(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	remSt, err := remove.Status(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap.Detect = View{Empty: detSt.Empty(), Full: detSt.Full()}
	snap.Remove = View{Empty: remSt.Empty(), Full: remSt.Full()}

	if !snap.Detect.Empty {
		if snap.Detect.AgeMs, err = detect.FrontAge(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	if !snap.Remove.Empty {
		if snap.Remove.AgeMs, err = remove.FrontAge(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

package queue

import (
	"context"
	"fmt"
)

// DefaultJitterMs absorbs front-age growth during the condense loop's own reads.
const DefaultJitterMs = 5

// maxCondensePops bounds the loop well above any real queue depth so a queue
// that never converges cannot pin the poll loop.
const maxCondensePops = 1024

// Condense pops the oldest entries of q until it is empty or holds a single
// logical entry (back age within jitterMs of front age). It returns the number
// of pops issued. Any bus failure aborts immediately; there is no retry here.
//
// Pops are irreversible and cost bus traffic: call this only for a queue that
// reported FULL, or on explicit operator request.
func Condense(ctx context.Context, q *EventQueue, jitterMs uint32) (int, error) {
	pops := 0
	for {
		st, err := q.Status(ctx)
		if err != nil {
			return pops, err
		}
		if st.Empty() {
			return pops, nil
		}
		front, err := q.FrontAge(ctx)
		if err != nil {
			return pops, err
		}
		back, err := q.BackAge(ctx)
		if err != nil {
			return pops, err
		}
		if uint64(back) <= uint64(front)+uint64(jitterMs) {
			return pops, nil
		}
		if pops >= maxCondensePops {
			return pops, fmt.Errorf("%s queue did not converge after %d pops (front=%d back=%d): %w",
				q.id, pops, front, back, ErrProtocol)
		}
		if err := q.PopOldest(ctx); err != nil {
			return pops, err
		}
		pops++
	}
}

package futex

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// requeue implements FUTEX_REQUEUE and, with a non-nil cmp, FUTEX_CMP_REQUEUE.
//
// Up to n waiters on uaddr are woken; every other waiter on uaddr is moved
// to uaddr2 without waking. For CMP_REQUEUE the word at uaddr is compared
// with *cmp while both buckets are locked, so a mismatch leaves both queues
// exactly as they were.
func (s *System) requeue(ctx context.Context, uaddr, uaddr2 uintptr, n uint32, cmp *uint32, private bool) (int, error) {
	loc, from, err := s.resolve(ctx, uaddr, private)
	if err != nil {
		return 0, err
	}

	_, to, err := s.resolve(ctx, uaddr2, private)
	if err != nil {
		return 0, err
	}

	var cond func() bool

	if cmp != nil {
		want := *cmp
		cond = func() bool {
			return atomic.LoadUint32(loc.Word) == want
		}
	}

	woken, moved, ok := s.table.Requeue(from, to, int(n), cond)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrValueMismatch, uaddr)
	}

	s.deliver(woken)

	s.log.Debug("futex requeue",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("woken", len(woken)),
		zap.Int("moved", moved))

	return len(woken) + moved, nil
}

package futex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// wait implements FUTEX_WAIT and FUTEX_WAIT_BITSET.
//
// The word is compared with the bucket lock held, inside PushIf. A waker
// that changed the word before our check is seen by the check; a waker that
// changes it after has to take the same lock to scan, and finds the waiter.
func (s *System) wait(ctx context.Context, uaddr uintptr, val uint32, timeout uintptr, bitset uint32, private bool) error {
	if bitset == 0 {
		return fmt.Errorf("%w: zero bitset", ErrInvalid)
	}

	loc, key, err := s.resolve(ctx, uaddr, private)
	if err != nil {
		return err
	}

	waitCtx := ctx

	if timeout != 0 {
		d, timeoutErr := s.readTimeout(ctx, timeout)
		if timeoutErr != nil {
			return timeoutErr
		}

		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	task, ok := s.host.CurrentTask(ctx)
	if !ok {
		panic("futex: wait outside task context")
	}

	w := NewWaiter(key, bitset, task)

	queued := s.table.PushIf(w, func() bool {
		return atomic.LoadUint32(loc.Word) == val
	})
	if !queued {
		return fmt.Errorf("%w: %#x", ErrValueMismatch, uaddr)
	}

	s.log.Debug("futex wait",
		zap.Stringer("key", key),
		zap.Uint32("bitset", bitset),
		zap.Uint64("task", task.ID()))

	yieldErr := s.host.Yield(waitCtx)
	if yieldErr == nil {
		return nil
	}

	if !s.table.Remove(w) {
		// A wake dequeued w before we could; its delivery is in flight and
		// must be consumed so it does not leak into the task's next wait.
		_ = s.host.Yield(context.WithoutCancel(ctx))

		return nil
	}

	if errors.Is(yieldErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %#x", ErrTimedOut, uaddr)
	}

	return fmt.Errorf("%w: %w", ErrInterrupted, yieldErr)
}

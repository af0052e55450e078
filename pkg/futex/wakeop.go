package futex

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// ApplyWakeOp returns the result of applying the FUTEX_WAKE_OP
// sub-operation op with operand to old. Addition wraps.
func ApplyWakeOp(op, old, operand uint32) (uint32, error) {
	switch op {
	case WakeOpSet:
		return operand, nil
	case WakeOpAdd:
		return old + operand, nil
	case WakeOpOr:
		return old | operand, nil
	case WakeOpAndN:
		return old &^ operand, nil
	case WakeOpXor:
		return old ^ operand, nil
	default:
		return 0, fmt.Errorf("%w: wake-op %d", ErrInvalid, op)
	}
}

// wakeOp implements FUTEX_WAKE_OP: wake up to n waiters on uaddr, then
// apply op with operand to the word at uaddr2. The update happens whether
// or not anybody was woken. Arguments are validated before either step.
func (s *System) wakeOp(ctx context.Context, uaddr uintptr, n uint32, uaddr2 uintptr, operand, op uint32, private bool) (int, error) {
	_, err := ApplyWakeOp(op, 0, operand)
	if err != nil {
		return 0, err
	}

	_, key, err := s.resolve(ctx, uaddr, private)
	if err != nil {
		return 0, err
	}

	loc2, err := s.translate(ctx, uaddr2)
	if err != nil {
		return 0, err
	}

	woken := s.table.TakeMatching(key, BitsetMatchAny, int(n))
	s.deliver(woken)

	var old, updated uint32

	for {
		old = atomic.LoadUint32(loc2.Word)
		updated, _ = ApplyWakeOp(op, old, operand)

		if atomic.CompareAndSwapUint32(loc2.Word, old, updated) {
			break
		}
	}

	s.log.Debug("futex wake-op",
		zap.Stringer("key", key),
		zap.Int("woken", len(woken)),
		zap.Uint32("op", op),
		zap.Uint32("old", old),
		zap.Uint32("new", updated))

	return len(woken), nil
}

package futex

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// wake implements FUTEX_WAKE and FUTEX_WAKE_BITSET. Finding no waiters is
// not an error.
func (s *System) wake(ctx context.Context, uaddr uintptr, n uint32, bitset uint32, private bool) (int, error) {
	if bitset == 0 {
		return 0, fmt.Errorf("%w: zero bitset", ErrInvalid)
	}

	_, key, err := s.resolve(ctx, uaddr, private)
	if err != nil {
		return 0, err
	}

	woken := s.table.TakeMatching(key, bitset, int(n))
	s.deliver(woken)

	s.log.Debug("futex wake",
		zap.Stringer("key", key),
		zap.Uint32("bitset", bitset),
		zap.Int("woken", len(woken)))

	return len(woken), nil
}

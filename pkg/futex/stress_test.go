package futex_test

import (
	"context"
	"flag"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfutex/internal/hostsim"
	"github.com/calvinalkan/kfutex/pkg/futex"
)

// Duration for the stress tests.
// Override via: go test ./pkg/futex -run Stress -futex.stress=10s.
var flagStress = flag.Duration("futex.stress", 500*time.Millisecond, "duration for futex stress tests")

// futexMutex is the three-state futex mutex: 0 unlocked, 1 locked,
// 2 locked with possible waiters.
type futexMutex struct {
	sys  *futex.System
	proc *hostsim.Process
	addr uintptr

	waits *atomic.Int64 // FUTEX_WAIT calls that returned 0
	woken *atomic.Int64 // sum of FUTEX_WAKE results
}

func (m futexMutex) lock(ctx context.Context) error {
	ok, err := m.proc.CompareAndSwap(m.addr, 0, 1)
	if err != nil || ok {
		return err
	}

	for {
		old, swapErr := m.proc.Swap(m.addr, 2)
		if swapErr != nil {
			return swapErr
		}

		if old == 0 {
			return nil
		}

		switch r := m.sys.Syscall(ctx, m.addr, opWait, 2, 0, 0, 0); r {
		case 0:
			m.waits.Add(1)
		case -futex.EAGAIN:
		default:
			return futex.ErrInvalid
		}
	}
}

func (m futexMutex) unlock(ctx context.Context) error {
	old, err := m.proc.Swap(m.addr, 0)
	if err != nil {
		return err
	}

	if old == 2 {
		m.woken.Add(int64(m.sys.Syscall(ctx, m.addr, opWake, 1, 0, 0, 0)))
	}

	return nil
}

func Test_Stress_Futex_Mutex_Excludes_And_Never_Loses_Wakeups(t *testing.T) {
	t.Parallel()

	const workers = 8

	f := newFixture(t, futex.Config{Buckets: 7})
	mu := futexMutex{sys: f.sys, proc: f.proc, addr: wordA, waits: new(atomic.Int64), woken: new(atomic.Int64)}

	var (
		inside   atomic.Int32
		acquired atomic.Int64
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)

	deadline := time.Now().Add(*flagStress)
	errs := make(chan error, workers)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ctx := f.proc.NewThread().Context(context.Background())

			for time.Now().Before(deadline) {
				err := mu.lock(ctx)
				if err != nil {
					errs <- err

					return
				}

				if inside.Add(1) != 1 {
					overlap.Store(true)
				}

				acquired.Add(1)
				inside.Add(-1)

				err = mu.unlock(ctx)
				if err != nil {
					errs <- err

					return
				}
			}
		}()
	}

	finished := make(chan struct{})

	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(*flagStress + 30*time.Second):
		t.Fatalf("workers stuck: %d waiters queued, a wakeup was lost", f.sys.Table().Len())
	}

	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.False(t, overlap.Load(), "two workers held the mutex at once")
	assert.Positive(t, acquired.Load())
	assert.Zero(t, f.sys.Table().Len())

	// Every dequeued waiter returns 0 from its wait, exactly once.
	assert.Equal(t, mu.waits.Load(), mu.woken.Load())
	assert.Equal(t, mu.waits.Load(), f.machine.Wakes())
}

// Timed waits racing with wakes exercise the path where a timeout fires
// after a waker already dequeued the waiter. The wake must be consumed
// by that wait, never leaked into the thread's next one.
func Test_Stress_Timed_Waits_Leave_No_Pending_Wakes_When_Racing_Wakers(t *testing.T) {
	t.Parallel()

	const waiters = 6

	f := newFixture(t, futex.Config{})
	writeTimespec(t, f.proc, tsAddr, 200*time.Microsecond)

	var (
		wg      sync.WaitGroup
		stop    atomic.Bool
		bad     atomic.Int64
		woken   atomic.Int64
		expired atomic.Int64
	)

	threads := make([]*hostsim.Thread, waiters)
	deadline := time.Now().Add(*flagStress)

	for i := range threads {
		threads[i] = f.proc.NewThread()
		ctx := threads[i].Context(context.Background())

		wg.Add(1)

		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				switch r := f.sys.Syscall(ctx, wordA, opWait, 0, tsAddr, 0, 0); r {
				case 0:
					woken.Add(1)
				case -futex.ETIMEDOUT:
					expired.Add(1)
				default:
					bad.Add(1)
				}
			}
		}()
	}

	wakerDone := make(chan struct{})

	go func() {
		defer close(wakerDone)

		ctx := f.proc.NewThread().Context(context.Background())

		for !stop.Load() {
			f.sys.Syscall(ctx, wordA, opWake, 1, 0, 0, 0)
		}
	}()

	wg.Wait()
	stop.Store(true)
	<-wakerDone

	assert.Zero(t, bad.Load(), "unexpected wait results")
	assert.Positive(t, woken.Load()+expired.Load())
	assert.Zero(t, f.sys.Table().Len())

	for _, thread := range threads {
		assert.False(t, thread.Pending(), "thread %d has a leaked wake", thread.ID())
	}
}

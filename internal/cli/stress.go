package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/kfutex/internal/hostsim"
	"github.com/calvinalkan/kfutex/pkg/futex"
)

// ErrStressMismatch is returned when a stress run ends inconsistent.
var ErrStressMismatch = errors.New("stress: mismatch")

const (
	stressBase    uintptr = 0x400000
	stressLock            = stressBase
	stressCounter         = stressBase + 0x40
)

// StressCmd returns the stress command.
func StressCmd() *Command {
	flags := flag.NewFlagSet("stress", flag.ContinueOnError)
	threads := flags.IntP("threads", "t", 8, "Number of contending `threads`")
	rounds := flags.IntP("rounds", "r", 1000, "Lock/unlock `rounds` per thread")

	return &Command{
		Flags: flags,
		Usage: "stress [flags]",
		Short: "Hammer a futex-based mutex",
		Long: `Run threads that each take and release a futex-based mutex rounds times,
incrementing a shared counter inside the lock.

Fails when the counter is off, when the number of successful waits differs
from the number of waiters woken, or when waiters remain queued.`,
		Validate: func([]string) error {
			if *threads < 1 || *rounds < 1 {
				return errors.New("--threads and --rounds must be positive")
			}

			return nil
		},
		Simulate: func(ctx context.Context, o *IO, sim *Simulation, _ []string) error {
			return execStress(ctx, o, sim, *threads, *rounds)
		},
	}
}

// StressResult summarizes one stress run.
type StressResult struct {
	Counter uint32
	Waits   int64 // FUTEX_WAIT calls that returned 0
	Retries int64 // FUTEX_WAIT calls that returned EAGAIN
	Woken   int64 // sum of FUTEX_WAKE results
	Queued  int   // waiters left in the table
	Elapsed time.Duration
}

func execStress(ctx context.Context, o *IO, sim *Simulation, threads, rounds int) error {
	sim.Logger.Debug("stress starting",
		zap.Int("threads", threads),
		zap.Int("rounds", rounds),
		zap.Int("buckets", sim.System.Table().BucketCount()),
	)

	res, err := Stress(ctx, sim.Machine, sim.System, threads, rounds)
	if err != nil {
		return err
	}

	o.Printf("threads=%d rounds=%d counter=%d waits=%d retries=%d woken=%d queued=%d elapsed=%s\n",
		threads, rounds, res.Counter, res.Waits, res.Retries, res.Woken, res.Queued, res.Elapsed.Round(time.Millisecond))

	want := uint32(threads * rounds) //nolint:gosec // bounded by flags

	switch {
	case res.Counter != want:
		return fmt.Errorf("%w: counter=%d, want=%d", ErrStressMismatch, res.Counter, want)
	case res.Waits != res.Woken:
		return fmt.Errorf("%w: waits=%d, woken=%d", ErrStressMismatch, res.Waits, res.Woken)
	case res.Queued != 0:
		return fmt.Errorf("%w: %d waiters left queued", ErrStressMismatch, res.Queued)
	}

	return nil
}

// Stress runs the mutex workload on a fresh pid 1 of machine.
//
// The mutex word is 0 (unlocked), 1 (locked) or 2 (locked, maybe waiters).
func Stress(ctx context.Context, machine *hostsim.Machine, sys *futex.System, threads, rounds int) (StressResult, error) {
	proc, err := machine.NewProcess(1)
	if err != nil {
		return StressResult{}, err
	}

	err = proc.Map(stressBase, 1)
	if err != nil {
		return StressResult{}, err
	}

	var (
		res     StressResult
		wg      sync.WaitGroup
		waits   atomic.Int64
		retries atomic.Int64
		woken   atomic.Int64

		errMu    sync.Mutex
		firstErr error
	)

	fail := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()

		if firstErr == nil {
			firstErr = err
		}
	}

	const (
		waitPrivate = futex.OpWait | futex.FlagPrivate
		wakePrivate = futex.OpWake | futex.FlagPrivate
	)

	start := time.Now()

	for range threads {
		tctx := proc.NewThread().Context(ctx)

		wg.Go(func() {
			for range rounds {
				swapped, err := proc.CompareAndSwap(stressLock, 0, 1)
				if err != nil {
					fail(err)

					return
				}

				for !swapped {
					old, err := proc.Swap(stressLock, 2)
					if err != nil {
						fail(err)

						return
					}

					if old == 0 {
						break
					}

					switch r := sys.Syscall(tctx, stressLock, waitPrivate, 2, 0, 0, 0); r {
					case 0:
						waits.Add(1)
					case -futex.EAGAIN:
						retries.Add(1)
					default:
						fail(fmt.Errorf("wait: %d", r))

						return
					}
				}

				v, err := proc.Load(stressCounter)
				if err == nil {
					err = proc.Store(stressCounter, v+1)
				}

				if err != nil {
					fail(err)

					return
				}

				old, err := proc.Swap(stressLock, 0)
				if err != nil {
					fail(err)

					return
				}

				if old == 2 {
					r := sys.Syscall(tctx, stressLock, wakePrivate, 1, 0, 0, 0)
					if r < 0 {
						fail(fmt.Errorf("wake: %d", r))

						return
					}

					woken.Add(int64(r))
				}
			}
		})
	}

	wg.Wait()

	if firstErr != nil {
		return StressResult{}, firstErr
	}

	res.Counter, err = proc.Load(stressCounter)
	if err != nil {
		return StressResult{}, err
	}

	res.Waits = waits.Load()
	res.Retries = retries.Load()
	res.Woken = woken.Load()
	res.Queued = sys.Table().Len()
	res.Elapsed = time.Since(start)

	return res, nil
}

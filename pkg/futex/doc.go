// Package futex implements the kernel half of the futex wait/wake primitive.
//
// A [System] owns a fixed, sharded table of blocked waiters and executes the
// Linux futex operation set against it: WAIT, WAIT_BITSET, WAKE,
// WAKE_BITSET, REQUEUE, CMP_REQUEUE and WAKE_OP. Everything the subsystem
// needs from the surrounding kernel (address translation, the current task,
// suspension and wake delivery) is consumed through a [Host], which is
// assembled and validated once through a [Registry].
//
// # Basic Usage
//
//	var reg futex.Registry
//	reg.RegisterTranslate(mm.Translate)
//	reg.RegisterCurrentTask(sched.Current)
//	reg.RegisterCurrentProcessID(sched.PID)
//	reg.RegisterYield(sched.Yield)
//	reg.RegisterWakeTask(sched.Wake)
//
//	host, err := reg.Resolve()
//	if err != nil {
//	    // [ErrConfiguration]: fix the wiring, do not retry
//	}
//
//	sys, err := futex.New(futex.Config{}, host)
//	ret := sys.Syscall(ctx, uaddr, futex.OpWait|futex.FlagPrivate, 0, 0, 0, 0)
//
// # Concurrency
//
// Every bucket has its own lock. Operations touching two buckets (REQUEUE,
// CMP_REQUEUE) always lock the bucket with the lower index first, so two
// requeues with swapped keys cannot deadlock.
//
// A waiter is published in its bucket before the calling task yields. A
// wake that finds it may run before the yield; the host must remember the
// wake so the yield returns immediately.
//
// # Error Handling
//
// Per-call errors are returned, never raised: [ErrFault], [ErrValueMismatch],
// [ErrInvalid], [ErrNotSupported], [ErrFDRemoved], [ErrTimedOut] and
// [ErrInterrupted]. [Errno] maps them to negative Linux errno values.
// [ErrConfiguration] only comes out of [Registry.Resolve] and [New].
package futex

package futex

import "errors"

// Sentinel errors returned by futex operations.
//
// Callers should use [errors.Is] to check error types:
//
//	_, err := sys.Futex(ctx, call)
//	if errors.Is(err, futex.ErrValueMismatch) {
//	    // re-read the futex word and retry
//	}
var (
	// ErrFault indicates a user address did not translate to a mapped word.
	//
	// The operation is aborted before any queue is touched.
	ErrFault = errors.New("futex: bad address")

	// ErrValueMismatch indicates the futex word did not hold the expected
	// value when it was checked (WAIT, WAIT_BITSET, CMP_REQUEUE).
	//
	// Not a fault: the caller should re-evaluate its state and retry.
	ErrValueMismatch = errors.New("futex: value mismatch")

	// ErrInvalid indicates invalid arguments: a zero bitset, a misaligned
	// address, a malformed timeout or an unknown wake-op sub-operation.
	ErrInvalid = errors.New("futex: invalid argument")

	// ErrNotSupported indicates an operation this subsystem does not
	// implement: unknown operation codes, the priority-inheritance family,
	// and shared keys when [Config.SharedKeys] is off.
	ErrNotSupported = errors.New("futex: operation not supported")

	// ErrFDRemoved is returned by FUTEX_FD.
	//
	// The operation was inherently racy and has been removed; it reports
	// "try again" without side effects so probing callers keep working.
	ErrFDRemoved = errors.New("futex: FUTEX_FD removed")

	// ErrTimedOut indicates a wait reached its timeout before being woken.
	ErrTimedOut = errors.New("futex: timed out")

	// ErrInterrupted indicates a wait's context was canceled before the
	// waiter was woken.
	ErrInterrupted = errors.New("futex: interrupted")

	// ErrConfiguration indicates the host capabilities are missing or bound
	// more than once.
	//
	// This is a programming error detected at startup; it is never returned
	// by an individual operation.
	ErrConfiguration = errors.New("futex: configuration")
)

// Linux errno values used by the syscall surface.
const (
	EINTR     = 4
	EAGAIN    = 11
	EFAULT    = 14
	EINVAL    = 22
	ENOSYS    = 38
	ETIMEDOUT = 110
)

var errnoTable = []struct {
	err   error
	errno int
}{
	{ErrFault, EFAULT},
	{ErrValueMismatch, EAGAIN},
	{ErrFDRemoved, EAGAIN},
	{ErrInvalid, EINVAL},
	{ErrNotSupported, ENOSYS},
	{ErrTimedOut, ETIMEDOUT},
	{ErrInterrupted, EINTR},
}

// Errno returns the negative Linux errno for err, or 0 if err is nil.
//
// Errors that are not futex sentinels map to -EINVAL.
func Errno(err error) int {
	if err == nil {
		return 0
	}

	for _, entry := range errnoTable {
		if errors.Is(err, entry.err) {
			return -entry.errno
		}
	}

	return -EINVAL
}

package futex

import "strconv"

// Operation codes, from <linux/futex.h>.
const (
	OpWait          = 0
	OpWake          = 1
	OpFD            = 2
	OpRequeue       = 3
	OpCmpRequeue    = 4
	OpWakeOp        = 5
	OpLockPI        = 6
	OpUnlockPI      = 7
	OpTrylockPI     = 8
	OpWaitBitset    = 9
	OpWakeBitset    = 10
	OpWaitRequeuePI = 11
	OpCmpRequeuePI  = 12
	OpLockPI2       = 13
)

// Operation flags, or'ed into the operation code.
const (
	// FlagPrivate selects process-private keys for every address in the call.
	FlagPrivate = 128

	// FlagClockRealtime is accepted and ignored; timeouts are relative.
	FlagClockRealtime = 256

	// CmdMask strips the flags from an operation.
	CmdMask = ^(FlagPrivate | FlagClockRealtime)
)

// BitsetMatchAny matches every waiter.
const BitsetMatchAny uint32 = 0xffffffff

// WakeOp sub-operations applied to the second word by FUTEX_WAKE_OP.
const (
	WakeOpSet  = 0
	WakeOpAdd  = 1
	WakeOpOr   = 2
	WakeOpAndN = 3
	WakeOpXor  = 4
)

var opNames = map[int32]string{
	OpWait:          "WAIT",
	OpWake:          "WAKE",
	OpFD:            "FD",
	OpRequeue:       "REQUEUE",
	OpCmpRequeue:    "CMP_REQUEUE",
	OpWakeOp:        "WAKE_OP",
	OpLockPI:        "LOCK_PI",
	OpUnlockPI:      "UNLOCK_PI",
	OpTrylockPI:     "TRYLOCK_PI",
	OpWaitBitset:    "WAIT_BITSET",
	OpWakeBitset:    "WAKE_BITSET",
	OpWaitRequeuePI: "WAIT_REQUEUE_PI",
	OpCmpRequeuePI:  "CMP_REQUEUE_PI",
	OpLockPI2:       "LOCK_PI2",
}

// OpName returns the name of the command in op, ignoring flags.
func OpName(op int32) string {
	cmd := op & CmdMask
	if name, ok := opNames[cmd]; ok {
		if op&FlagPrivate != 0 {
			return name + "_PRIVATE"
		}

		return name
	}

	return "OP(" + strconv.Itoa(int(cmd)) + ")"
}

package futex

import (
	"context"
	"fmt"
	"math/bits"

	"go.uber.org/zap"
)

// Config configures a [System]. The zero value selects the defaults.
type Config struct {
	// Buckets is the number of wait-queue shards. Default [DefaultBuckets].
	Buckets int

	// PageSize splits addresses into page and offset. Must be a power of two.
	// Default [DefaultPageSize].
	PageSize uint64

	// SharedKeys enables operations without [FlagPrivate]. When false they
	// return [ErrNotSupported].
	SharedKeys bool

	// Logger receives initialization and per-operation debug records.
	// Default: [zap.NewNop].
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Buckets == 0 {
		c.Buckets = DefaultBuckets
	}

	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}

func (c Config) validate() error {
	if c.Buckets < 1 {
		return fmt.Errorf("%w: buckets %d < 1", ErrConfiguration, c.Buckets)
	}

	if c.PageSize < 4 || bits.OnesCount64(c.PageSize) != 1 {
		return fmt.Errorf("%w: page size %d is not a power of two >= 4", ErrConfiguration, c.PageSize)
	}

	return nil
}

// System is the futex subsystem: one wait-queue table plus the host it
// runs against. It is safe for concurrent use.
type System struct {
	host       Host
	table      *Table
	pageSize   uint64
	sharedKeys bool
	log        *zap.Logger
}

// New validates cfg and host and builds the wait-queue table.
//
// Errors wrap [ErrConfiguration].
func New(cfg Config, host Host) (*System, error) {
	cfg = cfg.withDefaults()

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	err = host.Validate()
	if err != nil {
		return nil, err
	}

	sys := &System{
		host:       host,
		table:      NewTable(cfg.Buckets),
		pageSize:   cfg.PageSize,
		sharedKeys: cfg.SharedKeys,
		log:        cfg.Logger,
	}

	sys.log.Info("futex table initialized",
		zap.Int("buckets", cfg.Buckets),
		zap.Uint64("page_size", cfg.PageSize),
		zap.Bool("shared_keys", cfg.SharedKeys))

	return sys, nil
}

// Table returns the system's wait-queue table.
func (s *System) Table() *Table {
	return s.table
}

// PageSize returns the page size keys are split on.
func (s *System) PageSize() uint64 {
	return s.pageSize
}

// Call is one futex request, laid out like futex(2).
type Call struct {
	Addr uintptr
	Op   int32
	Val  uint32

	// Timeout is a user pointer to a struct timespec for the wait
	// operations. FUTEX_WAKE_OP reads its low 32 bits as the sub-operation.
	Timeout uintptr

	Addr2 uintptr
	Val3  uint32
}

// Futex executes c. On success it returns 0 for waits, the number of tasks
// woken for WAKE, WAKE_BITSET and WAKE_OP, and woken plus requeued for
// REQUEUE and CMP_REQUEUE.
func (s *System) Futex(ctx context.Context, c Call) (int, error) {
	private := c.Op&FlagPrivate != 0

	switch c.Op & CmdMask {
	case OpWait:
		return 0, s.wait(ctx, c.Addr, c.Val, c.Timeout, BitsetMatchAny, private)
	case OpWaitBitset:
		return 0, s.wait(ctx, c.Addr, c.Val, c.Timeout, c.Val3, private)
	case OpWake:
		return s.wake(ctx, c.Addr, c.Val, BitsetMatchAny, private)
	case OpWakeBitset:
		return s.wake(ctx, c.Addr, c.Val, c.Val3, private)
	case OpFD:
		return 0, ErrFDRemoved
	case OpRequeue:
		return s.requeue(ctx, c.Addr, c.Addr2, c.Val, nil, private)
	case OpCmpRequeue:
		return s.requeue(ctx, c.Addr, c.Addr2, c.Val, &c.Val3, private)
	case OpWakeOp:
		return s.wakeOp(ctx, c.Addr, c.Val, c.Addr2, c.Val3, uint32(c.Timeout), private)
	default:
		return 0, fmt.Errorf("%w: %s", ErrNotSupported, OpName(c.Op))
	}
}

// Syscall is the futex(2) call surface: it returns the [System.Futex]
// result, or a negative Linux errno.
func (s *System) Syscall(ctx context.Context, addr uintptr, op int32, val uint32, timeout, addr2 uintptr, val3 uint32) int {
	n, err := s.Futex(ctx, Call{
		Addr:    addr,
		Op:      op,
		Val:     val,
		Timeout: timeout,
		Addr2:   addr2,
		Val3:    val3,
	})
	if err != nil {
		return Errno(err)
	}

	return n
}

// translate checks alignment and resolves uaddr through the host.
func (s *System) translate(ctx context.Context, uaddr uintptr) (Location, error) {
	if uaddr%4 != 0 {
		return Location{}, fmt.Errorf("%w: address %#x not 4-byte aligned", ErrInvalid, uaddr)
	}

	loc, ok := s.host.Translate(ctx, uaddr)
	if !ok || loc.Word == nil {
		return Location{}, fmt.Errorf("%w: %#x", ErrFault, uaddr)
	}

	return loc, nil
}

// resolve translates uaddr and derives its key.
func (s *System) resolve(ctx context.Context, uaddr uintptr, private bool) (Location, Key, error) {
	if !private && !s.sharedKeys {
		return Location{}, Key{}, fmt.Errorf("%w: shared futex keys are disabled", ErrNotSupported)
	}

	loc, err := s.translate(ctx, uaddr)
	if err != nil {
		return Location{}, Key{}, err
	}

	if !private {
		return loc, NewSharedKey(loc.Phys, s.pageSize), nil
	}

	pid, ok := s.host.CurrentProcessID(ctx)
	if !ok {
		panic("futex: private key requested outside task context")
	}

	return loc, NewPrivateKey(pid, uint64(uaddr), s.pageSize), nil
}

// deliver hands dequeued waiters back to the host.
func (s *System) deliver(woken []*Waiter) {
	for _, w := range woken {
		s.host.WakeTask(w)
	}
}

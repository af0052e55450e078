package futex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/calvinalkan/kfutex/internal/hostsim"
	"github.com/calvinalkan/kfutex/pkg/futex"
)

const (
	pageSize = 4096

	// userBase is where the fixture maps its first page in pid 1.
	userBase uintptr = 0x400000
	unmapped uintptr = 0x7f0000

	wordA  = userBase
	wordB  = userBase + 0x40
	tsAddr = userBase + 0x800
)

const (
	opWait       = futex.OpWait | futex.FlagPrivate
	opWake       = futex.OpWake | futex.FlagPrivate
	opWaitBitset = futex.OpWaitBitset | futex.FlagPrivate
	opWakeBitset = futex.OpWakeBitset | futex.FlagPrivate
	opRequeue    = futex.OpRequeue | futex.FlagPrivate
	opCmpRequeue = futex.OpCmpRequeue | futex.FlagPrivate
	opWakeOp     = futex.OpWakeOp | futex.FlagPrivate
)

type fixture struct {
	machine *hostsim.Machine
	proc    *hostsim.Process
	sys     *futex.System
}

func newFixture(t *testing.T, cfg futex.Config) *fixture {
	t.Helper()

	machine, err := hostsim.New(hostsim.Options{Frames: 16, PageSize: pageSize})
	require.NoError(t, err)

	t.Cleanup(func() { _ = machine.Close() })

	proc, err := machine.NewProcess(1)
	require.NoError(t, err)
	require.NoError(t, proc.Map(userBase, 2))

	sys, err := machine.NewSystem(cfg)
	require.NoError(t, err)

	return &fixture{machine: machine, proc: proc, sys: sys}
}

func (f *fixture) privateKey(addr uintptr) futex.Key {
	return futex.NewPrivateKey(f.proc.PID(), uint64(addr), pageSize)
}

// call runs one futex call as a fresh thread of proc.
func (f *fixture) call(proc *hostsim.Process, addr uintptr, op int32, val uint32, timeout, addr2 uintptr, val3 uint32) int {
	thread := proc.NewThread()

	return f.sys.Syscall(thread.Context(context.Background()), addr, op, val, timeout, addr2, val3)
}

// spawn runs a futex call on a new goroutine as thread and returns its
// result channel.
func (f *fixture) spawn(ctx context.Context, thread *hostsim.Thread, c futex.Call) <-chan int {
	done := make(chan int, 1)

	go func() {
		done <- f.sys.Syscall(thread.Context(ctx), c.Addr, c.Op, c.Val, c.Timeout, c.Addr2, c.Val3)
	}()

	return done
}

// waitOn starts a blocking wait on addr and returns once it is queued.
func (f *fixture) waitOn(t *testing.T, proc *hostsim.Process, addr uintptr, op int32, bitset uint32) (*hostsim.Thread, <-chan int) {
	t.Helper()

	thread := proc.NewThread()
	before := f.sys.Table().Len()

	done := f.spawn(context.Background(), thread, futex.Call{Addr: addr, Op: op, Val: 0, Val3: bitset})

	require.Eventually(t, func() bool {
		return f.sys.Table().Len() == before+1
	}, 5*time.Second, time.Millisecond, "waiter never queued")

	return thread, done
}

func receive(t *testing.T, done <-chan int) int {
	t.Helper()

	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not return")

		return 0
	}
}

func requireBlocked(t *testing.T, done <-chan int) {
	t.Helper()

	select {
	case r := <-done:
		t.Fatalf("waiter returned %d, want still blocked", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func Test_Wait_Returns_EAGAIN_When_Word_Differs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})
	require.NoError(t, f.proc.Store(wordA, 1))

	r := f.call(f.proc, wordA, opWait, 0, 0, 0, 0)

	assert.Equal(t, -futex.EAGAIN, r)
	assert.Zero(t, f.sys.Table().Len(), "mismatch must not enqueue")
}

func Test_Wake_Returns_Zero_When_No_Waiters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	assert.Equal(t, 0, f.call(f.proc, wordA, opWake, 10, 0, 0, 0))
}

func Test_Wake_Logs_Key_And_Count_When_Debug_Enabled(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixture(t, futex.Config{Logger: zap.New(core)})

	require.Equal(t, 0, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))

	records := logs.FilterMessage("futex wake").All()
	require.Len(t, records, 1)

	fields := records[0].ContextMap()
	assert.Equal(t, f.privateKey(wordA).String(), fields["key"])
	assert.Equal(t, futex.BitsetMatchAny, fields["bitset"])
	assert.Equal(t, int64(0), fields["woken"])

	assert.Equal(t, 1, logs.FilterMessage("futex table initialized").Len())
}

func Test_Wait_Returns_Zero_When_Woken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	_, done := f.waitOn(t, f.proc, wordA, opWait, 0)

	require.Equal(t, 1, f.sys.Table().Count(f.privateKey(wordA)))
	require.Equal(t, 1, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
	assert.Zero(t, f.sys.Table().Len())
}

func Test_Wake_Wakes_Oldest_Waiters_First(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	var (
		threads []*hostsim.Thread
		dones   []<-chan int
	)

	for range 3 {
		thread, done := f.waitOn(t, f.proc, wordA, opWait, 0)
		threads = append(threads, thread)
		dones = append(dones, done)
	}

	require.Equal(t, 1, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, dones[0]))
	assert.Equal(t, []uint64{threads[1].ID(), threads[2].ID()}, queuedIDs(f.sys.Table(), f.privateKey(wordA)))

	require.Equal(t, 2, f.call(f.proc, wordA, opWake, 5, 0, 0, 0))
	assert.Equal(t, 0, receive(t, dones[1]))
	assert.Equal(t, 0, receive(t, dones[2]))
}

func Test_Bitset_Ops_Return_EINVAL_When_Bitset_Is_Zero(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA, opWaitBitset, 0, 0, 0, 0))
	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA, opWakeBitset, 1, 0, 0, 0))
	assert.Zero(t, f.sys.Table().Len(), "zero bitset must never enqueue")
}

func Test_WakeBitset_Wakes_Only_Intersecting_Waiters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	_, low := f.waitOn(t, f.proc, wordA, opWaitBitset, 0b01)
	_, high := f.waitOn(t, f.proc, wordA, opWaitBitset, 0b10)
	_, both := f.waitOn(t, f.proc, wordA, opWaitBitset, 0b11)

	require.Equal(t, 2, f.call(f.proc, wordA, opWakeBitset, 10, 0, 0, 0b10))
	assert.Equal(t, 0, receive(t, high))
	assert.Equal(t, 0, receive(t, both))
	requireBlocked(t, low)

	entries := f.sys.Table().Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(0b01), entries[0].Bitset)

	require.Equal(t, 1, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, low))
}

func Test_Requeue_Moves_Every_Waiter_When_Wake_Count_Is_Zero(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	var dones []<-chan int

	for range 3 {
		_, done := f.waitOn(t, f.proc, wordA, opWait, 0)
		dones = append(dones, done)
	}

	require.Equal(t, 3, f.call(f.proc, wordA, opRequeue, 0, 0, wordB, 0))
	assert.Zero(t, f.sys.Table().Count(f.privateKey(wordA)))
	assert.Equal(t, 3, f.sys.Table().Count(f.privateKey(wordB)))

	for _, done := range dones {
		requireBlocked(t, done)
	}

	assert.Equal(t, 0, f.call(f.proc, wordA, opWake, 10, 0, 0, 0), "requeued waiters must not answer the old address")
	require.Equal(t, 3, f.call(f.proc, wordB, opWake, 10, 0, 0, 0))

	for _, done := range dones {
		assert.Equal(t, 0, receive(t, done))
	}
}

func Test_Requeue_Wakes_Count_Then_Moves_Rest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	first, firstDone := f.waitOn(t, f.proc, wordA, opWait, 0)
	second, secondDone := f.waitOn(t, f.proc, wordA, opWait, 0)

	require.Equal(t, 2, f.call(f.proc, wordA, opRequeue, 1, 0, wordB, 0))
	assert.Equal(t, 0, receive(t, firstDone))
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, []uint64{second.ID()}, queuedIDs(f.sys.Table(), f.privateKey(wordB)))

	require.Equal(t, 1, f.call(f.proc, wordB, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, secondDone))
}

func Test_CmpRequeue_Returns_EAGAIN_And_Leaves_Queues_When_Word_Differs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	_, done := f.waitOn(t, f.proc, wordA, opWait, 0)
	require.NoError(t, f.proc.Store(wordA, 7))

	before := f.sys.Table().Snapshot()

	assert.Equal(t, -futex.EAGAIN, f.call(f.proc, wordA, opCmpRequeue, 1, 0, wordB, 6))
	assert.Equal(t, before, f.sys.Table().Snapshot())
	requireBlocked(t, done)

	require.Equal(t, 1, f.call(f.proc, wordA, opCmpRequeue, 0, 0, wordB, 7))
	require.Equal(t, 1, f.call(f.proc, wordB, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
}

func Test_WakeOp_Updates_Second_Word_When_No_Waiters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})
	require.NoError(t, f.proc.Store(wordB, 5))

	r := f.call(f.proc, wordA, opWakeOp, 1, futex.WakeOpAdd, wordB, 3)

	assert.Equal(t, 0, r)

	got, err := f.proc.Load(wordB)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), got)
}

func Test_WakeOp_Wakes_First_Word_And_Applies_Op(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})
	require.NoError(t, f.proc.Store(wordB, 0b1111))

	_, done := f.waitOn(t, f.proc, wordA, opWait, 0)

	require.Equal(t, 1, f.call(f.proc, wordA, opWakeOp, 1, futex.WakeOpAndN, wordB, 0b0101))
	assert.Equal(t, 0, receive(t, done))

	got, err := f.proc.Load(wordB)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b1010), got)
}

func Test_WakeOp_Returns_EINVAL_Without_Side_Effects_When_Op_Unknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})
	require.NoError(t, f.proc.Store(wordB, 5))

	_, done := f.waitOn(t, f.proc, wordA, opWait, 0)

	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA, opWakeOp, 1, 9, wordB, 3))
	requireBlocked(t, done)

	got, err := f.proc.Load(wordB)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got)

	require.Equal(t, 1, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
}

func Test_WakeOp_Returns_EFAULT_Without_Waking_When_Second_Address_Unmapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	_, done := f.waitOn(t, f.proc, wordA, opWait, 0)

	assert.Equal(t, -futex.EFAULT, f.call(f.proc, wordA, opWakeOp, 1, futex.WakeOpSet, unmapped, 1))
	requireBlocked(t, done)

	require.Equal(t, 1, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
}

func Test_ApplyWakeOp_Computes_Each_Sub_Operation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		op      uint32
		old     uint32
		operand uint32
		want    uint32
	}{
		{name: "Set", op: futex.WakeOpSet, old: 9, operand: 4, want: 4},
		{name: "Add", op: futex.WakeOpAdd, old: 5, operand: 3, want: 8},
		{name: "AddWraps", op: futex.WakeOpAdd, old: 0xffffffff, operand: 2, want: 1},
		{name: "Or", op: futex.WakeOpOr, old: 0b1000, operand: 0b0011, want: 0b1011},
		{name: "AndN", op: futex.WakeOpAndN, old: 0b1111, operand: 0b0110, want: 0b1001},
		{name: "Xor", op: futex.WakeOpXor, old: 0b1100, operand: 0b1010, want: 0b0110},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := futex.ApplyWakeOp(testCase.op, testCase.old, testCase.operand)
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}

	_, err := futex.ApplyWakeOp(5, 0, 0)
	require.ErrorIs(t, err, futex.ErrInvalid)
}

func Test_FD_Returns_EAGAIN_Without_Side_Effects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	assert.Equal(t, -futex.EAGAIN, f.call(f.proc, wordA, futex.OpFD, 0, 0, 0, 0))
	assert.Equal(t, -futex.EAGAIN, f.call(f.proc, unmapped, futex.OpFD|futex.FlagPrivate, 0, 0, 0, 0))
	assert.Zero(t, f.sys.Table().Len())
}

func Test_Syscall_Returns_ENOSYS_When_Op_Unknown_Or_Priority_Inheritance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	ops := []int32{
		futex.OpLockPI, futex.OpUnlockPI, futex.OpTrylockPI,
		futex.OpWaitRequeuePI, futex.OpCmpRequeuePI, futex.OpLockPI2, 42,
	}

	for _, op := range ops {
		assert.Equal(t, -futex.ENOSYS, f.call(f.proc, wordA, op|futex.FlagPrivate, 0, 0, 0, 0), futex.OpName(op))
	}
}

func Test_Syscall_Returns_EINVAL_When_Address_Misaligned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA+2, opWait, 0, 0, 0, 0))
	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA+1, opWake, 1, 0, 0, 0))
	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA, opRequeue, 1, 0, wordB+3, 0))
	assert.Zero(t, f.sys.Table().Len())
}

func Test_Syscall_Returns_EFAULT_When_Address_Unmapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	assert.Equal(t, -futex.EFAULT, f.call(f.proc, unmapped, opWait, 0, 0, 0, 0))
	assert.Equal(t, -futex.EFAULT, f.call(f.proc, unmapped, opWake, 1, 0, 0, 0))
	assert.Equal(t, -futex.EFAULT, f.call(f.proc, wordA, opCmpRequeue, 1, 0, unmapped, 0))
}

func Test_Shared_Ops_Return_ENOSYS_When_Shared_Keys_Disabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	assert.Equal(t, -futex.ENOSYS, f.call(f.proc, wordA, futex.OpWait, 0, 0, 0, 0))
	assert.Equal(t, -futex.ENOSYS, f.call(f.proc, wordA, futex.OpWake, 1, 0, 0, 0))
	assert.Zero(t, f.sys.Table().Len())
}

func Test_Shared_Wait_Is_Woken_Across_Processes_When_Shared_Keys_Enabled(t *testing.T) {
	t.Parallel()

	const otherBase uintptr = 0x900000

	f := newFixture(t, futex.Config{SharedKeys: true})

	other, err := f.machine.NewProcess(2)
	require.NoError(t, err)
	require.NoError(t, f.proc.Share(userBase, other, otherBase, 1))

	_, done := f.waitOn(t, other, otherBase+0x40, futex.OpWait, 0)

	phys, ok := f.proc.Phys(wordB)
	require.True(t, ok)
	assert.Equal(t, 1, f.sys.Table().Count(futex.NewSharedKey(phys, pageSize)))

	require.Equal(t, 1, f.call(f.proc, wordB, futex.OpWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
}

func Test_Private_Keys_Do_Not_Match_Across_Processes_When_Memory_Is_Shared(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{SharedKeys: true})

	other, err := f.machine.NewProcess(2)
	require.NoError(t, err)
	require.NoError(t, f.proc.Share(userBase, other, userBase, 1))

	_, done := f.waitOn(t, other, wordA, opWait, 0)

	assert.Equal(t, 0, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, f.call(f.proc, wordA, futex.OpWake, 1, 0, 0, 0))
	requireBlocked(t, done)

	require.Equal(t, 1, f.call(other, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
}

func writeTimespec(t *testing.T, proc *hostsim.Process, addr uintptr, d time.Duration) {
	t.Helper()

	ts, err := futex.MarshalTimespec(d)
	require.NoError(t, err)
	require.Equal(t, futex.TimespecSize, proc.Write(addr, ts))
}

func Test_Wait_Returns_ETIMEDOUT_And_Dequeues_When_Timeout_Expires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})
	writeTimespec(t, f.proc, tsAddr, 20*time.Millisecond)

	start := time.Now()
	r := f.call(f.proc, wordA, opWait, 0, tsAddr, 0, 0)

	assert.Equal(t, -futex.ETIMEDOUT, r)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, f.sys.Table().Len(), "timed out waiter must be removed")
}

func Test_Wait_Returns_Zero_When_Woken_Before_Timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})
	writeTimespec(t, f.proc, tsAddr, time.Minute)

	thread := f.proc.NewThread()
	done := f.spawn(context.Background(), thread, futex.Call{Addr: wordA, Op: opWaitBitset, Timeout: tsAddr, Val3: 0b1})

	require.Eventually(t, func() bool { return f.sys.Table().Len() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
	assert.Equal(t, 0, receive(t, done))
	assert.False(t, thread.Pending())
}

func Test_Wait_Rejects_Timeout_When_Timespec_Invalid_Or_Unmapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	bad := make([]byte, futex.TimespecSize)
	bad[8], bad[9], bad[10], bad[11] = 0x00, 0xca, 0x9a, 0x3b // nsec = 1e9

	require.Equal(t, futex.TimespecSize, f.proc.Write(tsAddr, bad))

	assert.Equal(t, -futex.EINVAL, f.call(f.proc, wordA, opWait, 0, tsAddr, 0, 0))
	assert.Equal(t, -futex.EFAULT, f.call(f.proc, wordA, opWait, 0, unmapped, 0, 0))
	assert.Zero(t, f.sys.Table().Len())
}

func Test_Wait_Returns_EINTR_And_Dequeues_When_Context_Canceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, futex.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.spawn(ctx, f.proc.NewThread(), futex.Call{Addr: wordA, Op: opWait})

	require.Eventually(t, func() bool { return f.sys.Table().Len() == 1 }, 5*time.Second, time.Millisecond)

	cancel()

	assert.Equal(t, -futex.EINTR, receive(t, done))
	assert.Zero(t, f.sys.Table().Len())
	assert.Equal(t, 0, f.call(f.proc, wordA, opWake, 1, 0, 0, 0))
}

func Test_Timespec_Round_Trips_When_Duration_Is_Valid(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{0, time.Nanosecond, 1500 * time.Millisecond, 90 * time.Minute} {
		b, err := futex.MarshalTimespec(d)
		require.NoError(t, err)
		require.Len(t, b, futex.TimespecSize)

		got, err := futex.UnmarshalTimespec(b)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}

	_, err := futex.UnmarshalTimespec(make([]byte, 8))
	require.ErrorIs(t, err, futex.ErrInvalid)
}

func Test_Errno_Maps_Sentinels_To_Negative_Linux_Values(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{futex.ErrFault, -futex.EFAULT},
		{futex.ErrValueMismatch, -futex.EAGAIN},
		{futex.ErrFDRemoved, -futex.EAGAIN},
		{futex.ErrInvalid, -futex.EINVAL},
		{futex.ErrNotSupported, -futex.ENOSYS},
		{futex.ErrTimedOut, -futex.ETIMEDOUT},
		{futex.ErrInterrupted, -futex.EINTR},
		{context.Canceled, -futex.EINVAL},
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.want, futex.Errno(testCase.err), "%v", testCase.err)
	}
}

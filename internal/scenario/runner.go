package scenario

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"github.com/calvinalkan/kfutex/internal/hostsim"
	"github.com/calvinalkan/kfutex/pkg/futex"
)

// ScratchAddr is where the runner maps one page per process to hold wait
// timeouts.
const ScratchAddr uintptr = 0x7ff00000

// DefaultSettle bounds settle and expect steps that have no timeout.
const DefaultSettle = 5 * time.Second

// Runner executes steps against one machine and futex system. It is not
// safe for concurrent use; waits run on their own goroutines.
type Runner struct {
	machine *hostsim.Machine
	sys     *futex.System
	out     io.Writer
	log     *zap.Logger

	procs []*hostsim.Process
	main  map[uint64]*hostsim.Thread

	// waitCtx is canceled by Close to interrupt outstanding waits.
	waitCtx    context.Context
	cancelWait context.CancelFunc

	mu    sync.Mutex
	waits map[string]*wait
	order []string

	last int
	slot uintptr
}

type wait struct {
	thread *hostsim.Thread
	done   chan int

	// result is valid once finished is set; both guarded by Runner.mu.
	result   int
	finished bool
}

// NewRunner returns a runner printing one line per step to out.
func NewRunner(machine *hostsim.Machine, sys *futex.System, out io.Writer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		machine:    machine,
		sys:        sys,
		out:        out,
		log:        logger,
		main:       make(map[uint64]*hostsim.Thread),
		waitCtx:    ctx,
		cancelWait: cancel,
		waits:      make(map[string]*wait),
	}
}

// Run sets up f's processes and executes its steps in order. It stops at
// the first failing step.
func (r *Runner) Run(ctx context.Context, f *File) error {
	err := r.Setup(f.Processes)
	if err != nil {
		return err
	}

	for i, step := range f.Steps {
		err = r.Step(ctx, step)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}

	return nil
}

// Setup creates processes, then their mappings, then shared mappings, so a
// share may name any process in the list.
func (r *Runner) Setup(processes []Process) error {
	for _, p := range processes {
		proc, err := r.machine.NewProcess(p.PID)
		if err != nil {
			return err
		}

		r.procs = append(r.procs, proc)
		r.main[p.PID] = proc.NewThread()

		err = proc.Map(ScratchAddr, 1)
		if err != nil {
			return fmt.Errorf("pid %d scratch page: %w", p.PID, err)
		}
	}

	for _, p := range processes {
		proc, _ := r.machine.Process(p.PID)

		for _, m := range p.Maps {
			addr, err := ParseAddr(m.Addr)
			if err != nil {
				return fmt.Errorf("%w: pid %d map: %w", ErrInvalidScenario, p.PID, err)
			}

			err = proc.Map(addr, m.Pages)
			if err != nil {
				return fmt.Errorf("pid %d map %s: %w", p.PID, m.Addr, err)
			}
		}
	}

	for _, p := range processes {
		proc, _ := r.machine.Process(p.PID)

		for _, s := range p.Shares {
			err := r.share(proc, s)
			if err != nil {
				return fmt.Errorf("pid %d share from %d: %w", p.PID, s.From, err)
			}
		}
	}

	return nil
}

func (r *Runner) share(dst *hostsim.Process, s Share) error {
	src, err := r.machine.Process(s.From)
	if err != nil {
		return err
	}

	addr, err := ParseAddr(s.Addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}

	at, err := ParseAddr(s.At)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}

	return src.Share(addr, dst, at, s.Pages)
}

// Step executes one step.
func (r *Runner) Step(ctx context.Context, step Step) error {
	err := step.Validate()
	if err != nil {
		return err
	}

	proc, err := r.process(step.PID)
	if err != nil {
		return err
	}

	switch step.Op {
	case OpStore:
		return r.store(proc, step)
	case OpLoad:
		return r.load(proc, step)
	case OpWait:
		return r.wait(proc, step)
	case OpSettle:
		return r.settle(ctx, step)
	case OpExpect:
		return r.expect(ctx, proc, step)
	default:
		return r.call(ctx, proc, step)
	}
}

func (r *Runner) process(pid uint64) (*hostsim.Process, error) {
	if len(r.procs) == 0 {
		return nil, fmt.Errorf("%w: no processes set up", ErrInvalidScenario)
	}

	if pid == 0 {
		return r.procs[0], nil
	}

	return r.machine.Process(pid)
}

func (r *Runner) store(proc *hostsim.Process, step Step) error {
	addr, _ := ParseAddr(step.Addr)

	err := proc.Store(addr, step.Val)
	if err != nil {
		return err
	}

	r.printf("store pid=%d %s = %d", proc.PID(), step.Addr, step.Val)

	return nil
}

func (r *Runner) load(proc *hostsim.Process, step Step) error {
	addr, _ := ParseAddr(step.Addr)

	v, err := proc.Load(addr)
	if err != nil {
		return err
	}

	r.last = int(v)
	r.printf("load pid=%d %s -> %d", proc.PID(), step.Addr, v)

	return nil
}

func private(step Step) int32 {
	if step.Shared {
		return 0
	}

	return futex.FlagPrivate
}

func countOr(count *uint32, def uint32) uint32 {
	if count == nil {
		return def
	}

	return *count
}

// call runs every non-blocking futex op on the process's main thread.
func (r *Runner) call(ctx context.Context, proc *hostsim.Process, step Step) error {
	addr, _ := ParseAddr(step.Addr)
	c := futex.Call{Addr: addr}

	switch step.Op {
	case OpWake:
		c.Op = futex.OpWake
		c.Val = countOr(step.Count, 1)
	case OpWakeBitset:
		c.Op = futex.OpWakeBitset
		c.Val = countOr(step.Count, 1)
		c.Val3 = countOr(step.Bitset, futex.BitsetMatchAny)
	case OpRequeue, OpCmpRequeue:
		c.Op = futex.OpRequeue
		if step.Op == OpCmpRequeue {
			c.Op = futex.OpCmpRequeue
			c.Val3 = step.Val
		}

		c.Val = countOr(step.Count, 0)
		c.Addr2, _ = ParseAddr(step.Addr2)
	case OpWakeOp:
		op, _ := WakeOpCode(step.WakeOp)

		c.Op = futex.OpWakeOp
		c.Val = countOr(step.Count, 1)
		c.Timeout = uintptr(op)
		c.Addr2, _ = ParseAddr(step.Addr2)
		c.Val3 = step.Val
	case OpFD:
		c.Op = futex.OpFD
	}

	c.Op |= private(step)

	thread := r.main[proc.PID()]
	res := r.sys.Syscall(thread.Context(ctx), c.Addr, c.Op, c.Val, c.Timeout, c.Addr2, c.Val3)

	r.last = res
	r.printf("%s pid=%d %s -> %s", futex.OpName(c.Op), proc.PID(), step.Addr, FormatResult(res))

	return nil
}

// wait starts a blocking wait on a new thread and returns once the waiter is
// queued or the call has already returned.
func (r *Runner) wait(proc *hostsim.Process, step Step) error {
	r.mu.Lock()
	_, exists := r.waits[step.Thread]
	r.mu.Unlock()

	if exists {
		return fmt.Errorf("%w: thread %q already used", ErrInvalidScenario, step.Thread)
	}

	addr, _ := ParseAddr(step.Addr)
	c := futex.Call{Addr: addr, Op: futex.OpWait | private(step), Val: step.Val}

	if step.Bitset != nil {
		c.Op = futex.OpWaitBitset | private(step)
		c.Val3 = *step.Bitset
	}

	if step.Timeout != "" {
		ts, err := r.writeTimeout(proc, step.Timeout)
		if err != nil {
			return err
		}

		c.Timeout = ts
	}

	w := &wait{thread: proc.NewThread(), done: make(chan int, 1)}

	r.mu.Lock()
	r.waits[step.Thread] = w
	r.order = append(r.order, step.Thread)
	r.mu.Unlock()

	go func() {
		res := r.sys.Syscall(w.thread.Context(r.waitCtx), c.Addr, c.Op, c.Val, c.Timeout, c.Addr2, c.Val3)

		r.mu.Lock()
		w.result, w.finished = res, true
		r.mu.Unlock()

		w.done <- res
	}()

	deadline := time.Now().Add(DefaultSettle)

	for time.Now().Before(deadline) {
		if r.isQueued(w.thread) {
			r.printf("%s pid=%d %s thread=%s blocked", futex.OpName(c.Op), proc.PID(), step.Addr, step.Thread)

			return nil
		}

		if res, ok := r.result(step.Thread); ok {
			r.printf("%s pid=%d %s thread=%s -> %s", futex.OpName(c.Op), proc.PID(), step.Addr, step.Thread, FormatResult(res))

			return nil
		}

		time.Sleep(100 * time.Microsecond)
	}

	return fmt.Errorf("%w: thread %s neither queued nor returned", ErrSettle, step.Thread)
}

// writeTimeout stores a timespec in the next scratch slot and returns its
// user address.
func (r *Runner) writeTimeout(proc *hostsim.Process, timeout string) (uintptr, error) {
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: timeout: %w", ErrInvalidScenario, err)
	}

	ts, err := futex.MarshalTimespec(d)
	if err != nil {
		return 0, err
	}

	slots := uintptr(r.machine.PageSize()) / futex.TimespecSize
	addr := ScratchAddr + (r.slot%slots)*futex.TimespecSize
	r.slot++

	if proc.Write(addr, ts) != len(ts) {
		return 0, fmt.Errorf("write timeout at %#x: %w", addr, hostsim.ErrNotMapped)
	}

	return addr, nil
}

func (r *Runner) isQueued(thread *hostsim.Thread) bool {
	for _, e := range r.sys.Table().Snapshot() {
		if e.TaskID == thread.ID() {
			return true
		}
	}

	return false
}

func (r *Runner) result(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waits[name]
	if !ok || !w.finished {
		return 0, false
	}

	return w.result, true
}

func stepTimeout(step Step) (time.Duration, error) {
	if step.Timeout == "" {
		return DefaultSettle, nil
	}

	d, err := time.ParseDuration(step.Timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: timeout: %w", ErrInvalidScenario, err)
	}

	return d, nil
}

// settle blocks until Waiters waiters are queued, or until every wait has
// returned when Waiters is unset.
func (r *Runner) settle(ctx context.Context, step Step) error {
	timeout, err := stepTimeout(step)
	if err != nil {
		return err
	}

	cond := r.allFinished
	what := "all waits finished"

	if step.Waiters != nil {
		want := *step.Waiters
		cond = func() bool { return r.sys.Table().Len() == want }
		what = fmt.Sprintf("%d waiters queued", want)
	}

	err = poll(ctx, timeout, cond)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSettle, what, err)
	}

	r.printf("settle: %s", what)

	return nil
}

func (r *Runner) allFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.waits {
		if !w.finished {
			return false
		}
	}

	return true
}

func poll(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()

	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

func (r *Runner) expect(ctx context.Context, proc *hostsim.Process, step Step) error {
	switch {
	case step.Thread != "":
		return r.expectThread(ctx, step)
	case step.Waiters != nil:
		got := r.sys.Table().Len()
		if got != *step.Waiters {
			return fmt.Errorf("%w: %d waiters queued, want %d", ErrExpectation, got, *step.Waiters)
		}

		r.printf("expect waiters == %d: ok", got)
	case step.Value != nil:
		addr, _ := ParseAddr(step.Addr)

		got, err := proc.Load(addr)
		if err != nil {
			return err
		}

		if got != *step.Value {
			return fmt.Errorf("%w: word at %s is %d, want %d", ErrExpectation, step.Addr, got, *step.Value)
		}

		r.printf("expect %s == %d: ok", step.Addr, got)
	default:
		if r.last != *step.Result {
			return fmt.Errorf("%w: last result %s, want %s", ErrExpectation, FormatResult(r.last), FormatResult(*step.Result))
		}

		r.printf("expect result == %s: ok", FormatResult(r.last))
	}

	return nil
}

func (r *Runner) expectThread(ctx context.Context, step Step) error {
	if step.Result == nil {
		return fmt.Errorf("%w: expect on thread %s needs result", ErrInvalidScenario, step.Thread)
	}

	r.mu.Lock()
	w, ok := r.waits[step.Thread]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown thread %q", ErrInvalidScenario, step.Thread)
	}

	timeout, err := stepTimeout(step)
	if err != nil {
		return err
	}

	err = poll(ctx, timeout, func() bool {
		_, done := r.result(step.Thread)

		return done
	})
	if err != nil {
		return fmt.Errorf("%w: thread %s still blocked: %w", ErrExpectation, step.Thread, err)
	}

	got, _ := r.result(step.Thread)
	if got != *step.Result {
		return fmt.Errorf("%w: thread %s returned %s, want %s", ErrExpectation, step.Thread, FormatResult(got), FormatResult(*step.Result))
	}

	r.log.Debug("thread result", zap.String("thread", step.Thread), zap.Uint64("tid", w.thread.ID()), zap.Int("result", got))
	r.printf("expect %s == %s: ok", step.Thread, FormatResult(got))

	return nil
}

// Close interrupts every wait still blocked and waits for all of them to
// return. It reports how many were interrupted.
func (r *Runner) Close() int {
	r.cancelWait()

	r.mu.Lock()
	pending := make([]*wait, 0, len(r.waits))

	for _, w := range r.waits {
		if !w.finished {
			pending = append(pending, w)
		}
	}
	r.mu.Unlock()

	for _, w := range pending {
		<-w.done
	}

	return len(pending)
}

func (r *Runner) printf(format string, args ...any) {
	if r.out == nil {
		return
	}

	_, _ = fmt.Fprintf(r.out, format+"\n", args...)
}

var errnoNames = map[int]string{
	futex.EINTR:     "EINTR",
	futex.EAGAIN:    "EAGAIN",
	futex.EFAULT:    "EFAULT",
	futex.EINVAL:    "EINVAL",
	futex.ENOSYS:    "ENOSYS",
	futex.ETIMEDOUT: "ETIMEDOUT",
}

// FormatResult renders a syscall result, naming negative errnos.
func FormatResult(res int) string {
	if name, ok := errnoNames[-res]; ok && res < 0 {
		return fmt.Sprintf("%d (%s)", res, name)
	}

	return fmt.Sprintf("%d", res)
}

// Snapshot is the dumpable state of a run.
type Snapshot struct {
	Waiters []WaiterState `json:"waiters"`
	Threads []ThreadState `json:"threads"`
	Wakes   int64         `json:"wakes"`
	Yields  int64         `json:"yields"`
}

// WaiterState is one queued waiter.
type WaiterState struct {
	Bucket int    `json:"bucket"`
	Key    string `json:"key"`
	Bitset uint32 `json:"bitset"`
	Task   uint64 `json:"task"`
	Thread string `json:"thread,omitempty"`
}

// ThreadState is one wait started by the scenario.
type ThreadState struct {
	Name     string `json:"name"`
	ID       uint64 `json:"id"`
	PID      uint64 `json:"pid"`
	Finished bool   `json:"finished"`
	Result   *int   `json:"result,omitempty"`
}

// Snapshot captures the table and every scenario thread.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make(map[uint64]string, len(r.waits))
	snap := Snapshot{
		Waiters: []WaiterState{},
		Threads: make([]ThreadState, 0, len(r.order)),
		Wakes:   r.machine.Wakes(),
		Yields:  r.machine.Yields(),
	}

	for _, name := range r.order {
		w := r.waits[name]
		names[w.thread.ID()] = name

		ts := ThreadState{Name: name, ID: w.thread.ID(), PID: w.thread.Process().PID(), Finished: w.finished}
		if w.finished {
			res := w.result
			ts.Result = &res
		}

		snap.Threads = append(snap.Threads, ts)
	}

	for _, e := range r.sys.Table().Snapshot() {
		snap.Waiters = append(snap.Waiters, WaiterState{
			Bucket: e.Bucket,
			Key:    e.Key.String(),
			Bitset: e.Bitset,
			Task:   e.TaskID,
			Thread: names[e.TaskID],
		})
	}

	return snap
}

// MarshalSnapshot encodes s as indented JSON.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	data, err := sonnet.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	return append(data, '\n'), nil
}

// Threads returns the names of every wait started so far, in start order.
func (r *Runner) Threads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.order)
}

// Package hostsim simulates the kernel around the futex subsystem: physical
// memory, processes with page tables, threads, and a wake/yield scheduler.
//
// Physical memory is one anonymous mapping carved into frames. Processes map
// virtual pages onto frames; two processes can map the same frame, which is
// what makes shared futex keys meaningful. Each thread has a one-slot wake
// permit, so a wake delivered before the thread yields is not lost.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/kfutex/pkg/futex"
)

// PhysBase is the physical address of frame 0.
const PhysBase = 0x100000

// Errors returned by the simulator.
var (
	ErrNoMemory      = errors.New("hostsim: out of physical frames")
	ErrNotMapped     = errors.New("hostsim: address not mapped")
	ErrAlreadyMapped = errors.New("hostsim: address already mapped")
	ErrProcessExist  = errors.New("hostsim: process exists")
	ErrNoProcess     = errors.New("hostsim: no such process")
	ErrClosed        = errors.New("hostsim: machine closed")
)

// Options configure a [Machine].
type Options struct {
	// Frames is the number of physical frames. Must be positive.
	Frames int

	// PageSize is the frame size. Must be a power of two >= 64.
	PageSize int
}

// Machine owns physical memory and every process and thread.
type Machine struct {
	pageSize uint64
	frames   int

	// mu guards mem (for Close), nextFrame and procs.
	mu        sync.Mutex
	mem       []byte
	nextFrame int
	procs     map[uint64]*Process

	nextTID atomic.Uint64
	wakes   atomic.Int64
	yields  atomic.Int64
}

// New maps opts.Frames frames of anonymous memory.
func New(opts Options) (*Machine, error) {
	if opts.Frames <= 0 {
		return nil, fmt.Errorf("hostsim: frames %d must be positive", opts.Frames)
	}

	if opts.PageSize < 64 || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("hostsim: page size %d must be a power of two >= 64", opts.PageSize)
	}

	mem, err := unix.Mmap(-1, 0, opts.Frames*opts.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostsim: mmap physical memory: %w", err)
	}

	return &Machine{
		pageSize: uint64(opts.PageSize),
		frames:   opts.Frames,
		mem:      mem,
		procs:    make(map[uint64]*Process),
	}, nil
}

// Close unmaps physical memory. Futex words handed out before Close must
// no longer be used.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil

	if err != nil {
		return fmt.Errorf("hostsim: munmap: %w", err)
	}

	return nil
}

// PageSize returns the frame size.
func (m *Machine) PageSize() uint64 {
	return m.pageSize
}

// FramesUsed returns the number of allocated frames.
func (m *Machine) FramesUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.nextFrame
}

// Wakes returns the number of wakes delivered to threads.
func (m *Machine) Wakes() int64 {
	return m.wakes.Load()
}

// Yields returns the number of yields that ended in a wake.
func (m *Machine) Yields() int64 {
	return m.yields.Load()
}

// NewProcess creates an empty address space.
func (m *Machine) NewProcess(pid uint64) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.procs[pid]; ok {
		return nil, fmt.Errorf("%w: %d", ErrProcessExist, pid)
	}

	proc := &Process{m: m, pid: pid, pages: make(map[uint64]int)}
	m.procs[pid] = proc

	return proc, nil
}

// Process returns the process with pid.
func (m *Machine) Process(pid uint64) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.procs[pid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	return proc, nil
}

// allocFrames reserves n consecutive frames and returns the first.
func (m *Machine) allocFrames(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return 0, ErrClosed
	}

	if m.nextFrame+n > m.frames {
		return 0, fmt.Errorf("%w: want %d, %d left", ErrNoMemory, n, m.frames-m.nextFrame)
	}

	first := m.nextFrame
	m.nextFrame += n

	return first, nil
}

func (m *Machine) physOf(frame int, offset uint64) uint64 {
	return PhysBase + uint64(frame)*m.pageSize + offset
}

// word returns the 32-bit word at phys. phys must be 4-byte aligned and
// inside physical memory.
func (m *Machine) word(phys uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[phys-PhysBase]))
}

// Register binds every futex host capability to this machine.
func (m *Machine) Register(reg *futex.Registry) {
	reg.RegisterTranslate(m.translate)
	reg.RegisterCurrentTask(m.currentTask)
	reg.RegisterCurrentProcessID(m.currentProcessID)
	reg.RegisterYield(m.yield)
	reg.RegisterWakeTask(m.wakeTask)
	reg.RegisterCopyFromUser(m.copyFromUser)
	reg.RegisterCopyToUser(m.copyToUser)
}

// NewSystem registers the machine's capabilities and builds a futex system
// on them. cfg.PageSize defaults to the machine's page size.
func (m *Machine) NewSystem(cfg futex.Config) (*futex.System, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = m.pageSize
	}

	var reg futex.Registry

	m.Register(&reg)

	host, err := reg.Resolve()
	if err != nil {
		return nil, err
	}

	return futex.New(cfg, host)
}

func (m *Machine) translate(ctx context.Context, uaddr uintptr) (futex.Location, bool) {
	thread, ok := ThreadFrom(ctx)
	if !ok {
		return futex.Location{}, false
	}

	phys, ok := thread.proc.translate(uint64(uaddr))
	if !ok || phys%4 != 0 {
		return futex.Location{}, false
	}

	return futex.Location{Phys: phys, Word: m.word(phys)}, true
}

func (m *Machine) currentTask(ctx context.Context) (futex.Task, bool) {
	thread, ok := ThreadFrom(ctx)
	if !ok {
		return nil, false
	}

	return thread, true
}

func (m *Machine) currentProcessID(ctx context.Context) (uint64, bool) {
	thread, ok := ThreadFrom(ctx)
	if !ok {
		return 0, false
	}

	return thread.proc.pid, true
}

func (m *Machine) yield(ctx context.Context) error {
	thread, ok := ThreadFrom(ctx)
	if !ok {
		panic("hostsim: yield outside a thread")
	}

	select {
	case <-thread.permit:
		m.yields.Add(1)

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) wakeTask(w *futex.Waiter) {
	thread, ok := w.Task().(*Thread)
	if !ok {
		panic(fmt.Sprintf("hostsim: foreign task %T", w.Task()))
	}

	select {
	case thread.permit <- struct{}{}:
	default:
		// Permit already pending; a thread has at most one queued waiter.
	}

	m.wakes.Add(1)
}

func (m *Machine) copyFromUser(ctx context.Context, dst []byte, uaddr uintptr) int {
	thread, ok := ThreadFrom(ctx)
	if !ok {
		return 0
	}

	return thread.proc.Read(dst, uaddr)
}

func (m *Machine) copyToUser(ctx context.Context, uaddr uintptr, src []byte) int {
	thread, ok := ThreadFrom(ctx)
	if !ok {
		return 0
	}

	return thread.proc.Write(uaddr, src)
}

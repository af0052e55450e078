package hostsim

import "context"

// Thread is a schedulable task. It implements [futex.Task].
//
// permit holds at most one pending wake. Yield consumes it; a wake sent
// while one is already pending is dropped, which cannot happen while the
// thread has at most one waiter queued.
type Thread struct {
	id     uint64
	proc   *Process
	permit chan struct{}
}

// NewThread creates a thread in p. Thread ids are unique per machine.
func (p *Process) NewThread() *Thread {
	return &Thread{
		id:     p.m.nextTID.Add(1),
		proc:   p,
		permit: make(chan struct{}, 1),
	}
}

// ID returns the thread id.
func (t *Thread) ID() uint64 {
	return t.id
}

// Process returns the owning process.
func (t *Thread) Process() *Process {
	return t.proc
}

// Pending reports whether a wake is waiting to be consumed.
func (t *Thread) Pending() bool {
	return len(t.permit) > 0
}

type threadKey struct{}

// Context returns ctx with t as the current thread. Futex calls made with
// the returned context run as t.
func (t *Thread) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// ThreadFrom returns the current thread stored in ctx.
func ThreadFrom(ctx context.Context) (*Thread, bool) {
	t, ok := ctx.Value(threadKey{}).(*Thread)

	return t, ok
}

package futex

import "sync/atomic"

// Task is the host's handle to a schedulable task.
//
// The subsystem only stores tasks and hands them back to the host through
// [Host.WakeTask]; it never inspects them beyond ID, which appears in
// snapshots and logs.
type Task interface {
	ID() uint64
}

// Waiter is one blocked task queued on a futex key.
//
// A waiter sits in at most one bucket. The table owns it while it is
// queued; whoever dequeues it (a wake, a requeue wake or [Table.Remove])
// owns it afterwards.
type Waiter struct {
	// key is guarded by the lock of the bucket the waiter is in.
	key    Key
	bitset uint32
	task   Task

	// bucket is the bucket currently holding the waiter, nil once dequeued.
	// Written only while holding that bucket's lock.
	bucket atomic.Pointer[bucket]
}

// NewWaiter returns a waiter for task on key. bitset must be non-zero; the
// table does not check.
func NewWaiter(key Key, bitset uint32, task Task) *Waiter {
	return &Waiter{key: key, bitset: bitset, task: task}
}

// Key returns the key the waiter is queued on, or was last queued on once
// it has been dequeued.
//
// A queued waiter's key is read under its bucket lock, so Key must not be
// called from a [Table.PushIf] condition.
func (w *Waiter) Key() Key {
	for {
		b := w.bucket.Load()
		if b == nil {
			return w.key
		}

		b.mu.Lock()

		// A requeue may have moved w between the load and the lock.
		if w.bucket.Load() == b {
			key := w.key
			b.mu.Unlock()

			return key
		}

		b.mu.Unlock()
	}
}

// Bitset returns the waiter's wake mask.
func (w *Waiter) Bitset() uint32 {
	return w.bitset
}

// Task returns the blocked task.
func (w *Waiter) Task() Task {
	return w.task
}

// Queued reports whether the waiter is currently in a bucket.
func (w *Waiter) Queued() bool {
	return w.bucket.Load() != nil
}

func (w *Waiter) matches(key Key, bitset uint32) bool {
	return w.key == key && w.bitset&bitset != 0
}

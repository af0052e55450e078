package futex

import (
	"fmt"
	"sync"
)

// Locking architecture
//
//  1. bucket.mu — one per bucket, guards the bucket's waiter slice and the
//     key of every waiter in it.
//
//  2. Two-bucket operations (MoveAllMatching, Requeue) hold both bucket
//     locks for the whole mutation. They are taken in ascending bucket index
//     order; when both keys hash to the same bucket it is locked once.
//
//  3. Waiter.bucket is only written with the owning bucket's lock held, so a
//     reader that locks the bucket it loaded and then sees the same pointer
//     again knows the waiter cannot move until it unlocks.
//
// Lock ordering: bucket[i].mu → bucket[j].mu for i < j

// Table is the sharded wait-queue table.
//
// The bucket count is fixed at construction. A Table is safe for
// concurrent use.
type Table struct {
	buckets []bucket
}

type bucket struct {
	mu    sync.Mutex
	index int

	// waiters is FIFO: new waiters are appended, scans run head to tail.
	waiters []*Waiter
}

// Entry describes one queued waiter in a [Table.Snapshot].
type Entry struct {
	Bucket int
	Key    Key
	Bitset uint32
	TaskID uint64
}

// NewTable returns a table with n buckets. Panics if n < 1.
func NewTable(n int) *Table {
	if n < 1 {
		panic(fmt.Sprintf("futex: bucket count %d < 1", n))
	}

	t := &Table{buckets: make([]bucket, n)}
	for i := range t.buckets {
		t.buckets[i].index = i
	}

	return t
}

// BucketCount returns the number of buckets.
func (t *Table) BucketCount() int {
	return len(t.buckets)
}

// BucketIndex returns the bucket that holds waiters on key.
func (t *Table) BucketIndex(key Key) int {
	return bucketIndex(key, len(t.buckets))
}

func (t *Table) bucketFor(key Key) *bucket {
	return &t.buckets[t.BucketIndex(key)]
}

// Push appends w to the tail of its key's bucket.
func (t *Table) Push(w *Waiter) {
	t.PushIf(w, nil)
}

// PushIf locks w's bucket, calls cond and appends w only if cond returns
// true. A nil cond always appends. Reports whether w was queued.
//
// cond runs with the bucket locked. It must not call back into the table.
func (t *Table) PushIf(w *Waiter, cond func() bool) bool {
	b := t.bucketFor(w.key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cond != nil && !cond() {
		return false
	}

	b.push(w)

	return true
}

// TakeMatching removes up to limit waiters queued on key whose bitset
// intersects bitset, in FIFO order. The order of the remaining waiters is
// preserved. Returns the removed waiters, or nil.
func (t *Table) TakeMatching(key Key, bitset uint32, limit int) []*Waiter {
	if limit <= 0 || bitset == 0 {
		return nil
	}

	b := t.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.take(key, bitset, limit)
}

// MoveAllMatching moves every waiter queued on from to the tail of to's
// bucket, relabeling it with to. Order among the moved waiters is
// preserved. Returns the number moved.
func (t *Table) MoveAllMatching(from, to Key) int {
	src, dst := t.bucketFor(from), t.bucketFor(to)

	lockPair(src, dst)
	defer unlockPair(src, dst)

	return moveAll(src, dst, from, to)
}

// Requeue performs the two halves of FUTEX_REQUEUE under one acquisition of
// both bucket locks: it takes up to wakeLimit waiters on from and moves the
// rest to to.
//
// cond, if non-nil, runs first with both locks held; if it returns false
// nothing is touched and ok is false.
func (t *Table) Requeue(from, to Key, wakeLimit int, cond func() bool) (woken []*Waiter, moved int, ok bool) {
	src, dst := t.bucketFor(from), t.bucketFor(to)

	lockPair(src, dst)
	defer unlockPair(src, dst)

	if cond != nil && !cond() {
		return nil, 0, false
	}

	if wakeLimit > 0 {
		woken = src.take(from, BitsetMatchAny, wakeLimit)
	}

	return woken, moveAll(src, dst, from, to), true
}

// Remove dequeues w wherever it currently is. It returns false if w is not
// queued, which means a wake or requeue-wake already took it.
func (t *Table) Remove(w *Waiter) bool {
	for {
		b := w.bucket.Load()
		if b == nil {
			return false
		}

		b.mu.Lock()

		// A requeue may have moved w between the load and the lock.
		if w.bucket.Load() != b {
			b.mu.Unlock()

			continue
		}

		b.remove(w)
		b.mu.Unlock()

		return true
	}
}

// Len returns the number of queued waiters. Buckets are visited one at a
// time, so under concurrent mutation the result is approximate.
func (t *Table) Len() int {
	n := 0

	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		n += len(b.waiters)
		b.mu.Unlock()
	}

	return n
}

// Count returns the number of waiters queued on key.
func (t *Table) Count(key Key) int {
	b := t.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, w := range b.waiters {
		if w.key == key {
			n++
		}
	}

	return n
}

// Snapshot returns every queued waiter, by bucket index and then FIFO order.
func (t *Table) Snapshot() []Entry {
	var entries []Entry

	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()

		for _, w := range b.waiters {
			entries = append(entries, Entry{
				Bucket: b.index,
				Key:    w.key,
				Bitset: w.bitset,
				TaskID: taskID(w.task),
			})
		}

		b.mu.Unlock()
	}

	return entries
}

func taskID(task Task) uint64 {
	if task == nil {
		return 0
	}

	return task.ID()
}

// push appends w. Caller holds b.mu.
func (b *bucket) push(w *Waiter) {
	b.waiters = append(b.waiters, w)
	w.bucket.Store(b)
}

// take removes up to limit matching waiters. Caller holds b.mu.
func (b *bucket) take(key Key, bitset uint32, limit int) []*Waiter {
	var taken []*Waiter

	kept := b.waiters[:0]

	for _, w := range b.waiters {
		if len(taken) < limit && w.matches(key, bitset) {
			w.bucket.Store(nil)
			taken = append(taken, w)

			continue
		}

		kept = append(kept, w)
	}

	clear(b.waiters[len(kept):])
	b.waiters = kept

	return taken
}

// remove drops w from the bucket. Caller holds b.mu and knows w is here.
func (b *bucket) remove(w *Waiter) {
	for i, queued := range b.waiters {
		if queued != w {
			continue
		}

		copy(b.waiters[i:], b.waiters[i+1:])
		b.waiters[len(b.waiters)-1] = nil
		b.waiters = b.waiters[:len(b.waiters)-1]
		w.bucket.Store(nil)

		return
	}
}

// moveAll relabels every waiter on from and appends it to dst. Caller holds
// both locks.
func moveAll(src, dst *bucket, from, to Key) int {
	var movers []*Waiter

	kept := src.waiters[:0]

	for _, w := range src.waiters {
		if w.key == from {
			movers = append(movers, w)

			continue
		}

		kept = append(kept, w)
	}

	if len(movers) == 0 {
		return 0
	}

	clear(src.waiters[len(kept):])
	src.waiters = kept

	for _, w := range movers {
		w.key = to
		dst.push(w)
	}

	return len(movers)
}

func lockPair(a, b *bucket) {
	switch {
	case a == b:
		a.mu.Lock()
	case a.index < b.index:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *bucket) {
	a.mu.Unlock()

	if a != b {
		b.mu.Unlock()
	}
}

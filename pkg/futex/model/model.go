// Package model provides a deliberately simple, in-memory model of the
// futex wait-queue table's observable behavior.
//
// The model is one insertion-ordered list for the whole table. It favors
// being obviously right over being fast: every operation is a linear scan.
// Tests drive the model and a real [futex.Table] with the same operations
// and compare [Queues.ByKey] against the table's snapshot.
package model

import "github.com/calvinalkan/kfutex/pkg/futex"

// Waiter is a queued waiter.
type Waiter struct {
	ID     uint64
	Key    futex.Key
	Bitset uint32
}

// Queued is what the model exposes per key: id and bitset in wake order.
type Queued struct {
	ID     uint64
	Bitset uint32
}

// Queues is the model table.
type Queues struct {
	waiters []Waiter
}

// Push appends a waiter.
func (q *Queues) Push(id uint64, key futex.Key, bitset uint32) {
	q.waiters = append(q.waiters, Waiter{ID: id, Key: key, Bitset: bitset})
}

// Take removes up to limit waiters on key whose bitset intersects bitset,
// oldest first, and returns their ids.
func (q *Queues) Take(key futex.Key, bitset uint32, limit int) []uint64 {
	var taken []uint64

	kept := q.waiters[:0]

	for _, w := range q.waiters {
		if len(taken) < limit && w.Key == key && w.Bitset&bitset != 0 {
			taken = append(taken, w.ID)

			continue
		}

		kept = append(kept, w)
	}

	q.waiters = kept

	return taken
}

// MoveAll relabels every waiter on from to to. Moved waiters go behind
// everything already queued, keeping their relative order.
func (q *Queues) MoveAll(from, to futex.Key) int {
	var moved []Waiter

	kept := q.waiters[:0]

	for _, w := range q.waiters {
		if w.Key == from {
			w.Key = to
			moved = append(moved, w)

			continue
		}

		kept = append(kept, w)
	}

	q.waiters = append(kept, moved...)

	return len(moved)
}

// Requeue takes up to wake waiters on from and moves the rest to to.
func (q *Queues) Requeue(from, to futex.Key, wake int) ([]uint64, int) {
	woken := q.Take(from, futex.BitsetMatchAny, wake)

	return woken, q.MoveAll(from, to)
}

// Remove drops the waiter with id. Reports whether it was queued.
func (q *Queues) Remove(id uint64) bool {
	for i, w := range q.waiters {
		if w.ID == id {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)

			return true
		}
	}

	return false
}

// Len returns the number of queued waiters.
func (q *Queues) Len() int {
	return len(q.waiters)
}

// ByKey groups the queued waiters by key in wake order. Returns nil when
// nothing is queued.
func (q *Queues) ByKey() map[futex.Key][]Queued {
	if len(q.waiters) == 0 {
		return nil
	}

	grouped := make(map[futex.Key][]Queued)

	for _, w := range q.waiters {
		grouped[w.Key] = append(grouped[w.Key], Queued{ID: w.ID, Bitset: w.Bitset})
	}

	return grouped
}

// GroupEntries groups a table snapshot the same way as [Queues.ByKey].
func GroupEntries(entries []futex.Entry) map[futex.Key][]Queued {
	if len(entries) == 0 {
		return nil
	}

	grouped := make(map[futex.Key][]Queued)

	for _, e := range entries {
		grouped[e.Key] = append(grouped[e.Key], Queued{ID: e.TaskID, Bitset: e.Bitset})
	}

	return grouped
}

// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The taskpool package provides a blocking task queue with FIFO, priority,
// and delayed submission, and an elastic worker pool built on it.  The pool
// spawns workers on demand up to a configured maximum when submissions
// outpace idle capacity, and retires idle workers back down to a configured
// core size.
package taskpool

import (
	"sync"
	"time"

	"github.com/tidwall/btree"

	"v.io/x/conc/tsync"
)

// A Task is a unit of work; it owns whatever state it captured.
type Task func()

// PopStatus describes the outcome of Queue.Pop().
type PopStatus int

const (
	// Ready means a task was returned.
	Ready PopStatus = iota
	// Stopped means the queue has been stopped and fully drained; the
	// consumer should exit.
	Stopped
	// Timeout means no task became runnable within the idle timeout; the
	// pool uses this to retire surplus workers.
	Timeout
)

// A delayedEntry is a task scheduled for a future instant.  Entries are
// ordered by deadline, with a monotonic sequence number so tasks given equal
// deadlines run in submission order.
type delayedEntry struct {
	deadline time.Time
	seq      uint64
	task     Task
}

func delayedLess(a, b delayedEntry) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// A Queue is a blocking task queue.  Producers submit with Push(),
// PushPriority(), and PushDelay(); consumers take tasks with Pop().  One
// internal mutex serializes submission and consumption; a single condition
// variable signals new work and stop.
//
// After Stop(), submissions are silently discarded, but everything already
// queued---including delayed tasks whose deadlines have not yet
// arrived---remains drainable; consumers observe Stopped only once the queue
// is empty.
type Queue struct {
	mu sync.Mutex // protects all fields below
	cv tsync.CV   // signalled on push and stop

	// FIFO of immediately-runnable tasks, as a ring buffer: in-use
	// elements are fifo[pos, ..., (pos+count-1)%len(fifo)].  Push()
	// appends at the tail; PushPriority() prepends at the head.
	fifo  []Task
	pos   int
	count int

	delayed *btree.BTreeG[delayedEntry]
	seq     uint64
	stopped bool
}

// NewQueue() returns an empty queue.
func NewQueue() *Queue {
	return &Queue{delayed: btree.NewBTreeG(delayedLess)}
}

// grow() doubles the ring buffer.  Requires q.mu held and the ring full (or
// empty and unallocated).
func (q *Queue) grow() {
	length := len(q.fifo)
	newLength := length * 2
	if newLength == 0 {
		newLength = 16
	}
	newFifo := make([]Task, newLength)
	n := copy(newFifo, q.fifo[q.pos:])
	copy(newFifo[n:], q.fifo[:q.pos])
	q.fifo = newFifo
	q.pos = 0
}

// pushBack() appends t at the tail of the FIFO.  Requires q.mu held.
func (q *Queue) pushBack(t Task) {
	if q.count == len(q.fifo) {
		q.grow()
	}
	i := q.pos + q.count
	if i >= len(q.fifo) {
		i -= len(q.fifo)
	}
	q.fifo[i] = t
	q.count++
}

// pushFront() prepends t at the head of the FIFO.  Requires q.mu held.
func (q *Queue) pushFront(t Task) {
	if q.count == len(q.fifo) {
		q.grow()
	}
	q.pos--
	if q.pos < 0 {
		q.pos += len(q.fifo)
	}
	q.fifo[q.pos] = t
	q.count++
}

// popFront() removes and returns the head of the FIFO.  Requires q.mu held
// and q.count > 0.
func (q *Queue) popFront() Task {
	t := q.fifo[q.pos]
	q.fifo[q.pos] = nil
	q.pos++
	if q.pos == len(q.fifo) {
		q.pos = 0
	}
	q.count--
	return t
}

// Push() appends t to the FIFO and wakes one consumer.  It reports whether
// the task was accepted; after Stop() the task is discarded and Push returns
// false.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pushBack(t)
	q.mu.Unlock()
	q.cv.Signal()
	return true
}

// PushPriority() prepends t to the FIFO, ahead of every queued normal task,
// and wakes one consumer.  There is a single priority level: a priority task
// jumps the line once; two priority tasks run in reverse submission order.
// After Stop() the task is discarded and PushPriority returns false.
func (q *Queue) PushPriority(t Task) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pushFront(t)
	q.mu.Unlock()
	q.cv.Signal()
	return true
}

// PushDelay() schedules t to become runnable after duration d, and wakes one
// consumer so it can re-arm its sleep.  After Stop() the task is discarded
// and PushDelay returns false.
func (q *Queue) PushDelay(t Task, d time.Duration) bool {
	return q.PushDelayUntil(t, time.Now().Add(d))
}

// PushDelayUntil() schedules t to become runnable at the absolute instant
// deadline.  A deadline in the past makes the task immediately runnable,
// ahead of queued normal tasks.
func (q *Queue) PushDelayUntil(t Task, deadline time.Time) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.delayed.Set(delayedEntry{deadline: deadline, seq: q.seq, task: t})
	q.seq++
	q.mu.Unlock()
	q.cv.Signal()
	return true
}

// Len() returns the total number of queued tasks, including delayed tasks
// whose deadlines have not arrived.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := q.count + q.delayed.Len()
	q.mu.Unlock()
	return n
}

// Stop() stops the queue and wakes every consumer.  Subsequent submissions
// are discarded; queued tasks remain drainable.  Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cv.Broadcast()
}

// Pop() removes and returns the next runnable task.  A delayed task whose
// deadline has arrived is preferred over the FIFO head.  If nothing is
// runnable, Pop blocks until either a task becomes runnable (Ready), the
// queue is stopped and drained (Stopped), or idleTimeout elapses from the
// call's entry with nothing delivered (Timeout).  A sleeping consumer wakes
// early when the earliest delayed deadline arrives, even with no submission
// activity.
func (q *Queue) Pop(idleTimeout time.Duration) (Task, PopStatus) {
	arrivalDeadline := time.Now().Add(idleTimeout)
	q.mu.Lock()
	for {
		now := time.Now()

		// Stopped and fully drained: the consumer is done.
		if q.stopped && q.count == 0 && q.delayed.Len() == 0 {
			q.mu.Unlock()
			return nil, Stopped
		}

		// A ripe delayed task runs first.
		if entry, ok := q.delayed.Min(); ok && !entry.deadline.After(now) {
			q.delayed.Delete(entry)
			q.mu.Unlock()
			return entry.task, Ready
		}

		// Then the FIFO head.
		if q.count > 0 {
			t := q.popFront()
			q.mu.Unlock()
			return t, Ready
		}

		// Nothing runnable: sleep until the next delayed deadline or
		// the idle timeout, whichever comes first.
		waitUntil := arrivalDeadline
		if entry, ok := q.delayed.Min(); ok && entry.deadline.Before(waitUntil) {
			waitUntil = entry.deadline
		}
		if q.cv.WaitWithDeadline(&q.mu, waitUntil) == tsync.Expired {
			// Expired at the arrival deadline means idle; expired
			// at a delayed-task deadline means that task is now
			// ripe---loop and deliver it.
			if !time.Now().Before(arrivalDeadline) {
				q.mu.Unlock()
				return nil, Timeout
			}
		}
	}
}

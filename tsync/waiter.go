// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync

import "math"
import "sync/atomic"
import "time"

// Outcomes of a timed wait.  See binarySemaphore.PWithDeadline() and
// CV.WaitWithDeadline().
const (
	OK      = iota // The wait was satisfied before any deadline.
	Expired        // The deadline expired.
)

// A binarySemaphore is a binary semaphore; it can have values 0 and 1.
type binarySemaphore struct {
	ch chan struct{}
}

// Init() initializes binarySemaphore *s; the initial value is 0.
func (s *binarySemaphore) Init() {
	s.ch = make(chan struct{}, 1)
}

// P() waits until the count of semaphore *s is 1 and decrements the
// count to 0.
func (s *binarySemaphore) P() {
	<-s.ch
}

// PWithDeadline() waits until either the count of semaphore *s is 1, in which
// case the count is decremented to 0 and OK is returned, or deadlineTimer is
// non-nil and expires, in which case Expired is returned.
func (s *binarySemaphore) PWithDeadline(deadlineTimer *time.Timer) int {
	// Avoid select if possible---it's slow.
	if deadlineTimer == nil {
		<-s.ch
		return OK
	}
	select {
	case <-s.ch:
		return OK
	case <-deadlineTimer.C:
		return Expired
	}
}

// V() ensures that the semaphore count of *s is 1.
func (s *binarySemaphore) V() {
	select {
	case s.ch <- struct{}{}:
	default: // Don't block if the semaphore count is already 1.
	}
}

// --------------------------------

// A waiter represents a single thread blocked on one of the primitives in
// this package.
//
// To wait:
// Allocate a waiter struct *w with newWaiter(), set w.waiting=1, queue w.q on
// the primitive's waiter list (or record *w in its queue), and then wait using:
//    for atomic.LoadUint32(&w.waiting) != 0 { w.sem.P() }
// Return *w to the free pool by calling freeWaiter(w).
//
// To wake, use wakeWaiter(), which clears w.waiting and performs w.sem.V()
// at most once per wait.  A timed CV wait that expires clears w.waiting
// itself, with no V().
type waiter struct {
	q             dll             // Doubly-linked list element.
	sem           binarySemaphore // Thread waits on this semaphore.
	deadlineTimer *time.Timer     // Used for waits with deadlines.

	// non-zero <=> the waiter is waiting (read and written atomically)
	waiting uint32
}

var freeWaiters dll       // freeWaiters is a doubly-linked list of free waiter structs.
var freeWaitersMu SpinMu  // protects freeWaiters

// newWaiter() returns a pointer to an unused waiter struct.
// Ensures that the enclosed timer is stopped and its channel drained.
func newWaiter() (w *waiter) {
	freeWaitersMu.Lock()
	if freeWaiters.next == nil { // first time through, initialize the free list.
		freeWaiters.MakeEmpty()
	}
	if !freeWaiters.IsEmpty() { // If free list is non-empty, dequeue an item.
		q := freeWaiters.next
		q.Remove()
		w = q.elem
	}
	freeWaitersMu.Unlock()
	if w == nil { // If free list was empty, allocate an item.
		w = new(waiter)
		w.sem.Init()
		w.deadlineTimer = time.NewTimer(time.Duration(math.MaxInt64))
		w.deadlineTimer.Stop()
		w.q.elem = w
	}
	return w
}

// freeWaiter() returns an unused waiter struct *w to the free pool.
func freeWaiter(w *waiter) {
	freeWaitersMu.Lock()
	w.q.InsertAfter(&freeWaiters)
	freeWaitersMu.Unlock()
}

// wakeWaiter() delivers the single wake-up that *w is waiting for.  The CAS
// guarantees at most one V() per wait.  The V() may still land after the
// waiter has seen w.waiting cleared and returned itself to the free pool
// (for instance when a timed CV wait expires concurrently), leaving a stale
// semaphore count; every wait loop re-checks w.waiting, so a stale count
// costs only one extra loop iteration.
func wakeWaiter(w *waiter) {
	if atomic.CompareAndSwapUint32(&w.waiting, 1, 0) { // release CAS
		w.sem.V()
	}
}

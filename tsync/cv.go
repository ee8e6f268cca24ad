// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync

import "sync"
import "sync/atomic"
import "time"

// A CV is a condition variable in the style of Mesa, POSIX, and Go's
// sync.Cond.  It allows a thread to wait for a condition on state protected
// by a mutex, and to proceed with the mutex held and the condition true.
//
// When compared with sync.Cond: (a) CV adds WaitWithDeadline(), which allows
// timed waits, (b) the mutex is an explicit argument of the wait calls to
// remind the reader that they have a side-effect on the mutex, and (c) (as a
// result of (b)) a zero-valued CV is a valid CV with no enqueued waiters, so
// there is no need of a call to construct a CV.
//
// Usage:
//
// After making the desired predicate true, call:
//      cv.Signal() // If at most one thread can make use of the predicate becoming true.
// or
//      cv.Broadcast() // If multiple threads can make use of the predicate becoming true.
//
// To wait for a predicate with no deadline:
//      mu.Lock()
//      for !predicateProtectedByMu { // the for-loop is required.
//              cv.Wait(&mu)
//      }
//      // predicate is now true
//      mu.Unlock()
//
// To wait for a predicate with a deadline:
//      mu.Lock()
//      for !predicateProtectedByMu && cv.WaitWithDeadline(&mu, absDeadline) == tsync.OK {
//      }
//      // predicate may or may not be true; re-check it before relying on it.
//      mu.Unlock()
//
// As with all Mesa-style condition variables, waits must re-test the
// predicate after each wake; a wake conveys only a hint that the predicate
// may have become true.
//
// The wait takes an absolute rather than a relative deadline.  Waits are used
// in loops, and with an absolute deadline the deadline does not have to be
// recomputed on each iteration; scheduling delays between iterations then
// cannot extend the total wait beyond the intended instant.  Use
// tsync.NoDeadline for no deadline.
type CV struct {
	spin    SpinMu // protects waiters
	waiters dll    // Head of a doubly-linked list of enqueued waiters; under spin.
}

// WaitWithDeadline() atomically releases "mu" and blocks the calling thread
// on *cv.  It then waits until awakened by a call to Signal() or Broadcast(),
// or by the time reaching absDeadline.  In all cases it reacquires "mu", and
// returns the reason the wait ended (OK or Expired).  A deadline already in
// the past expires without an intervening sleep, though the call still
// releases and reacquires "mu".
func (cv *CV) WaitWithDeadline(mu sync.Locker, absDeadline time.Time) (outcome int) {
	w := newWaiter()
	atomic.StoreUint32(&w.waiting, 1)

	cv.spin.Lock()
	if cv.waiters.next == nil { // first use of this CV; initialize the list head.
		cv.waiters.MakeEmpty()
	}
	w.q.InsertAfter(&cv.waiters)
	cv.spin.Unlock()

	mu.Unlock() // Release *mu.

	// Prepare a time.Timer for the deadline, if any.  The timer is
	// pre-allocated in the waiter to avoid allocating and garbage
	// collecting one on each wait.
	var deadlineTimer *time.Timer
	if absDeadline != NoDeadline {
		deadlineTimer = w.deadlineTimer
		if deadlineTimer.Reset(time.Until(absDeadline)) {
			// The timer must be inactive and drained whenever the
			// waiter is on the free list.
			panic("tsync: waiter deadlineTimer was active")
		}
	}

	// Wait until awoken or a timeout.
	semOutcome := OK
	var attempts uint
	for atomic.LoadUint32(&w.waiting) != 0 { // acquire load
		if semOutcome == OK {
			semOutcome = w.sem.PWithDeadline(deadlineTimer)
		}
		if semOutcome != OK && atomic.LoadUint32(&w.waiting) != 0 { // acquire load
			// The deadline expired without a wakeup.  Take the
			// spinlock and confirm: the waiter may have been
			// removed from the queue by a concurrent Signal() or
			// Broadcast() after the expiry but before we got here,
			// in which case the wakeup wins and its V() is on the
			// way.
			cv.spin.Lock()
			if atomic.LoadUint32(&w.waiting) != 0 && w.q.IsInList(&cv.waiters) {
				// Not woken; remove ourselves and declare a timeout.
				outcome = semOutcome
				w.q.Remove()
				atomic.StoreUint32(&w.waiting, 0) // release store
			}
			cv.spin.Unlock()
			if atomic.LoadUint32(&w.waiting) != 0 {
				attempts = spinDelay(attempts) // so we will ultimately yield to the scheduler.
			}
		}
	}

	// Stop any active timer, and drain its channel.
	if deadlineTimer != nil && semOutcome != Expired && !deadlineTimer.Stop() {
		// The receive is synchronous because time.Timer's expire+send
		// is not atomic: it may send after Stop() returns false.  The
		// "semOutcome != Expired" ensures that the value wasn't already
		// consumed by PWithDeadline() above.
		<-deadlineTimer.C
	}

	freeWaiter(w)
	mu.Lock()
	return outcome
}

// Wait() atomically releases "mu" and blocks the caller on *cv.  It waits
// until awakened by a call to Signal() or Broadcast(), then reacquires "mu"
// and returns.  It is equivalent to WaitWithDeadline() with
// absDeadline==NoDeadline.  It should be used in a loop, as with all
// Mesa-style condition variables.
func (cv *CV) Wait(mu sync.Locker) {
	cv.WaitWithDeadline(mu, NoDeadline)
}

// Signal() wakes at least one thread currently enqueued on *cv.  Waiters are
// woken in enqueue order.
func (cv *CV) Signal() {
	var toWake *waiter
	cv.spin.Lock()
	if cv.waiters.next != nil && !cv.waiters.IsEmpty() {
		toWake = cv.waiters.prev.elem // oldest waiter
		toWake.q.Remove()
	}
	cv.spin.Unlock()
	if toWake != nil {
		wakeWaiter(toWake)
	}
}

// Broadcast() wakes all threads currently enqueued on *cv.
func (cv *CV) Broadcast() {
	var toWake []*waiter
	cv.spin.Lock()
	if cv.waiters.next != nil {
		for !cv.waiters.IsEmpty() {
			w := cv.waiters.prev.elem // oldest first
			w.q.Remove()
			toWake = append(toWake, w)
		}
	}
	cv.spin.Unlock()
	for _, w := range toWake {
		wakeWaiter(w)
	}
}

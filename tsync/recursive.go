// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync

import "sync"
import "time"

import "github.com/petermattis/goid"

// A RecursiveMu is a reentrant mutex supporting timed acquisition.  Its zero
// value is valid, and unlocked.
//
// The goroutine holding a RecursiveMu may acquire it again without blocking;
// each acquisition must be balanced by an Unlock() from the same goroutine,
// and the lock becomes free when the count returns to zero.  Goroutine
// identity is the owner identity, so a RecursiveMu must not be locked in one
// goroutine and unlocked in another.
type RecursiveMu struct {
	mu    sync.Mutex // protects owner and count
	cv    CV         // signalled when count returns to zero
	owner int64      // goroutine id of the holder, or 0 if free
	count uint64     // recursion depth; 0 <=> owner == 0
}

// Lock() blocks until *m is free or already held by the caller, then
// acquires it, incrementing the recursion count.
func (m *RecursiveMu) Lock() {
	self := goid.Get()
	m.mu.Lock()
	for m.count != 0 && m.owner != self {
		m.cv.Wait(&m.mu)
	}
	if m.count == 0 {
		m.owner = self
	}
	m.count++
	m.mu.Unlock()
}

// TryLock() attempts to acquire *m without blocking, and returns whether it
// succeeded.  It always succeeds if the caller already holds *m.
func (m *RecursiveMu) TryLock() bool {
	self := goid.Get()
	m.mu.Lock()
	if m.count != 0 && m.owner != self {
		m.mu.Unlock()
		return false
	}
	if m.count == 0 {
		m.owner = self
	}
	m.count++
	m.mu.Unlock()
	return true
}

// TryLockUntil() attempts to acquire *m, blocking until the absolute deadline
// absDeadline at the latest, and returns whether it succeeded.  A deadline
// already in the past makes the call equivalent to TryLock().
func (m *RecursiveMu) TryLockUntil(absDeadline time.Time) bool {
	self := goid.Get()
	m.mu.Lock()
	if m.count != 0 && m.owner != self && !absDeadline.After(time.Now()) {
		m.mu.Unlock()
		return false
	}
	// While this goroutine waits it cannot be the owner, so the predicate
	// reduces to count reaching zero.
	for m.count != 0 && m.owner != self && m.cv.WaitWithDeadline(&m.mu, absDeadline) == OK {
	}
	acquired := m.count == 0 || m.owner == self
	if acquired {
		if m.count == 0 {
			m.owner = self
		}
		m.count++
	}
	m.mu.Unlock()
	return acquired
}

// TryLockFor() attempts to acquire *m, blocking for at most duration d, and
// returns whether it succeeded.  TryLockFor(0) is equivalent to TryLock().
func (m *RecursiveMu) TryLockFor(d time.Duration) bool {
	if d <= 0 {
		return m.TryLock()
	}
	return m.TryLockUntil(time.Now().Add(d))
}

// Unlock() decrements the recursion count of *m, releasing the lock and
// waking one waiter when the count reaches zero.  It panics if *m is not
// held, or is held by another goroutine.
func (m *RecursiveMu) Unlock() {
	self := goid.Get()
	m.mu.Lock()
	if m.count == 0 || m.owner != self {
		m.mu.Unlock()
		panic("tsync: Unlock of RecursiveMu not held by caller")
	}
	m.count--
	if m.count != 0 {
		m.mu.Unlock()
		return
	}
	m.owner = 0
	m.mu.Unlock()
	// Signal after dropping the internal mutex so the woken waiter does
	// not immediately collide with it.
	m.cv.Signal()
}

// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tsync

import "sync"
import "sync/atomic"

// Modes of an RWMu queue entry.
type rwMode uint8

const (
	modeRead rwMode = iota
	modeWrite
)

// An rwNode is one queued acquisition request.  The waiter belongs to the
// requesting call for the duration of that call; the node holds a non-owning
// reference, and the node is always popped from the queue before the call
// returns its waiter to the free pool.
type rwNode struct {
	mode     rwMode
	ticket   uint64 // diagnostic only; ordering is by queue position
	w        *waiter
	admitted bool // a writer node stays queued once admitted; never select it twice
}

// An RWMu is a reader-writer lock that admits acquirers in strict arrival
// order, so neither readers nor writers starve.  Its zero value is valid, and
// unlocked.
//
// Arrivals queue in FIFO order.  A run of consecutive queued readers is
// admitted together as a single batch, preserving read concurrency; a writer
// is admitted alone.  A reader arriving while a writer is queued ahead waits
// for that writer.  Each queued acquirer sleeps on a private gate and is
// woken individually exactly when it is admitted, so admission never wakes
// goroutines that cannot proceed.
//
// The method set matches sync.RWMutex (Lock, Unlock, TryLock, RLock, RUnlock,
// TryRLock), so an RWMu can be substituted where fairness under contention
// matters.  The Try variants never jump the queue: they fail whenever any
// acquirer is queued or admitted, even if the lock itself is free.
type RWMu struct {
	mu sync.Mutex // protects all fields below

	q          []rwNode
	hasWriter  bool
	readers    int    // readers inside the critical section
	pending    int    // admitted readers that have not yet entered
	nextTicket uint64
}

// schedule() is the admission scheduler.  It is a pure function of the lock
// state, called with rw.mu held after every event that may allow the next
// queued acquirer(s) in: enqueue on an idle lock, writer release, last reader
// release.  It appends the waiters to be woken to *wake; the caller must wake
// them after releasing rw.mu, so a woken goroutine never collides with the
// internal mutex.
//
// Admission rules:
//   - Nothing is admitted while the lock is held, or while a previously
//     admitted reader batch is still entering (rw.pending != 0).  The latter
//     gate prevents a writer slipping in between a batch being admitted and
//     its readers incrementing rw.readers.
//   - A writer at the head of the queue is admitted alone.  Its node stays at
//     the head until the writer wakes and pops it.
//   - A reader at the head opens a batch: the maximal prefix of consecutive
//     reader nodes is popped, rw.pending is set to its size, and every reader
//     in the batch is woken.  A writer immediately behind the prefix is not
//     woken.
func (rw *RWMu) schedule(wake *[]*waiter) {
	if rw.hasWriter || rw.readers != 0 {
		return
	}
	if rw.pending != 0 {
		return
	}
	if len(rw.q) == 0 {
		return
	}
	if rw.q[0].mode == modeWrite {
		// The node stays at the head until the writer wakes and pops
		// it; the admitted flag keeps a second scheduler invocation
		// from selecting the same waiter again, which could otherwise
		// touch it after the writer has already entered and recycled
		// it.
		if !rw.q[0].admitted {
			rw.q[0].admitted = true
			*wake = append(*wake, rw.q[0].w)
		}
		return
	}
	n := 0
	for n < len(rw.q) && rw.q[n].mode == modeRead {
		*wake = append(*wake, rw.q[n].w)
		n++
	}
	rw.q = rw.q[n:]
	rw.pending = n
}

// wakeAll() delivers the admissions chosen by schedule().  Must be called
// without rw.mu held.
func wakeAll(wake []*waiter) {
	for _, w := range wake {
		wakeWaiter(w)
	}
}

// Lock() blocks until *rw can be acquired exclusively, honouring arrival
// order, and then acquires it.
func (rw *RWMu) Lock() {
	w := newWaiter()
	atomic.StoreUint32(&w.waiting, 1)

	var wake []*waiter
	rw.mu.Lock()
	ticket := rw.nextTicket
	rw.nextTicket++
	rw.q = append(rw.q, rwNode{mode: modeWrite, ticket: ticket, w: w})
	rw.schedule(&wake) // covers entering an idle lock
	rw.mu.Unlock()
	wakeAll(wake)

	for atomic.LoadUint32(&w.waiting) != 0 { // acquire load
		w.sem.P()
	}

	rw.mu.Lock()
	if len(rw.q) == 0 || rw.q[0].w != w {
		panic("tsync: admitted writer is not at the head of the RWMu queue")
	}
	rw.q = rw.q[1:]
	rw.hasWriter = true
	rw.mu.Unlock()
	freeWaiter(w)
}

// TryLock() attempts to acquire *rw exclusively without blocking, and returns
// whether it succeeded.  It fails if any acquirer is active, admitted, or
// queued.
func (rw *RWMu) TryLock() bool {
	rw.mu.Lock()
	ok := !rw.hasWriter && rw.readers == 0 && rw.pending == 0 && len(rw.q) == 0
	if ok {
		rw.hasWriter = true
	}
	rw.mu.Unlock()
	return ok
}

// Unlock() releases an exclusive hold of *rw and admits the next queued
// acquirer(s).  It panics if *rw is not locked for writing.
func (rw *RWMu) Unlock() {
	var wake []*waiter
	rw.mu.Lock()
	if !rw.hasWriter {
		rw.mu.Unlock()
		panic("tsync: Unlock of RWMu not locked for writing")
	}
	rw.hasWriter = false
	rw.schedule(&wake)
	rw.mu.Unlock()
	wakeAll(wake)
}

// RLock() blocks until *rw can be acquired for reading, honouring arrival
// order, and then acquires it.  Consecutive queued readers are admitted
// together.
func (rw *RWMu) RLock() {
	w := newWaiter()
	atomic.StoreUint32(&w.waiting, 1)

	var wake []*waiter
	rw.mu.Lock()
	ticket := rw.nextTicket
	rw.nextTicket++
	rw.q = append(rw.q, rwNode{mode: modeRead, ticket: ticket, w: w})
	rw.schedule(&wake)
	rw.mu.Unlock()
	wakeAll(wake)

	for atomic.LoadUint32(&w.waiting) != 0 { // acquire load
		w.sem.P()
	}

	rw.mu.Lock()
	rw.readers++
	rw.pending--
	rw.mu.Unlock()
	// No scheduling here: while any reader is active or entering, no
	// writer can be admitted, and later readers join only through a new
	// batch.
	freeWaiter(w)
}

// TryRLock() attempts to acquire *rw for reading without blocking, and
// returns whether it succeeded.  It fails if a writer is active or anything
// is admitted or queued.
func (rw *RWMu) TryRLock() bool {
	rw.mu.Lock()
	ok := !rw.hasWriter && rw.pending == 0 && len(rw.q) == 0
	if ok {
		rw.readers++
	}
	rw.mu.Unlock()
	return ok
}

// RUnlock() releases a read hold of *rw.  The last reader out admits the next
// queued acquirer(s).  It panics if *rw is not locked for reading.
func (rw *RWMu) RUnlock() {
	var wake []*waiter
	rw.mu.Lock()
	if rw.readers == 0 {
		rw.mu.Unlock()
		panic("tsync: RUnlock of RWMu not locked for reading")
	}
	rw.readers--
	if rw.readers == 0 {
		rw.schedule(&wake) // a still-entering batch makes this a no-op
	}
	rw.mu.Unlock()
	wakeAll(wake)
}
